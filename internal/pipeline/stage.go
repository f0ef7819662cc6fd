package pipeline

import (
	"context"

	"github.com/zwy923/mailsift/internal/model"
)

// Result is a stage's verdict on one message. Advance moves the message to
// the stage's done status; Warnings are appended either way. A non-nil Err
// is a hard stage failure and is classified by the caller.
type Result struct {
	Advance  bool
	Warnings []model.Warning
	Err      error
}

func advanceWith(warnings ...model.Warning) Result {
	return Result{Advance: true, Warnings: warnings}
}

func holdWith(warnings ...model.Warning) Result {
	return Result{Advance: false, Warnings: warnings}
}

func failWith(err error) Result {
	return Result{Err: err}
}

// Stage is one resumable step of the processing pipeline. Completes is the
// status a message reaches when the stage advances; Fails is the negative
// status recorded on a hard error. A message is eligible for the stage when
// its current status is exactly the previous stage's done status.
type Stage interface {
	Name() string
	Completes() model.ProcessingStatus
	Fails() model.ProcessingStatus
	Run(ctx context.Context, acct *model.Account, msg *model.Message) Result
}
