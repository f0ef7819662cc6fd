package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zwy923/mailsift/config"
	"github.com/zwy923/mailsift/internal/model"
	"github.com/zwy923/mailsift/pkg/metrics"
)

// MessageStore is the persistence surface the driver itself needs. Stages
// carry their own write paths.
type MessageStore interface {
	ListPending(ctx context.Context, accountID int64, maxStatus model.ProcessingStatus, limit int) ([]*model.Message, error)
	UpdateStatus(ctx context.Context, id int64, status model.ProcessingStatus) error
	MarkStageFailed(ctx context.Context, id int64, status model.ProcessingStatus, errMsg string) error
	ResetForRetry(ctx context.Context, accountID int64, failed, runnable model.ProcessingStatus, maxRetries int) (int64, error)
	AppendWarnings(ctx context.Context, id int64, warnings []model.Warning) error
}

// Outcome summarizes one driver pass over an account's backlog.
type Outcome struct {
	Processed int
	Advanced  int
	Held      int
	Failed    int
}

// Driver walks an account's pending records through the configured stage
// sequence. Status is persisted after every stage, so an interrupted run
// resumes exactly where each record stopped.
type Driver struct {
	stages   []Stage
	messages MessageStore
	cfg      config.PipelineConfig
	logger   *zap.Logger
}

func NewDriver(stages []Stage, messages MessageStore, cfg config.PipelineConfig, logger *zap.Logger) *Driver {
	return &Driver{stages: stages, messages: messages, cfg: cfg, logger: logger}
}

// ProcessAccount runs every eligible record through as many stages as it can
// reach this pass. A stage failure parks the record at the stage's failure
// status and moves on to the next record; only infrastructure errors abort
// the pass.
func (d *Driver) ProcessAccount(ctx context.Context, acct *model.Account) (*Outcome, error) {
	if len(d.stages) == 0 {
		return &Outcome{}, nil
	}
	finalStatus := d.stages[len(d.stages)-1].Completes()

	// Records parked by an earlier pass get another chance, back at the
	// status that makes the failed stage eligible again.
	runnable := model.StatusNew
	for _, stage := range d.stages {
		n, err := d.messages.ResetForRetry(ctx, acct.ID, stage.Fails(), runnable, d.cfg.MaxStageRetries)
		if err != nil {
			return nil, fmt.Errorf("requeue parked records: %w", err)
		}
		if n > 0 {
			d.logger.Info("parked records requeued",
				zap.String("stage", stage.Name()),
				zap.Int64("account_id", acct.ID),
				zap.Int64("count", n))
		}
		runnable = stage.Completes()
	}

	pending, err := d.messages.ListPending(ctx, acct.ID, finalStatus, d.cfg.BatchLimit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	outcome := &Outcome{}
	for _, msg := range pending {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		outcome.Processed++
		if err := d.processMessage(ctx, acct, msg, outcome); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

func (d *Driver) processMessage(
	ctx context.Context,
	acct *model.Account,
	msg *model.Message,
	outcome *Outcome,
) error {
	expected := model.StatusNew
	for _, stage := range d.stages {
		if msg.ProcessingStatus != expected {
			expected = stage.Completes()
			continue
		}
		expected = stage.Completes()

		start := time.Now()
		res := stage.Run(ctx, acct, msg)

		if len(res.Warnings) > 0 {
			if err := d.messages.AppendWarnings(ctx, msg.ID, res.Warnings); err != nil {
				return fmt.Errorf("append warnings: %w", err)
			}
			msg.Warnings = append(msg.Warnings, res.Warnings...)
		}

		if res.Err != nil {
			if ctx.Err() != nil {
				// The run deadline hit mid-stage. The record keeps its
				// current status; the next run resumes it from here.
				metrics.RecordStageDuration(stage.Name(), "interrupted", time.Since(start))
				d.logger.Warn("run interrupted mid-stage",
					zap.String("stage", stage.Name()),
					zap.Int64("message_id", msg.ID))
				return ctx.Err()
			}
			metrics.RecordStageDuration(stage.Name(), "error", time.Since(start))
			d.logger.Error("stage failed",
				zap.String("stage", stage.Name()),
				zap.Int64("message_id", msg.ID),
				zap.Error(res.Err))
			if err := d.messages.MarkStageFailed(ctx, msg.ID, stage.Fails(), res.Err.Error()); err != nil {
				return fmt.Errorf("mark stage failed: %w", err)
			}
			outcome.Failed++
			return nil
		}

		if !res.Advance {
			metrics.RecordStageDuration(stage.Name(), "held", time.Since(start))
			outcome.Held++
			return nil
		}

		metrics.RecordStageDuration(stage.Name(), "ok", time.Since(start))
		if err := d.messages.UpdateStatus(ctx, msg.ID, stage.Completes()); err != nil {
			return fmt.Errorf("advance status: %w", err)
		}
		msg.ProcessingStatus = stage.Completes()
	}
	outcome.Advanced++
	return nil
}
