package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zwy923/mailsift/config"
	contracts "github.com/zwy923/mailsift/contracts/mq"
	"github.com/zwy923/mailsift/internal/model"
	"github.com/zwy923/mailsift/internal/pipeline"
	"github.com/zwy923/mailsift/internal/syncer"
	"github.com/zwy923/mailsift/pkg/crypto"
	"github.com/zwy923/mailsift/pkg/faults"
	"github.com/zwy923/mailsift/pkg/metrics"
)

// AccountLoader resolves the account a run refers to.
type AccountLoader interface {
	FindByID(ctx context.Context, id int64) (*model.Account, error)
}

// RunLedger records run lifecycle transitions.
type RunLedger interface {
	MarkRunning(ctx context.Context, runID string, attempt int) error
	MarkRetrying(ctx context.Context, runID string, attempt int, msg string) error
	MarkDone(ctx context.Context, runID string, fetched, processed int) error
	MarkError(ctx context.Context, runID string, msg string) error
}

// AccountSyncer pulls new messages for an account.
type AccountSyncer interface {
	SyncAccount(ctx context.Context, acct *model.Account, box *crypto.Box) (*syncer.Summary, error)
}

// AccountProcessor walks an account's backlog through the pipeline.
type AccountProcessor interface {
	ProcessAccount(ctx context.Context, acct *model.Account) (*pipeline.Outcome, error)
}

// ProcessorFactory builds a pipeline bound to a run's content key. Stage
// code never sees the key itself, only the box, and the box dies with the
// run.
type ProcessorFactory func(box *crypto.Box) AccountProcessor

// DelayedPublisher re-enqueues a run after a backoff.
type DelayedPublisher interface {
	PublishDelayed(routingKey string, payload any, delay time.Duration) error
}

// Supervisor executes one sync-then-process run end to end and decides what
// a failure means: transient faults are re-enqueued with exponential
// backoff, permanent faults close the run as an error.
type Supervisor struct {
	accounts   AccountLoader
	runs       RunLedger
	syncer     AccountSyncer
	processors ProcessorFactory
	publisher  DelayedPublisher

	keyHex     string
	retry      config.RetryConfig
	runTimeout time.Duration
	logger     *zap.Logger
}

func NewSupervisor(
	accounts AccountLoader,
	runs RunLedger,
	accountSyncer AccountSyncer,
	processors ProcessorFactory,
	publisher DelayedPublisher,
	keyHex string,
	retry config.RetryConfig,
	runTimeout time.Duration,
	logger *zap.Logger,
) *Supervisor {
	return &Supervisor{
		accounts:   accounts,
		runs:       runs,
		syncer:     accountSyncer,
		processors: processors,
		publisher:  publisher,
		keyHex:     keyHex,
		retry:      retry,
		runTimeout: runTimeout,
		logger:     logger,
	}
}

// HandleRun executes one queued run. The returned error is only for payloads
// the supervisor could not act on at all; execution failures are absorbed
// into the run ledger and the retry queue.
func (s *Supervisor) HandleRun(ctx context.Context, payload contracts.SyncRunPayload) error {
	log := s.logger.With(
		zap.String("run_id", payload.RunID),
		zap.Int64("account_id", payload.AccountID),
		zap.Int("attempt", payload.Attempt))

	acct, err := s.accounts.FindByID(ctx, payload.AccountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if acct == nil || !acct.Active {
		log.Warn("run refers to a missing or disabled account, closing")
		if err := s.runs.MarkError(ctx, payload.RunID, "account missing or disabled"); err != nil {
			return err
		}
		metrics.IncSyncRun("error")
		return nil
	}

	if err := s.runs.MarkRunning(ctx, payload.RunID, payload.Attempt); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	fetched, processed, runErr := s.execute(ctx, acct)
	if runErr == nil {
		if err := s.runs.MarkDone(ctx, payload.RunID, fetched, processed); err != nil {
			return err
		}
		metrics.IncSyncRun("done")
		log.Info("run finished",
			zap.Int("fetched", fetched),
			zap.Int("processed", processed))
		return nil
	}

	return s.handleFailure(ctx, payload, runErr, log)
}

// execute runs sync then pipeline under the run deadline with a fresh
// content box.
func (s *Supervisor) execute(ctx context.Context, acct *model.Account) (fetched, processed int, err error) {
	box, err := crypto.NewBox(s.keyHex)
	if err != nil {
		return 0, 0, faults.Permanent(fmt.Errorf("content key: %w", err))
	}
	defer box.Wipe()

	runCtx := ctx
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	summary, err := s.syncer.SyncAccount(runCtx, acct, box)
	if summary != nil {
		fetched = summary.Fetched
	}
	if err != nil {
		return fetched, 0, fmt.Errorf("sync: %w", err)
	}

	outcome, err := s.processors(box).ProcessAccount(runCtx, acct)
	if outcome != nil {
		processed = outcome.Processed
	}
	if err != nil {
		return fetched, processed, fmt.Errorf("pipeline: %w", err)
	}
	return fetched, processed, nil
}

func (s *Supervisor) handleFailure(
	ctx context.Context,
	payload contracts.SyncRunPayload,
	runErr error,
	log *zap.Logger,
) error {
	if faults.ShouldRetry(runErr, int64(payload.Attempt), int64(s.retry.MaxAttempts)) {
		delay := s.backoff(payload.Attempt)
		next := payload
		next.Attempt++

		if err := s.runs.MarkRetrying(ctx, payload.RunID, next.Attempt, runErr.Error()); err != nil {
			return err
		}
		if err := s.publisher.PublishDelayed(contracts.RoutingSyncRunRequested, next, delay); err != nil {
			// Could not re-enqueue; close the run so it does not hang in
			// retrying forever.
			log.Error("re-enqueue failed, closing run", zap.Error(err))
			if markErr := s.runs.MarkError(ctx, payload.RunID, runErr.Error()); markErr != nil {
				return markErr
			}
			metrics.IncSyncRun("error")
			return nil
		}
		metrics.IncSyncRun("retrying")
		log.Warn("run failed, re-enqueued",
			zap.Duration("delay", delay),
			zap.Error(runErr))
		return nil
	}

	if err := s.runs.MarkError(ctx, payload.RunID, runErr.Error()); err != nil {
		return err
	}
	metrics.IncSyncRun("error")
	log.Error("run failed terminally", zap.Error(runErr))
	return nil
}

// backoff is base*2^(attempt-1), capped.
func (s *Supervisor) backoff(attempt int) time.Duration {
	delay := s.retry.BackoffBase()
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max := s.retry.BackoffMax(); max > 0 && delay >= max {
			return max
		}
	}
	if max := s.retry.BackoffMax(); max > 0 && delay > max {
		delay = max
	}
	return delay
}
