package mqhandler

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	contracts "github.com/zwy923/mailsift/contracts/mq"
	"github.com/zwy923/mailsift/pkg/faults"
	"github.com/zwy923/mailsift/pkg/metrics"
	"github.com/zwy923/mailsift/pkg/trace"
	"github.com/zwy923/mailsift/pkg/util"
)

// RunExecutor executes one queued sync run.
type RunExecutor interface {
	HandleRun(ctx context.Context, payload contracts.SyncRunPayload) error
}

// AccountLock serializes runs per account. The redis deduper satisfies it.
type AccountLock interface {
	AcquireOnce(ctx context.Context, scope string, id int64) bool
	Release(ctx context.Context, scope string, id int64)
}

var _ AccountLock = (*util.Deduper)(nil)

// DeliveryCounter tracks how many times the same account payload has been
// delivered, so a poison payload cannot requeue forever. The redis retry
// counter satisfies it.
type DeliveryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

var _ DeliveryCounter = (*util.RetryCounter)(nil)

// SyncRunHandler consumes sync.run.requested events. A per-account lock
// keeps two workers from syncing the same mailbox concurrently.
type SyncRunHandler struct {
	executor   RunExecutor
	lock       AccountLock
	deliveries DeliveryCounter
	logger     *zap.Logger
}

func NewSyncRunHandler(executor RunExecutor, lock AccountLock, deliveries DeliveryCounter, logger *zap.Logger) *SyncRunHandler {
	return &SyncRunHandler{executor: executor, lock: lock, deliveries: deliveries, logger: logger}
}

const (
	accountLockScope = "syncrun"

	// maxDeliveries caps broker redeliveries of one account's payload
	// before it is parked on the DLQ. Generous: lock-busy requeues count
	// toward it too.
	maxDeliveries = 25
)

func (h *SyncRunHandler) Handle(ctx context.Context, data json.RawMessage) error {
	start := time.Now()
	defer func() {
		metrics.RecordMQConsumeLatency(contracts.RoutingSyncRunRequested, "sync_run_q", time.Since(start))
	}()

	var payload contracts.SyncRunPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return faults.Permanent(err)
	}
	if payload.RunID == "" || payload.AccountID == 0 {
		return faults.Permanentf("sync run payload missing run_id or account_id")
	}

	ctx = trace.WithContext(ctx, trace.GenerateTraceID())
	log := h.logger.With(
		zap.String("trace_id", trace.FromContext(ctx)),
		zap.String("run_id", payload.RunID),
		zap.Int64("account_id", payload.AccountID))

	retryKey := util.FormatRetryKey(accountLockScope, payload.AccountID)
	count, _ := h.deliveries.IncrementAndGet(ctx, retryKey)
	if count > maxDeliveries {
		log.Error("delivery limit reached, parking payload", zap.Int64("deliveries", count))
		h.deliveries.Reset(ctx, retryKey)
		return faults.Permanentf("sync run for account %d redelivered %d times", payload.AccountID, count)
	}

	if !h.lock.AcquireOnce(ctx, accountLockScope, payload.AccountID) {
		// Another worker holds this account. Requeue and try again later.
		log.Debug("account busy, requeueing run")
		return faults.Transientf("account %d already syncing", payload.AccountID)
	}
	defer h.lock.Release(ctx, accountLockScope, payload.AccountID)

	log.Info("sync run picked up", zap.Int("attempt", payload.Attempt))
	if err := h.executor.HandleRun(ctx, payload); err != nil {
		return err
	}
	h.deliveries.Reset(ctx, retryKey)
	return nil
}
