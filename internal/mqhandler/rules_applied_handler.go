package mqhandler

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	contracts "github.com/zwy923/mailsift/contracts/mq"
	"github.com/zwy923/mailsift/pkg/faults"
	"github.com/zwy923/mailsift/pkg/metrics"
)

// Completer closes out a record once the rule engine has acked it.
type Completer interface {
	MarkRulesApplied(ctx context.Context, id int64) error
}

// RulesAppliedHandler consumes the rule engine's acks and moves records to
// their terminal status.
type RulesAppliedHandler struct {
	messages Completer
	logger   *zap.Logger
}

func NewRulesAppliedHandler(messages Completer, logger *zap.Logger) *RulesAppliedHandler {
	return &RulesAppliedHandler{messages: messages, logger: logger}
}

func (h *RulesAppliedHandler) Handle(ctx context.Context, data json.RawMessage) error {
	start := time.Now()
	defer func() {
		metrics.RecordMQConsumeLatency(contracts.RoutingRulesApplied, "rules_applied_q", time.Since(start))
	}()

	var payload contracts.RulesAppliedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return faults.Permanent(err)
	}
	if payload.MessageID == 0 {
		return faults.Permanentf("rules.applied payload missing message_id")
	}

	if err := h.messages.MarkRulesApplied(ctx, payload.MessageID); err != nil {
		return err
	}
	h.logger.Debug("record completed",
		zap.Int64("message_id", payload.MessageID),
		zap.Time("applied_at", payload.AppliedAt))
	return nil
}
