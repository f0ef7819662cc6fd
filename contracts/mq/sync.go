package mq

import "time"

// Routing keys on the events exchange.
const (
	RoutingSyncRunRequested = "sync.run.requested"
	RoutingRulesApply       = "rules.apply"
	RoutingRulesApplied     = "rules.applied"
)

// SyncRunPayload asks a worker to run sync + pipeline for one account.
type SyncRunPayload struct {
	RunID     string    `json:"run_id"`
	AccountID int64     `json:"account_id"`
	Attempt   int       `json:"attempt"`
	QueuedAt  time.Time `json:"queued_at"`
}

// RulesApplyPayload hands a classified record to the downstream rule engine.
type RulesApplyPayload struct {
	MessageID  int64   `json:"message_id"`
	UserID     int64   `json:"user_id"`
	AccountID  int64   `json:"account_id"`
	ThreadID   string  `json:"thread_id"`
	Category   string  `json:"category"`
	Priority   string  `json:"priority"`
	Urgency    float64 `json:"urgency"`
	Importance float64 `json:"importance"`
	SpamFlag   bool    `json:"spam_flag"`
}

// RulesAppliedPayload is the rule engine's ack that it finished a record.
type RulesAppliedPayload struct {
	MessageID int64     `json:"message_id"`
	AppliedAt time.Time `json:"applied_at"`
}
