package model

import "time"

// RunStatus is the user-visible state of one account sync run.
type RunStatus string

const (
	RunQueued   RunStatus = "queued"
	RunRunning  RunStatus = "running"
	RunRetrying RunStatus = "retrying"
	RunDone     RunStatus = "done"
	RunError    RunStatus = "error"
)

// SyncRun is the ledger entry for one sync-then-process run of an account.
type SyncRun struct {
	ID        string    `json:"id"` // uuid
	AccountID int64     `json:"account_id"`
	Status    RunStatus `json:"status"`
	Attempt   int       `json:"attempt"`
	Message   string    `json:"message,omitempty"`

	MessagesFetched   int `json:"messages_fetched"`
	MessagesProcessed int `json:"messages_processed"`

	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
