package model

import "time"

// FlagSet mirrors the standard mailbox flags of a message.
type FlagSet struct {
	Seen     bool `json:"seen"`
	Answered bool `json:"answered"`
	Flagged  bool `json:"flagged"`
	Deleted  bool `json:"deleted"`
	Draft    bool `json:"draft"`
}

// Warning is one non-fatal pipeline event attached to a message.
type Warning struct {
	Code      string    `json:"code"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is a raw fetched message. The natural key
// (account_id, folder, validity_epoch, sequence_id) is enforced by a unique
// constraint, never by pre-query deduplication.
type Message struct {
	ID            int64
	UserID        int64
	AccountID     int64
	Folder        string
	ValidityEpoch uint32
	SequenceID    uint32

	Flags FlagSet

	ThreadID   string
	ParentSeq  *uint32
	MessageID  string
	InReplyTo  string
	References []string

	FromAddr   string
	Recipients []string
	SentAt     time.Time

	Size           int64
	HasAttachments bool
	ContentType    string
	Charset        string

	// Content fields are encrypted at rest and write-once.
	EncSubject     []byte
	EncBody        []byte
	EncTranslation []byte

	Language  string
	Embedding []float32

	ProcessingStatus ProcessingStatus
	ProcessingError  string
	Warnings         []Warning
	RetryCount       int

	InvalidatedAt *time.Time
	CreatedAt     time.Time
	LastSeenAt    time.Time
}

// ThreadRef is the stored thread identity of a known message, used when
// recomputing the thread graph for a new batch.
type ThreadRef struct {
	MessageID  string
	ThreadID   string
	SequenceID uint32
}
