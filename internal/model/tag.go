package model

import "time"

// Tag is a user-defined label with an embedding vector representing the
// messages already carrying it.
type Tag struct {
	ID        int64
	UserID    int64
	Name      string
	Embedding []float32
	CreatedAt time.Time
}

// TagAssignment links a tag to a message, either assigned outright or
// suggested for the user to confirm.
type TagAssignment struct {
	MessageID  int64
	TagID      int64
	Suggested  bool
	Similarity float64
}
