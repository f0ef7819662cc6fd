package model

import "time"

// Result is the derived classification record for a message, created only
// once the classification stage succeeds. On reprocessing it is deleted and
// recreated, never mutated.
type Result struct {
	ID        int64
	MessageID int64

	Urgency    float64
	Importance float64
	Category   string
	Priority   string
	SpamFlag   bool

	EncSummary []byte

	// Provenance names the engine that produced the verdict, e.g.
	// "classifier-service", "local-heuristic", "sender-override".
	Provenance string
	Confidence float64

	CreatedAt time.Time
}
