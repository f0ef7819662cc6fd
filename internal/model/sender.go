package model

import "time"

// SenderProfile is the learned behavior of one sender for one user. It feeds
// the classifier context hint and, when confidence is high enough, overrides
// the classifier verdict.
type SenderProfile struct {
	UserID     int64
	SenderAddr string

	MessageCount   int
	AutomatedCount int

	LearnedCategory string
	LearnedPriority string
	LearnedSpam     bool
	Confidence      float64

	UpdatedAt time.Time
}

// AutomatedRatio is the share of this sender's messages judged automated.
func (p *SenderProfile) AutomatedRatio() float64 {
	if p.MessageCount == 0 {
		return 0
	}
	return float64(p.AutomatedCount) / float64(p.MessageCount)
}
