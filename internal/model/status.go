package model

// ProcessingStatus is the pipeline position of a raw message. Values are
// ordered so "next stage" checks are plain comparisons; negative values are
// per-stage terminal failures that a later run may retry.
type ProcessingStatus int

const (
	StatusNew             ProcessingStatus = 0
	StatusEmbeddingDone   ProcessingStatus = 20
	StatusTranslationDone ProcessingStatus = 30
	StatusClassified      ProcessingStatus = 40
	StatusRulesApplied    ProcessingStatus = 50
	StatusComplete        ProcessingStatus = 100

	StatusEmbeddingFailed      ProcessingStatus = -20
	StatusTranslationFailed    ProcessingStatus = -30
	StatusClassificationFailed ProcessingStatus = -40
	StatusHandoffFailed        ProcessingStatus = -50
)

// Failed reports whether the record is parked in a stage failure state.
func (s ProcessingStatus) Failed() bool { return s < 0 }

func (s ProcessingStatus) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusEmbeddingDone:
		return "embedding_done"
	case StatusTranslationDone:
		return "translation_done"
	case StatusClassified:
		return "classified"
	case StatusRulesApplied:
		return "rules_applied"
	case StatusComplete:
		return "complete"
	case StatusEmbeddingFailed:
		return "embedding_failed"
	case StatusTranslationFailed:
		return "translation_failed"
	case StatusClassificationFailed:
		return "classification_failed"
	case StatusHandoffFailed:
		return "handoff_failed"
	default:
		return "unknown"
	}
}
