package model

import "time"

// FolderState is the persisted sync position for one (account, folder).
// If the server reports a validity epoch different from ValidityEpoch, every
// stored sequence id for the folder is meaningless and must be invalidated.
type FolderState struct {
	AccountID      int64
	Folder         string
	ValidityEpoch  uint32
	HighestSeenSeq uint32
	UpdatedAt      time.Time
}
