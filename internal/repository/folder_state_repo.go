package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zwy923/mailsift/internal/model"
)

type FolderStateRepository struct {
	db *pgxpool.Pool
}

func NewFolderStateRepository(db *pgxpool.Pool) *FolderStateRepository {
	return &FolderStateRepository{db: db}
}

// CheckEpoch compares the server-reported validity epoch against the stored
// one for (account, folder). First sight stores the epoch. A mismatch
// soft-deletes every active raw message of the folder and resets the sync
// position, all in one transaction with the epoch update, so there is no
// window where old sequence ids are trusted against the new epoch.
func (r *FolderStateRepository) CheckEpoch(
	ctx context.Context,
	accountID int64,
	folder string,
	serverEpoch uint32,
) (*model.FolderState, bool, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("begin epoch check: %w", err)
	}
	defer tx.Rollback(ctx)

	var state model.FolderState
	state.AccountID = accountID
	state.Folder = folder

	err = tx.QueryRow(ctx, `
        SELECT validity_epoch, highest_seen_seq, updated_at
        FROM folder_state
        WHERE account_id = $1 AND folder = $2
        FOR UPDATE
    `, accountID, folder).Scan(&state.ValidityEpoch, &state.HighestSeenSeq, &state.UpdatedAt)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx, `
            INSERT INTO folder_state (account_id, folder, validity_epoch, highest_seen_seq)
            VALUES ($1, $2, $3, 0)
        `, accountID, folder, int64(serverEpoch))
		if err != nil {
			return nil, false, fmt.Errorf("insert folder state: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		state.ValidityEpoch = serverEpoch
		return &state, false, nil

	case err != nil:
		return nil, false, fmt.Errorf("load folder state: %w", err)
	}

	if state.ValidityEpoch == serverEpoch {
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return &state, false, nil
	}

	// Epoch changed: previously issued sequence ids are meaningless.
	_, err = tx.Exec(ctx, `
        UPDATE raw_messages
        SET invalidated_at = NOW()
        WHERE account_id = $1 AND folder = $2 AND invalidated_at IS NULL
    `, accountID, folder)
	if err != nil {
		return nil, false, fmt.Errorf("invalidate folder records: %w", err)
	}

	_, err = tx.Exec(ctx, `
        UPDATE folder_state
        SET validity_epoch = $3, highest_seen_seq = 0, updated_at = NOW()
        WHERE account_id = $1 AND folder = $2
    `, accountID, folder, int64(serverEpoch))
	if err != nil {
		return nil, false, fmt.Errorf("store new epoch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}

	state.ValidityEpoch = serverEpoch
	state.HighestSeenSeq = 0
	return &state, true, nil
}

// AdvanceHighestSeen moves the sync position forward. It never moves it back.
func (r *FolderStateRepository) AdvanceHighestSeen(
	ctx context.Context,
	accountID int64,
	folder string,
	seq uint32,
) error {
	_, err := r.db.Exec(ctx, `
        UPDATE folder_state
        SET highest_seen_seq = GREATEST(highest_seen_seq, $3), updated_at = NOW()
        WHERE account_id = $1 AND folder = $2
    `, accountID, folder, int64(seq))
	return err
}
