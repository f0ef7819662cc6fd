package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zwy923/mailsift/internal/model"
)

type RunRepository struct {
	db *pgxpool.Pool
}

func NewRunRepository(db *pgxpool.Pool) *RunRepository {
	return &RunRepository{db: db}
}

// Create records a queued run.
func (r *RunRepository) Create(ctx context.Context, runID string, accountID int64) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO sync_runs (id, account_id, status)
        VALUES ($1, $2, $3)
        ON CONFLICT (id) DO NOTHING
    `, runID, accountID, model.RunQueued)
	return err
}

// MarkRunning flags the run as picked up by a worker.
func (r *RunRepository) MarkRunning(ctx context.Context, runID string, attempt int) error {
	_, err := r.db.Exec(ctx, `
        UPDATE sync_runs
        SET status = $2, attempt = $3, started_at = COALESCE(started_at, NOW())
        WHERE id = $1
    `, runID, model.RunRunning, attempt)
	return err
}

// MarkRetrying records a transient failure that has been re-enqueued.
func (r *RunRepository) MarkRetrying(ctx context.Context, runID string, attempt int, msg string) error {
	_, err := r.db.Exec(ctx, `
        UPDATE sync_runs
        SET status = $2, attempt = $3, message = LEFT($4, 500)
        WHERE id = $1
    `, runID, model.RunRetrying, attempt, msg)
	return err
}

// MarkDone records a successful run with its counters.
func (r *RunRepository) MarkDone(ctx context.Context, runID string, fetched, processed int) error {
	_, err := r.db.Exec(ctx, `
        UPDATE sync_runs
        SET status = $2, message = '', messages_fetched = $3,
            messages_processed = $4, finished_at = NOW()
        WHERE id = $1
    `, runID, model.RunDone, fetched, processed)
	return err
}

// MarkError records a terminal run failure with a human-readable message.
func (r *RunRepository) MarkError(ctx context.Context, runID string, msg string) error {
	_, err := r.db.Exec(ctx, `
        UPDATE sync_runs
        SET status = $2, message = LEFT($3, 500), finished_at = NOW()
        WHERE id = $1
    `, runID, model.RunError, msg)
	return err
}

// LatestByAccount returns the most recent run for an account, or nil.
func (r *RunRepository) LatestByAccount(ctx context.Context, accountID int64) (*model.SyncRun, error) {
	var run model.SyncRun
	err := r.db.QueryRow(ctx, `
        SELECT id, account_id, status, attempt, message,
               messages_fetched, messages_processed,
               queued_at, started_at, finished_at
        FROM sync_runs
        WHERE account_id = $1
        ORDER BY queued_at DESC
        LIMIT 1
    `, accountID).Scan(
		&run.ID, &run.AccountID, &run.Status, &run.Attempt, &run.Message,
		&run.MessagesFetched, &run.MessagesProcessed,
		&run.QueuedAt, &run.StartedAt, &run.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}
