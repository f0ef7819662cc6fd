package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zwy923/mailsift/internal/model"
)

type ResultRepository struct {
	db *pgxpool.Pool
}

func NewResultRepository(db *pgxpool.Pool) *ResultRepository {
	return &ResultRepository{db: db}
}

// Insert stores a freshly produced classification result. message_id is
// unique; ON CONFLICT DO NOTHING keeps a racing duplicate harmless.
func (r *ResultRepository) Insert(ctx context.Context, res *model.Result) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO results (
            message_id, urgency, importance, category, priority,
            spam_flag, enc_summary, provenance, confidence
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (message_id) DO NOTHING
    `,
		res.MessageID, res.Urgency, res.Importance, res.Category, res.Priority,
		res.SpamFlag, res.EncSummary, res.Provenance, res.Confidence,
	)
	return err
}

// FindByMessageID returns the result for a message, or nil when none exists.
func (r *ResultRepository) FindByMessageID(ctx context.Context, messageID int64) (*model.Result, error) {
	var res model.Result
	err := r.db.QueryRow(ctx, `
        SELECT id, message_id, urgency, importance, category, priority,
               spam_flag, enc_summary, provenance, confidence, created_at
        FROM results
        WHERE message_id = $1
    `, messageID).Scan(
		&res.ID, &res.MessageID, &res.Urgency, &res.Importance, &res.Category, &res.Priority,
		&res.SpamFlag, &res.EncSummary, &res.Provenance, &res.Confidence, &res.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteByMessageID removes a stale result ahead of reclassification.
// Results are deleted and recreated, never mutated.
func (r *ResultRepository) DeleteByMessageID(ctx context.Context, messageID int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM results WHERE message_id = $1`, messageID)
	return err
}
