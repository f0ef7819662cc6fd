package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zwy923/mailsift/internal/model"
)

type SenderProfileRepository struct {
	db *pgxpool.Pool
}

func NewSenderProfileRepository(db *pgxpool.Pool) *SenderProfileRepository {
	return &SenderProfileRepository{db: db}
}

// Find returns the learned profile for a sender, or nil when unknown.
func (r *SenderProfileRepository) Find(ctx context.Context, userID int64, senderAddr string) (*model.SenderProfile, error) {
	var p model.SenderProfile
	err := r.db.QueryRow(ctx, `
        SELECT user_id, sender_addr, message_count, automated_count,
               learned_category, learned_priority, learned_spam, confidence, updated_at
        FROM sender_profiles
        WHERE user_id = $1 AND sender_addr = $2
    `, userID, senderAddr).Scan(
		&p.UserID, &p.SenderAddr, &p.MessageCount, &p.AutomatedCount,
		&p.LearnedCategory, &p.LearnedPriority, &p.LearnedSpam, &p.Confidence, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RecordObservation folds one classified message into the sender's profile.
// Confidence grows with agreement: when the classifier keeps producing the
// stored category the confidence rises, a disagreement replaces the learned
// verdict and drops confidence back down.
func (r *SenderProfileRepository) RecordObservation(
	ctx context.Context,
	userID int64,
	senderAddr string,
	category, priority string,
	spam bool,
	automated bool,
) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO sender_profiles (
            user_id, sender_addr, message_count, automated_count,
            learned_category, learned_priority, learned_spam, confidence
        )
        VALUES ($1, $2, 1, CASE WHEN $6 THEN 1 ELSE 0 END, $3, $4, $5, 0.3)
        ON CONFLICT (user_id, sender_addr) DO UPDATE SET
            message_count   = sender_profiles.message_count + 1,
            automated_count = sender_profiles.automated_count + CASE WHEN $6 THEN 1 ELSE 0 END,
            confidence = CASE
                WHEN sender_profiles.learned_category = $3
                    THEN LEAST(sender_profiles.confidence + 0.1, 1.0)
                ELSE 0.3
            END,
            learned_category = $3,
            learned_priority = $4,
            learned_spam     = $5,
            updated_at       = NOW()
    `, userID, senderAddr, category, priority, spam, automated)
	return err
}
