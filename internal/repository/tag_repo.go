package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zwy923/mailsift/internal/model"
)

type TagRepository struct {
	db *pgxpool.Pool
}

func NewTagRepository(db *pgxpool.Pool) *TagRepository {
	return &TagRepository{db: db}
}

// ListByUser returns the user's tags that carry an embedding vector.
func (r *TagRepository) ListByUser(ctx context.Context, userID int64) ([]*model.Tag, error) {
	rows, err := r.db.Query(ctx, `
        SELECT id, user_id, name, embedding, created_at
        FROM tags
        WHERE user_id = $1 AND embedding IS NOT NULL
    `, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Tag
	for rows.Next() {
		var t model.Tag
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.Embedding, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// SaveAssignments writes tag assignments and suggestions for a message.
// Re-running the stage overwrites the previous verdict for the same pair.
func (r *TagRepository) SaveAssignments(ctx context.Context, assignments []model.TagAssignment) error {
	for _, a := range assignments {
		_, err := r.db.Exec(ctx, `
            INSERT INTO message_tags (message_id, tag_id, suggested, similarity)
            VALUES ($1, $2, $3, $4)
            ON CONFLICT (message_id, tag_id) DO UPDATE SET
                suggested = EXCLUDED.suggested,
                similarity = EXCLUDED.similarity
        `, a.MessageID, a.TagID, a.Suggested, a.Similarity)
		if err != nil {
			return err
		}
	}
	return nil
}
