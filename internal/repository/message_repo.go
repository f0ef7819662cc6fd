package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zwy923/mailsift/internal/model"
)

// UpsertOutcome reports what persisting a fetched message actually did.
type UpsertOutcome string

const (
	OutcomeInserted UpsertOutcome = "inserted"
	OutcomeUpdated  UpsertOutcome = "updated"
	OutcomeSkipped  UpsertOutcome = "skipped"
)

type MessageRepository struct {
	db *pgxpool.Pool
}

func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `
    id, user_id, account_id, folder, validity_epoch, sequence_id,
    flag_seen, flag_answered, flag_flagged, flag_deleted, flag_draft,
    thread_id, parent_seq, message_id, in_reply_to, ref_chain,
    from_addr, recipients, sent_at,
    size, has_attachments, content_type, charset,
    enc_subject, enc_body, enc_translation,
    language, embedding,
    processing_status, processing_error, warnings, retry_count,
    invalidated_at, created_at, last_seen_at`

// Upsert persists a fetched message. The insert is unconditional and relies
// on the natural-key constraint: a conflict means a concurrent fetcher got
// there first and is downgraded to an update of the mutable fields (flags,
// last seen). Content fields and the fetch-time embedding are write-once.
// A soft-deleted row is left alone and the write reported as skipped.
func (r *MessageRepository) Upsert(ctx context.Context, m *model.Message) (UpsertOutcome, error) {
	var parentSeq *int64
	if m.ParentSeq != nil {
		v := int64(*m.ParentSeq)
		parentSeq = &v
	}

	var inserted bool
	err := r.db.QueryRow(ctx, `
        INSERT INTO raw_messages (
            user_id, account_id, folder, validity_epoch, sequence_id,
            flag_seen, flag_answered, flag_flagged, flag_deleted, flag_draft,
            thread_id, parent_seq, message_id, in_reply_to, ref_chain,
            from_addr, recipients, sent_at,
            size, has_attachments, content_type, charset,
            enc_subject, enc_body,
            embedding,
            processing_status
        )
        VALUES ($1, $2, $3, $4, $5,
                $6, $7, $8, $9, $10,
                $11, $12, $13, $14, $15,
                $16, $17, $18,
                $19, $20, $21, $22,
                $23, $24,
                $25,
                $26)
        ON CONFLICT ON CONSTRAINT raw_messages_natural_key DO UPDATE SET
            flag_seen     = EXCLUDED.flag_seen,
            flag_answered = EXCLUDED.flag_answered,
            flag_flagged  = EXCLUDED.flag_flagged,
            flag_deleted  = EXCLUDED.flag_deleted,
            flag_draft    = EXCLUDED.flag_draft,
            last_seen_at  = NOW()
        WHERE raw_messages.invalidated_at IS NULL
        RETURNING id, (xmax = 0) AS inserted
    `,
		m.UserID, m.AccountID, m.Folder, int64(m.ValidityEpoch), int64(m.SequenceID),
		m.Flags.Seen, m.Flags.Answered, m.Flags.Flagged, m.Flags.Deleted, m.Flags.Draft,
		m.ThreadID, parentSeq, m.MessageID, m.InReplyTo, m.References,
		m.FromAddr, m.Recipients, m.SentAt,
		m.Size, m.HasAttachments, m.ContentType, m.Charset,
		m.EncSubject, m.EncBody,
		m.Embedding,
		int(m.ProcessingStatus),
	).Scan(&m.ID, &inserted)

	if errors.Is(err, pgx.ErrNoRows) {
		// The conflicting row is soft-deleted; leave it untouched.
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("upsert raw message: %w", err)
	}
	if inserted {
		return OutcomeInserted, nil
	}
	return OutcomeUpdated, nil
}

// FindByID returns one message with all pipeline-owned fields.
func (r *MessageRepository) FindByID(ctx context.Context, id int64) (*model.Message, error) {
	row := r.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM raw_messages WHERE id = $1`, id)
	return scanMessage(row)
}

// ListPending returns the account's active records the pipeline still owns
// (status >= 0 and below maxStatus), oldest sent first so context building
// only ever references strictly older messages.
func (r *MessageRepository) ListPending(
	ctx context.Context,
	accountID int64,
	maxStatus model.ProcessingStatus,
	limit int,
) ([]*model.Message, error) {
	rows, err := r.db.Query(ctx, `
        SELECT `+messageColumns+`
        FROM raw_messages
        WHERE account_id = $1
          AND invalidated_at IS NULL
          AND processing_status >= 0
          AND processing_status < $2
        ORDER BY sent_at ASC
        LIMIT $3
    `, accountID, int(maxStatus), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateStatus advances the pipeline position of a record.
func (r *MessageRepository) UpdateStatus(ctx context.Context, id int64, status model.ProcessingStatus) error {
	_, err := r.db.Exec(ctx, `
        UPDATE raw_messages
        SET processing_status = $2
        WHERE id = $1
    `, id, int(status))
	return err
}

// MarkRulesApplied transitions a record from RULES_APPLIED to COMPLETE. The
// guard keeps a late ack from clobbering a reprocessed record.
func (r *MessageRepository) MarkRulesApplied(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
        UPDATE raw_messages
        SET processing_status = $2
        WHERE id = $1 AND processing_status = $3
    `, id, int(model.StatusComplete), int(model.StatusRulesApplied))
	return err
}

// MarkStageFailed parks a record in the stage's failure state with a
// truncated error and bumps the retry counter.
func (r *MessageRepository) MarkStageFailed(
	ctx context.Context,
	id int64,
	status model.ProcessingStatus,
	errMsg string,
) error {
	_, err := r.db.Exec(ctx, `
        UPDATE raw_messages
        SET processing_status = $2,
            processing_error = LEFT($3, 500),
            retry_count = retry_count + 1
        WHERE id = $1
    `, id, int(status), errMsg)
	return err
}

// ResetForRetry moves records parked at a stage failure status back to the
// status that makes the stage eligible again. Records that spent their
// retry budget stay parked for operator attention.
func (r *MessageRepository) ResetForRetry(
	ctx context.Context,
	accountID int64,
	failed, runnable model.ProcessingStatus,
	maxRetries int,
) (int64, error) {
	if !failed.Failed() {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `
        UPDATE raw_messages
        SET processing_status = $3, processing_error = ''
        WHERE account_id = $1
          AND processing_status = $2
          AND retry_count < $4
          AND invalidated_at IS NULL
    `, accountID, int(failed), int(runnable), maxRetries)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// AppendWarnings appends to the record's warning list.
func (r *MessageRepository) AppendWarnings(ctx context.Context, id int64, warnings []model.Warning) error {
	if len(warnings) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
        UPDATE raw_messages
        SET warnings = warnings || $2::jsonb
        WHERE id = $1
    `, id, warnings)
	return err
}

// SetEmbedding attaches the embedding vector. Vectors are never re-derived,
// so an existing one wins.
func (r *MessageRepository) SetEmbedding(ctx context.Context, id int64, vec []float32) error {
	_, err := r.db.Exec(ctx, `
        UPDATE raw_messages
        SET embedding = $2
        WHERE id = $1 AND embedding IS NULL
    `, id, vec)
	return err
}

// SetLanguage sets the detected language once; re-detection is not allowed.
func (r *MessageRepository) SetLanguage(ctx context.Context, id int64, lang string) error {
	_, err := r.db.Exec(ctx, `
        UPDATE raw_messages
        SET language = $2
        WHERE id = $1 AND language = ''
    `, id, lang)
	return err
}

// SetTranslation stores the encrypted translation, write-once.
func (r *MessageRepository) SetTranslation(ctx context.Context, id int64, blob []byte) error {
	_, err := r.db.Exec(ctx, `
        UPDATE raw_messages
        SET enc_translation = $2
        WHERE id = $1 AND enc_translation IS NULL
    `, id, blob)
	return err
}

// ThreadRefs returns the stored thread identities for the given message ids,
// so a new batch can be threaded against what is already known locally.
func (r *MessageRepository) ThreadRefs(
	ctx context.Context,
	accountID int64,
	messageIDs []string,
) (map[string]model.ThreadRef, error) {
	if len(messageIDs) == 0 {
		return map[string]model.ThreadRef{}, nil
	}
	rows, err := r.db.Query(ctx, `
        SELECT message_id, thread_id, sequence_id
        FROM raw_messages
        WHERE account_id = $1
          AND message_id = ANY($2)
          AND invalidated_at IS NULL
    `, accountID, messageIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refs := make(map[string]model.ThreadRef)
	for rows.Next() {
		var ref model.ThreadRef
		var seq int64
		if err := rows.Scan(&ref.MessageID, &ref.ThreadID, &seq); err != nil {
			return nil, err
		}
		ref.SequenceID = uint32(seq)
		refs[ref.MessageID] = ref
	}
	return refs, rows.Err()
}

// ThreadHistory returns up to limit messages of the same thread strictly
// older than before, newest first.
func (r *MessageRepository) ThreadHistory(
	ctx context.Context,
	accountID int64,
	threadID string,
	before time.Time,
	limit int,
) ([]*model.Message, error) {
	rows, err := r.db.Query(ctx, `
        SELECT `+messageColumns+`
        FROM raw_messages
        WHERE account_id = $1
          AND thread_id = $2
          AND sent_at < $3
          AND invalidated_at IS NULL
        ORDER BY sent_at DESC
        LIMIT $4
    `, accountID, threadID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PurgeInvalidated hard-deletes soft-deleted records past the retention
// window. Returns the number of rows removed.
func (r *MessageRepository) PurgeInvalidated(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
        DELETE FROM raw_messages
        WHERE invalidated_at IS NOT NULL AND invalidated_at < $1
    `, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	var epoch, seq, size int64
	var parentSeq *int64
	var status int

	err := row.Scan(
		&m.ID, &m.UserID, &m.AccountID, &m.Folder, &epoch, &seq,
		&m.Flags.Seen, &m.Flags.Answered, &m.Flags.Flagged, &m.Flags.Deleted, &m.Flags.Draft,
		&m.ThreadID, &parentSeq, &m.MessageID, &m.InReplyTo, &m.References,
		&m.FromAddr, &m.Recipients, &m.SentAt,
		&size, &m.HasAttachments, &m.ContentType, &m.Charset,
		&m.EncSubject, &m.EncBody, &m.EncTranslation,
		&m.Language, &m.Embedding,
		&status, &m.ProcessingError, &m.Warnings, &m.RetryCount,
		&m.InvalidatedAt, &m.CreatedAt, &m.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}

	m.ValidityEpoch = uint32(epoch)
	m.SequenceID = uint32(seq)
	m.Size = size
	if parentSeq != nil {
		v := uint32(*parentSeq)
		m.ParentSeq = &v
	}
	m.ProcessingStatus = model.ProcessingStatus(status)
	return &m, nil
}
