package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zwy923/mailsift/internal/model"
)

type AccountRepository struct {
	db *pgxpool.Pool
}

func NewAccountRepository(db *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `
    id, user_id, name, host, port, username, password, use_tls,
    folder_include, folder_exclude, unseen_only, since_days,
    delta_sync, prefer_html, analysis_mode, target_language, active`

// FindByID loads one account. An unknown analysis mode is a configuration
// error and is rejected here, before any stage sees the account.
func (r *AccountRepository) FindByID(ctx context.Context, id int64) (*model.Account, error) {
	row := r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// ListActive returns all accounts eligible for scheduled syncing.
func (r *AccountRepository) ListActive(ctx context.Context) ([]*model.Account, error) {
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var mode string
	err := row.Scan(
		&a.ID, &a.UserID, &a.Name, &a.Host, &a.Port, &a.Username, &a.Password, &a.UseTLS,
		&a.FolderInclude, &a.FolderExclude, &a.UnseenOnly, &a.SinceDays,
		&a.DeltaSync, &a.PreferHTML, &mode, &a.TargetLanguage, &a.Active,
	)
	if err != nil {
		return nil, err
	}

	a.AnalysisMode, err = model.ParseAnalysisMode(mode)
	if err != nil {
		return nil, fmt.Errorf("account %d: %w", a.ID, err)
	}
	return &a, nil
}
