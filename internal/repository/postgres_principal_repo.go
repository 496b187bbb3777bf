package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/canvassync/internal/model"
)

// PostgresPrincipalRepo はPostgreSQLを使用したプリンシパルリポジトリ。
type PostgresPrincipalRepo struct {
	db *sql.DB
}

// NewPostgresPrincipalRepo はPostgresPrincipalRepoを生成する。
func NewPostgresPrincipalRepo(db *sql.DB) *PostgresPrincipalRepo {
	return &PostgresPrincipalRepo{db: db}
}

var _ PrincipalRepository = (*PostgresPrincipalRepo)(nil)

// FindByID は指定IDのプリンシパルを取得する。見つからない場合はnilを返す。
func (r *PostgresPrincipalRepo) FindByID(ctx context.Context, id string) (*model.Principal, error) {
	p := &model.Principal{}
	var canvasUserID sql.NullInt64
	var expiresAt, invalidatedAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT id, canvas_user_id, encrypted_access_token, token_expires_at,
		        invalidated_at, created_at, updated_at
		 FROM principals WHERE id = $1`,
		id,
	).Scan(&p.ID, &canvasUserID, &p.EncryptedAccessToken, &expiresAt,
		&invalidatedAt, &p.CreatedAt, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find principal by ID: %w", err)
	}

	p.CanvasUserID = nullInt64Ptr(canvasUserID)
	p.TokenExpiresAt = nullTimePtr(expiresAt)
	p.InvalidatedAt = nullTimePtr(invalidatedAt)
	return p, nil
}

// Upsert はプリンシパルを作成または更新する。
func (r *PostgresPrincipalRepo) Upsert(ctx context.Context, p *model.Principal) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO principals (id, canvas_user_id, encrypted_access_token, token_expires_at,
		                         invalidated_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NULL, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		     canvas_user_id = COALESCE(EXCLUDED.canvas_user_id, principals.canvas_user_id),
		     encrypted_access_token = EXCLUDED.encrypted_access_token,
		     token_expires_at = EXCLUDED.token_expires_at,
		     invalidated_at = NULL,
		     updated_at = EXCLUDED.updated_at`,
		p.ID, p.CanvasUserID, p.EncryptedAccessToken, p.TokenExpiresAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert principal: %w", err)
	}
	return nil
}

// ListUsableIDs は now 時点で有効なトークンを持つプリンシパルIDをID順に返す。
func (r *PostgresPrincipalRepo) ListUsableIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM principals
		 WHERE invalidated_at IS NULL
		   AND encrypted_access_token <> ''
		   AND (token_expires_at IS NULL OR token_expires_at > $1)
		 ORDER BY id`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list usable principals: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan principal id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkInvalidated はトークンを無効化済みとして記録する。
func (r *PostgresPrincipalRepo) MarkInvalidated(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE principals SET invalidated_at = $2, updated_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to invalidate principal: %w", err)
	}
	return nil
}
