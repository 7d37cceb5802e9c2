package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/civicbridge/internal/model"
)

// PostgresGrantRepo はPostgreSQLを使用した認可グラントリポジトリ。
type PostgresGrantRepo struct {
	db *sql.DB
}

// NewPostgresGrantRepo はPostgresGrantRepoを生成する。
func NewPostgresGrantRepo(db *sql.DB) *PostgresGrantRepo {
	return &PostgresGrantRepo{db: db}
}

// FindByAccountID は指定アカウントのグラントを取得する。見つからない場合はnilを返す。
func (r *PostgresGrantRepo) FindByAccountID(ctx context.Context, accountID string) (*model.AuthGrant, error) {
	grant := &model.AuthGrant{}

	err := r.db.QueryRowContext(ctx,
		`SELECT account_id, access_token, refresh_token, proof_key, subject,
		        scope, expires_at, created_at, updated_at
		 FROM auth_grants WHERE account_id = $1`,
		accountID,
	).Scan(
		&grant.AccountID, &grant.AccessToken, &grant.RefreshToken,
		&grant.ProofKey, &grant.Subject, &grant.Scope,
		&grant.ExpiresAt, &grant.CreatedAt, &grant.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("認可グラントの取得に失敗しました: %w", err)
	}

	return grant, nil
}

// Save はグラントをUPSERTする。
// 同一アカウントの既存グラントがあれば全フィールドを置き換える
// （proof_keyの差し替えは認可フローのやり直しを意味する）。
func (r *PostgresGrantRepo) Save(ctx context.Context, grant *model.AuthGrant) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auth_grants (account_id, access_token, refresh_token, proof_key,
		                          subject, scope, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (account_id) DO UPDATE SET
		    access_token = EXCLUDED.access_token,
		    refresh_token = EXCLUDED.refresh_token,
		    proof_key = EXCLUDED.proof_key,
		    subject = EXCLUDED.subject,
		    scope = EXCLUDED.scope,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = EXCLUDED.updated_at`,
		grant.AccountID, grant.AccessToken, grant.RefreshToken, grant.ProofKey,
		grant.Subject, grant.Scope, grant.ExpiresAt, grant.CreatedAt, grant.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("認可グラントの保存に失敗しました: %w", err)
	}
	return nil
}

// UpdateTokens はリフレッシュ成功時にトークンフィールドのみを原子的に更新する。
func (r *PostgresGrantRepo) UpdateTokens(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE auth_grants SET
		    access_token = $2,
		    refresh_token = $3,
		    expires_at = $4,
		    updated_at = now()
		 WHERE account_id = $1`,
		accountID, accessToken, refreshToken, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("トークンの更新に失敗しました: %w", err)
	}
	return nil
}

// DeleteByAccountID はグラントを削除する。
func (r *PostgresGrantRepo) DeleteByAccountID(ctx context.Context, accountID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM auth_grants WHERE account_id = $1`,
		accountID,
	)
	if err != nil {
		return fmt.Errorf("認可グラントの削除に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ GrantRepository = (*PostgresGrantRepo)(nil)
