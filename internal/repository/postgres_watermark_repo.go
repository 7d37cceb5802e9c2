package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresWatermarkRepo はPostgreSQLを使用したウォーターマークリポジトリ。
type PostgresWatermarkRepo struct {
	db *sql.DB
}

// NewPostgresWatermarkRepo はPostgresWatermarkRepoを生成する。
func NewPostgresWatermarkRepo(db *sql.DB) *PostgresWatermarkRepo {
	return &PostgresWatermarkRepo{db: db}
}

// Get は指定キーのウォーターマーク値を取得する。未設定の場合はfound=falseを返す。
func (r *PostgresWatermarkRepo) Get(ctx context.Context, key string) (int64, bool, error) {
	var value int64

	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM import_watermarks WHERE key = $1`,
		key,
	).Scan(&value)

	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("ウォーターマークの取得に失敗しました: %w", err)
	}

	return value, true, nil
}

// Set は指定キーのウォーターマーク値をUPSERTする。
func (r *PostgresWatermarkRepo) Set(ctx context.Context, key string, value int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO import_watermarks (key, value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET
		    value = EXCLUDED.value,
		    updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("ウォーターマークの保存に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ WatermarkRepository = (*PostgresWatermarkRepo)(nil)
