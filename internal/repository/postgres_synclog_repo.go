package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/civicbridge/internal/model"
)

// PostgresSyncLogRepo はPostgreSQLを使用した同期ログリポジトリ。
type PostgresSyncLogRepo struct {
	db *sql.DB
}

// NewPostgresSyncLogRepo はPostgresSyncLogRepoを生成する。
func NewPostgresSyncLogRepo(db *sql.DB) *PostgresSyncLogRepo {
	return &PostgresSyncLogRepo{db: db}
}

const syncLogColumns = `id, action, status, source_id, target_uri, target_cid,
	        error_message, retry_count, created_at, updated_at`

// scanEntry は1行分の同期ログエントリを読み取る。
func scanEntry(row interface{ Scan(...any) error }) (*model.SyncLogEntry, error) {
	entry := &model.SyncLogEntry{}
	var targetURI, targetCID, errorMessage sql.NullString

	if err := row.Scan(
		&entry.ID, &entry.Action, &entry.Status, &entry.SourceID,
		&targetURI, &targetCID, &errorMessage,
		&entry.RetryCount, &entry.CreatedAt, &entry.UpdatedAt,
	); err != nil {
		return nil, err
	}

	entry.TargetURI = nullStringValue(targetURI)
	entry.TargetCID = nullStringValue(targetCID)
	entry.ErrorMessage = nullStringValue(errorMessage)
	return entry, nil
}

// FindSuccessBySourceID は指定source_idの成功エントリを取得する。見つからない場合はnilを返す。
func (r *PostgresSyncLogRepo) FindSuccessBySourceID(ctx context.Context, sourceID string) (*model.SyncLogEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+syncLogColumns+`
		 FROM sync_log WHERE source_id = $1 AND status = 'success'`,
		sourceID,
	)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("成功エントリの取得に失敗しました: %w", err)
	}
	return entry, nil
}

// MaxRetryCountBySourceID は指定source_idのエラーエントリの最大retry_countを返す。
// クレーム中のpendingエントリ（retry_count 0で挿入される）を数えると
// 初回失敗のretry_countが1になってしまうため、エラーエントリのみを対象とする。
func (r *PostgresSyncLogRepo) MaxRetryCountBySourceID(ctx context.Context, sourceID string) (int, bool, error) {
	var count sql.NullInt64

	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(retry_count) FROM sync_log WHERE source_id = $1 AND status = 'error'`,
		sourceID,
	).Scan(&count)
	if err != nil {
		return 0, false, fmt.Errorf("retry_countの取得に失敗しました: %w", err)
	}

	if !count.Valid {
		return 0, false, nil
	}
	return int(count.Int64), true, nil
}

// ClaimPending は処理中エントリをinsert-if-absentでクレームする。
// 部分一意インデックス（source_id, status='pending'）との競合時は挿入せず
// claimed=falseを返す。ただし競合相手のクレームがstaleBeforeより古い場合は
// クラッシュで放置されたものとみなし、自分のクレームで上書き取得する。
func (r *PostgresSyncLogRepo) ClaimPending(ctx context.Context, entry *model.SyncLogEntry, staleBefore time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_log (id, action, status, source_id, target_uri, target_cid,
		                       error_message, retry_count, created_at, updated_at)
		 VALUES ($1, $2, 'pending', $3, NULL, NULL, NULL, 0, $4, $5)
		 ON CONFLICT (source_id) WHERE status = 'pending' DO UPDATE SET
		    id = EXCLUDED.id,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
		 WHERE sync_log.updated_at < $6`,
		entry.ID, entry.Action, entry.SourceID,
		entry.CreatedAt, entry.UpdatedAt, staleBefore,
	)
	if err != nil {
		return false, fmt.Errorf("処理中エントリのクレームに失敗しました: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("クレーム結果の確認に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// ReleasePending はクレーム済みのpendingエントリを削除して解放する。
func (r *PostgresSyncLogRepo) ReleasePending(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sync_log WHERE id = $1 AND status = 'pending'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("処理中エントリの解放に失敗しました: %w", err)
	}
	return nil
}

// PromoteToSuccess はクレーム済みエントリを成功に昇格させる。
// クレームが他プロセスに回収済みで見つからない場合は、成功エントリの
// insert-if-absentにフォールバックする。部分一意インデックス
// （source_id, status='success'）との競合時は挿入せず、先に書かれた
// 既存の成功エントリを返す。同期ログ上の成功は1件に収束する。
func (r *PostgresSyncLogRepo) PromoteToSuccess(ctx context.Context, entry *model.SyncLogEntry) (*model.SyncLogEntry, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_log
		 SET status = 'success', target_uri = $2, target_cid = $3, updated_at = $4
		 WHERE id = $1 AND status = 'pending'`,
		entry.ID, nullString(entry.TargetURI), nullString(entry.TargetCID), entry.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("成功への昇格に失敗しました: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("昇格結果の確認に失敗しました: %w", err)
	}
	if affected > 0 {
		entry.Status = model.SyncStatusSuccess
		return entry, nil
	}

	res, err = r.db.ExecContext(ctx,
		`INSERT INTO sync_log (id, action, status, source_id, target_uri, target_cid,
		                       error_message, retry_count, created_at, updated_at)
		 VALUES ($1, $2, 'success', $3, $4, $5, NULL, $6, $7, $8)
		 ON CONFLICT (source_id) WHERE status = 'success' DO NOTHING`,
		entry.ID, entry.Action, entry.SourceID,
		nullString(entry.TargetURI), nullString(entry.TargetCID),
		entry.RetryCount, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("成功エントリの追記に失敗しました: %w", err)
	}

	affected, err = res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("成功エントリの挿入結果の確認に失敗しました: %w", err)
	}

	if affected == 0 {
		existing, err := r.FindSuccessBySourceID(ctx, entry.SourceID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("成功エントリの競合後に既存エントリが見つかりません: source_id=%s", entry.SourceID)
		}
		return existing, nil
	}

	entry.Status = model.SyncStatusSuccess
	return entry, nil
}

// PromoteToError はクレーム済みエントリをエラーに昇格させる。
// クレームが他プロセスに回収済みで見つからない場合はエラーエントリを追記し、
// 失敗の履歴が失われないようにする。
func (r *PostgresSyncLogRepo) PromoteToError(ctx context.Context, entry *model.SyncLogEntry) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_log
		 SET status = 'error', error_message = $2, retry_count = $3, updated_at = $4
		 WHERE id = $1 AND status = 'pending'`,
		entry.ID, nullString(entry.ErrorMessage), entry.RetryCount, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("エラーへの昇格に失敗しました: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("昇格結果の確認に失敗しました: %w", err)
	}
	if affected > 0 {
		return nil
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sync_log (id, action, status, source_id, target_uri, target_cid,
		                       error_message, retry_count, created_at, updated_at)
		 VALUES ($1, $2, 'error', $3, NULL, NULL, $4, $5, $6, $7)`,
		entry.ID, entry.Action, entry.SourceID,
		nullString(entry.ErrorMessage), entry.RetryCount,
		entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("エラーエントリの追記に失敗しました: %w", err)
	}
	return nil
}

// ListBySourceID は指定source_idのエントリを新しい順に返す。
func (r *PostgresSyncLogRepo) ListBySourceID(ctx context.Context, sourceID string, limit int) ([]*model.SyncLogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+syncLogColumns+`
		 FROM sync_log WHERE source_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		sourceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("同期ログの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// ListRecent は全エントリを新しい順に返す。
func (r *PostgresSyncLogRepo) ListRecent(ctx context.Context, limit int) ([]*model.SyncLogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+syncLogColumns+`
		 FROM sync_log
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("同期ログの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// collectEntries は結果セットの全行をエントリのスライスに変換する。
func collectEntries(rows *sql.Rows) ([]*model.SyncLogEntry, error) {
	var entries []*model.SyncLogEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("同期ログの読み取りに失敗しました: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("同期ログの走査に失敗しました: %w", err)
	}
	return entries, nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ SyncLogRepository = (*PostgresSyncLogRepo)(nil)
