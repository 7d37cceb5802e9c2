package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/civicbridge/internal/model"
)

// PostgresActionRepo はPostgreSQLを使用した市民アクションリポジトリ。
type PostgresActionRepo struct {
	db *sql.DB
}

// NewPostgresActionRepo はPostgresActionRepoを生成する。
func NewPostgresActionRepo(db *sql.DB) *PostgresActionRepo {
	return &PostgresActionRepo{db: db}
}

const actionColumns = `id, source, external_id, title, description, category,
	        starts_at, location, sponsor, url, status, is_pinned, priority,
	        created_at, updated_at`

// scanAction は1行分の市民アクション記録を読み取る。
func scanAction(row interface{ Scan(...any) error }) (*model.CivicAction, error) {
	action := &model.CivicAction{}

	if err := row.Scan(
		&action.ID, &action.Source, &action.ExternalID,
		&action.Title, &action.Description, &action.Category,
		&action.StartsAt, &action.Location, &action.Sponsor, &action.URL,
		&action.Status, &action.IsPinned, &action.Priority,
		&action.CreatedAt, &action.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return action, nil
}

// FindByID は指定IDの記録を取得する。見つからない場合はnilを返す。
func (r *PostgresActionRepo) FindByID(ctx context.Context, id string) (*model.CivicAction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM civic_actions WHERE id = $1`,
		id,
	)

	action, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記録の取得に失敗しました: %w", err)
	}
	return action, nil
}

// FindBySourceAndExternalID は(source, external_id)で記録を検索する。見つからない場合はnilを返す。
func (r *PostgresActionRepo) FindBySourceAndExternalID(ctx context.Context, source, externalID string) (*model.CivicAction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM civic_actions WHERE source = $1 AND external_id = $2`,
		source, externalID,
	)

	action, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("外部IDによる記録の検索に失敗しました: %w", err)
	}
	return action, nil
}

// actionUpsertQuery は(source, external_id)競合時にコンテンツフィールドのみ
// 更新するUPSERT。status / is_pinned / priority はモデレーション操作が
// 所有するため、DO UPDATE SET句に含めてはならない。
const actionUpsertQuery = `INSERT INTO civic_actions (id, source, external_id, title, description, category,
		                            starts_at, location, sponsor, url, status, is_pinned,
		                            priority, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (source, external_id) DO UPDATE SET
		    title = EXCLUDED.title,
		    description = EXCLUDED.description,
		    category = EXCLUDED.category,
		    starts_at = EXCLUDED.starts_at,
		    location = EXCLUDED.location,
		    sponsor = EXCLUDED.sponsor,
		    url = EXCLUDED.url,
		    updated_at = EXCLUDED.updated_at`

// Upsert は(source, external_id)をキーに記録をUPSERTする。
func (r *PostgresActionRepo) Upsert(ctx context.Context, action *model.CivicAction) error {
	_, err := r.db.ExecContext(ctx, actionUpsertQuery,
		action.ID, action.Source, action.ExternalID,
		action.Title, action.Description, action.Category,
		action.StartsAt, action.Location, action.Sponsor, action.URL,
		action.Status, action.IsPinned, action.Priority,
		action.CreatedAt, action.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("記録のUPSERTに失敗しました: %w", err)
	}
	return nil
}

// UpdateStatus は状態をfromからtoへ条件付きで遷移させる。
// WHERE句で現在状態を確認するため、並行するモデレーション操作があっても
// 遷移は高々1回しか成功しない。
func (r *PostgresActionRepo) UpdateStatus(ctx context.Context, id string, from, to model.ActionStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE civic_actions SET status = $3, updated_at = now()
		 WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return false, fmt.Errorf("状態の更新に失敗しました: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("状態更新結果の確認に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// SetPinned は承認済み記録のピン留めを設定する。
func (r *PostgresActionRepo) SetPinned(ctx context.Context, id string, pinned bool) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE civic_actions SET is_pinned = $2, updated_at = now()
		 WHERE id = $1 AND status = 'approved'`,
		id, pinned,
	)
	if err != nil {
		return false, fmt.Errorf("ピン留めの更新に失敗しました: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ピン留め更新結果の確認に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// SetPriority は承認済み記録の優先度を設定する。
func (r *PostgresActionRepo) SetPriority(ctx context.Context, id string, priority int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE civic_actions SET priority = $2, updated_at = now()
		 WHERE id = $1 AND status = 'approved'`,
		id, priority,
	)
	if err != nil {
		return false, fmt.Errorf("優先度の更新に失敗しました: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("優先度更新結果の確認に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// ListApproved は承認済み記録を表示順で返す。
// 表示順: ピン留め優先 → 優先度降順 → 開催時刻昇順。
// それ以降の同順位はインデックス順で安定的に返る。
func (r *PostgresActionRepo) ListApproved(ctx context.Context, limit int) ([]*model.CivicAction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+actionColumns+`
		 FROM civic_actions
		 WHERE status = 'approved'
		 ORDER BY is_pinned DESC, priority DESC, starts_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("承認済み記録の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var actions []*model.CivicAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("承認済み記録の読み取りに失敗しました: %w", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("承認済み記録の走査に失敗しました: %w", err)
	}

	return actions, nil
}

// DeleteStale は保持期間を過ぎた記録を削除する。
func (r *PostgresActionRepo) DeleteStale(ctx context.Context, rejectedBefore, endedBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM civic_actions
		 WHERE (status = 'rejected' AND updated_at < $1)
		    OR starts_at < $2`,
		rejectedBefore, endedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("古い記録の削除に失敗しました: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除結果の確認に失敗しました: %w", err)
	}
	return affected, nil
}

// compile-time interface check
var _ ActionRepository = (*PostgresActionRepo)(nil)
