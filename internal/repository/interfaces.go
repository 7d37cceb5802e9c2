// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/civicbridge/internal/model"
)

// GrantRepository は認可グラントの永続化インターフェース。
type GrantRepository interface {
	// FindByAccountID は指定アカウントのグラントを取得する。見つからない場合はnilを返す。
	FindByAccountID(ctx context.Context, accountID string) (*model.AuthGrant, error)

	// Save はグラントをUPSERTする。認可フロー完了時に呼ばれ、
	// 同一アカウントの既存グラントがあれば全フィールドを置き換える。
	Save(ctx context.Context, grant *model.AuthGrant) error

	// UpdateTokens はリフレッシュ成功時にトークンフィールドのみを原子的に更新する。
	// proof_keyとsubjectは変更しない。
	UpdateTokens(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error

	// DeleteByAccountID はグラントを削除する。明示的な連携解除、
	// またはリフレッシュトークン失効時に呼ばれる。
	DeleteByAccountID(ctx context.Context, accountID string) error
}

// SyncLogRepository は同期ログの永続化インターフェース。
// パイプラインはまず処理中（pending）エントリをクレームし、
// 外部投稿の結果に応じてそのエントリを成功またはエラーに昇格させる。
type SyncLogRepository interface {
	// FindSuccessBySourceID は指定source_idの成功エントリを取得する。
	// 見つからない場合はnilを返す。部分一意インデックスにより高々1件。
	FindSuccessBySourceID(ctx context.Context, sourceID string) (*model.SyncLogEntry, error)

	// MaxRetryCountBySourceID は指定source_idのエラーエントリの最大retry_countを返す。
	// クレーム中のpendingエントリは数えない。エラーエントリが1件もない場合はfound=falseを返す。
	MaxRetryCountBySourceID(ctx context.Context, sourceID string) (count int, found bool, err error)

	// ClaimPending は処理中エントリをinsert-if-absentでクレームする。
	// 同一source_idのpendingエントリが既に存在する場合はclaimed=falseを返し、
	// 呼び出し側は外部投稿に進んではならない。staleBeforeより古い放置クレームは
	// 上書き取得する（クラッシュしたプロセスのクレームを回収するため）。
	ClaimPending(ctx context.Context, entry *model.SyncLogEntry, staleBefore time.Time) (claimed bool, err error)

	// ReleasePending はクレーム済みのpendingエントリを外部投稿を行わずに解放する。
	// クレーム取得後に他の配信の成功が確認された場合に呼ばれる。
	ReleasePending(ctx context.Context, id string) error

	// PromoteToSuccess はクレーム済みエントリを成功に昇格させる。
	// クレームが回収済みで見つからない場合はinsert-if-absentにフォールバックし、
	// 既存の成功エントリがあればそれを返す。
	PromoteToSuccess(ctx context.Context, entry *model.SyncLogEntry) (*model.SyncLogEntry, error)

	// PromoteToError はクレーム済みエントリをエラーに昇格させる。
	// クレームが回収済みで見つからない場合はエラーエントリを追記する。
	PromoteToError(ctx context.Context, entry *model.SyncLogEntry) error

	// ListBySourceID は指定source_idのエントリを新しい順に返す。
	ListBySourceID(ctx context.Context, sourceID string, limit int) ([]*model.SyncLogEntry, error)

	// ListRecent は全エントリを新しい順に返す。運用ビュー用。
	ListRecent(ctx context.Context, limit int) ([]*model.SyncLogEntry, error)
}

// ActionRepository は市民アクション記録の永続化インターフェース。
type ActionRepository interface {
	// FindByID は指定IDの記録を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.CivicAction, error)

	// FindBySourceAndExternalID は(source, external_id)で記録を検索する。
	// 見つからない場合はnilを返す。
	FindBySourceAndExternalID(ctx context.Context, source, externalID string) (*model.CivicAction, error)

	// Upsert は(source, external_id)をキーに記録をUPSERTする。
	// 既存記録がある場合はコンテンツフィールドのみ更新し、
	// status / is_pinned / priority には決して触れない（モデレーション所有）。
	Upsert(ctx context.Context, action *model.CivicAction) error

	// UpdateStatus は状態をfromからtoへ条件付きで遷移させる。
	// 現在の状態がfromでない場合は遷移せずfalseを返す。
	UpdateStatus(ctx context.Context, id string, from, to model.ActionStatus) (bool, error)

	// SetPinned は承認済み記録のピン留めを設定する。
	// 記録が承認済みでない場合はfalseを返す。
	SetPinned(ctx context.Context, id string, pinned bool) (bool, error)

	// SetPriority は承認済み記録の優先度を設定する。値は呼び出し側でクランプ済みであること。
	// 記録が承認済みでない場合はfalseを返す。
	SetPriority(ctx context.Context, id string, priority int) (bool, error)

	// ListApproved は承認済み記録を表示順（ピン留め優先 → 優先度降順 → 開催時刻昇順）で返す。
	ListApproved(ctx context.Context, limit int) ([]*model.CivicAction, error)

	// DeleteStale は保持期間を過ぎた記録を削除する。
	// 却下済みでrejectedBefore以前に更新された記録と、
	// 開催時刻がendedBefore以前の記録が対象。削除件数を返す。
	DeleteStale(ctx context.Context, rejectedBefore, endedBefore time.Time) (int64, error)
}

// WatermarkRepository はインポーターの実行ウォーターマークの永続化インターフェース。
type WatermarkRepository interface {
	// Get は指定キーのウォーターマーク値を取得する。未設定の場合はfound=falseを返す。
	Get(ctx context.Context, key string) (value int64, found bool, err error)

	// Set は指定キーのウォーターマーク値をUPSERTする。
	Set(ctx context.Context, key string, value int64) error
}
