package model

import "time"

// SyncStatus は同期ログエントリの結果を表す。
type SyncStatus string

const (
	// SyncStatusPending は処理中のエントリ。
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusSuccess は外部投稿が作成されたエントリ。
	SyncStatusSuccess SyncStatus = "success"
	// SyncStatusError は失敗したエントリ。
	SyncStatusError SyncStatus = "error"
)

// SyncAction は同期処理の種別を表す。
type SyncAction string

const (
	// SyncActionPublish はCMS記事の外部プロトコルへの投稿。
	SyncActionPublish SyncAction = "publish"
)

// SyncLogEntry は公開パイプラインの実行結果1件を表す。
// パイプラインからは追記専用であり、リトライは同一SourceIDに対する
// 新しいエントリの追記として記録される。
type SyncLogEntry struct {
	ID       string
	Action   SyncAction
	Status   SyncStatus
	SourceID string
	// TargetURI / TargetCID は成功時のみ設定される（プロトコル投稿の識別子とコンテンツハッシュ）。
	TargetURI string
	TargetCID string
	// ErrorMessage は失敗時のみ設定される。
	ErrorMessage string
	RetryCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
