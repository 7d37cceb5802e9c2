// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, publish, import, system
	Action   string // 運用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidSignature  = "INVALID_SIGNATURE"
	ErrCodeInvalidArticle    = "INVALID_ARTICLE"
	ErrCodeNoGrant           = "NO_GRANT"
	ErrCodeRefreshFailed     = "REFRESH_FAILED"
	ErrCodePublishFailed     = "PUBLISH_FAILED"
	ErrCodeActionNotFound    = "ACTION_NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotApproved       = "NOT_APPROVED"
	ErrCodeGrantNotFound     = "GRANT_NOT_FOUND"
)

// NewInvalidSignatureError はWebhook署名不一致エラーを生成する。
func NewInvalidSignatureError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSignature,
		Message:  "Webhook署名の検証に失敗しました。",
		Category: "auth",
		Action:   "CMS側の共有シークレット設定を確認してください。",
	}
}

// NewInvalidArticleError は記事ペイロード不正エラーを生成する。
func NewInvalidArticleError(field string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidArticle,
		Message:  fmt.Sprintf("記事ペイロードに必須フィールドがありません: %s", field),
		Category: "validation",
		Action:   "CMSの送信ペイロードを確認してください。",
	}
}

// NewNoGrantError は認可グラントが存在しない場合のエラーを生成する。
func NewNoGrantError(accountID string) *APIError {
	return &APIError{
		Code:     ErrCodeNoGrant,
		Message:  fmt.Sprintf("アカウントの認可グラントが見つかりません: %s", accountID),
		Category: "auth",
		Action:   "管理画面からアカウントを再連携してください。",
	}
}

// NewRefreshFailedError はトークンリフレッシュが恒久的に失敗した場合のエラーを生成する。
func NewRefreshFailedError(accountID string) *APIError {
	return &APIError{
		Code:     ErrCodeRefreshFailed,
		Message:  fmt.Sprintf("トークンのリフレッシュに失敗したためグラントを破棄しました: %s", accountID),
		Category: "auth",
		Action:   "管理画面からアカウントを再連携してください。",
	}
}

// NewPublishFailedError は外部投稿の一時的失敗エラーを生成する。
func NewPublishFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodePublishFailed,
		Message:  fmt.Sprintf("外部プロトコルへの投稿に失敗しました: %s", reason),
		Category: "publish",
		Action:   "しばらく待ってから同じ記事の再公開を実行してください。",
	}
}

// NewActionNotFoundError は市民アクション記録が見つからない場合のエラーを生成する。
func NewActionNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeActionNotFound,
		Message:  fmt.Sprintf("指定された記録が見つかりません: %s", id),
		Category: "import",
		Action:   "記録IDを確認してください。",
	}
}

// NewInvalidTransitionError はモデレーション状態遷移が許可されない場合のエラーを生成する。
func NewInvalidTransitionError(from ActionStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("承認待ち以外の記録は状態を変更できません（現在: %s）", from),
		Category: "validation",
		Action:   "承認・却下は承認待ちの記録に対して一度だけ実行できます。",
	}
}

// NewNotApprovedError は未承認記録へのピン留め・優先度操作エラーを生成する。
func NewNotApprovedError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeNotApproved,
		Message:  fmt.Sprintf("承認済みでない記録にはピン留め・優先度を設定できません: %s", id),
		Category: "validation",
		Action:   "先に記録を承認してください。",
	}
}

// NewGrantNotFoundError は切断対象のグラントが存在しない場合のエラーを生成する。
func NewGrantNotFoundError(accountID string) *APIError {
	return &APIError{
		Code:     ErrCodeGrantNotFound,
		Message:  fmt.Sprintf("アカウントの連携情報が見つかりません: %s", accountID),
		Category: "auth",
		Action:   "アカウントIDを確認してください。",
	}
}
