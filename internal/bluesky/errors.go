// Package bluesky はATプロトコル互換サーバーへの投稿クライアントを提供する。
// DPoP証明の生成、トークンリフレッシュ交換、投稿レコード作成を含む。
package bluesky

import "errors"

var (
	// ErrInvalidGrant はリフレッシュトークンが無効・失効している場合のエラー。
	// 恒久的な失敗であり、アカウントの再認可が必要。
	ErrInvalidGrant = errors.New("refresh token is invalid or revoked")

	// ErrRetryable はタイムアウト・5xx・レート制限など一時的な失敗を示す。
	// errors.Isで判定し、呼び出し側が再実行の可否を決める。
	ErrRetryable = errors.New("retryable protocol failure")
)
