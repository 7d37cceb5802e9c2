// Package model はドメインモデルを定義する。
package model

import "time"

// AuthGrant は連携済み外部アカウント1件分のOAuth認可情報を表す。
// ProofKeyはトークンをこのクライアントに暗号学的に束縛する秘密鍵（PEM形式）で、
// 外部に送信されることはなく、グラントの生存期間中は不変である。
// ProofKeyを差し替えるとプロトコルサーバー側で既存トークンが無効になるため、
// ローテーションは認可フローのやり直しとしてのみ行う。
type AuthGrant struct {
	AccountID    string
	AccessToken  string
	RefreshToken string
	ProofKey     string
	Subject      string
	Scope        string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ExpiresWithin は有効期限がd以内に到来する（または既に過ぎている）場合にtrueを返す。
// リフレッシュ判定に使用する。
func (g *AuthGrant) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !now.Before(g.ExpiresAt.Add(-d))
}
