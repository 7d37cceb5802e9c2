package bluesky

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenResponse はトークンエンドポイントの応答を表す。
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	Sub          string `json:"sub"`
}

// tokenErrorResponse はトークンエンドポイントのエラー応答を表す。
type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// TokenRefresherConfig はTokenRefresherの設定。
type TokenRefresherConfig struct {
	// Base はプロトコルサーバーのベースURL（例: "https://bsky.social"）。
	Base string
	// ClientID はOAuthクライアント識別子。
	ClientID string

	// テスト用にオーバーライド可能なURL
	TokenURL string
}

// TokenRefresher はリフレッシュグラント交換を実行する。
// すべてのリクエストはグラントのproof keyによるDPoP証明で束縛される。
type TokenRefresher struct {
	config     TokenRefresherConfig
	httpClient *http.Client
}

// NewTokenRefresher はTokenRefresherを生成する。
func NewTokenRefresher(config TokenRefresherConfig, httpClient *http.Client) *TokenRefresher {
	if config.TokenURL == "" {
		config.TokenURL = strings.TrimRight(config.Base, "/") + "/oauth/token"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenRefresher{config: config, httpClient: httpClient}
}

// Refresh はリフレッシュトークンを新しいトークンペアに交換する。
// 失敗の区別:
//   - invalid_grant系（400/401）→ ErrInvalidGrant（恒久的、グラント破棄が必要）
//   - タイムアウト・5xx → ErrRetryable（一時的、グラントは維持）
//
// サーバーがDPoPノンスを要求した場合（use_dpop_nonce）は1回だけ再試行する。
func (t *TokenRefresher) Refresh(ctx context.Context, refreshToken, proofKeyPEM string) (*TokenResponse, error) {
	key, err := ParseProofKey(proofKeyPEM)
	if err != nil {
		return nil, err
	}

	resp, body, err := t.post(ctx, refreshToken, key, "")
	if err != nil {
		return nil, err
	}

	// DPoPノンス要求: 指示されたノンスを付けて1回だけ再試行する
	if nonce := resp.Header.Get("DPoP-Nonce"); nonce != "" && isNonceRequired(resp.StatusCode, body) {
		resp, body, err = t.post(ctx, refreshToken, key, nonce)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var tokenResp TokenResponse
		if err := json.Unmarshal(body, &tokenResp); err != nil {
			return nil, fmt.Errorf("failed to parse token response: %w", err)
		}
		if tokenResp.AccessToken == "" || tokenResp.RefreshToken == "" {
			return nil, fmt.Errorf("token response is missing tokens")
		}
		return &tokenResp, nil

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		var errResp tokenErrorResponse
		_ = json.Unmarshal(body, &errResp)
		return nil, fmt.Errorf("token refresh rejected (%s): %w", errResp.Error, ErrInvalidGrant)

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("token endpoint returned status %d: %w", resp.StatusCode, ErrRetryable)

	default:
		return nil, fmt.Errorf("token endpoint returned unexpected status %d", resp.StatusCode)
	}
}

// post はトークンエンドポイントへのDPoP付きPOSTを1回実行する。
func (t *TokenRefresher) post(ctx context.Context, refreshToken string, key *ecdsa.PrivateKey, nonce string) (*http.Response, []byte, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {t.config.ClientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	proof, err := dpopProof(key, http.MethodPost, t.config.TokenURL, "", nonce, time.Now())
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("DPoP", proof)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("token request failed: %w: %w", err, ErrRetryable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read token response: %w: %w", err, ErrRetryable)
	}

	return resp, body, nil
}

// isNonceRequired はエラー応答がDPoPノンス要求かを判定する。
func isNonceRequired(statusCode int, body []byte) bool {
	if statusCode != http.StatusBadRequest && statusCode != http.StatusUnauthorized {
		return false
	}
	var errResp tokenErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		return false
	}
	return errResp.Error == "use_dpop_nonce"
}
