package bluesky

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// PostRecord は投稿レコードのペイロードを表す。
type PostRecord struct {
	Text      string
	CreatedAt time.Time
}

// PostRef は作成された投稿の参照（AT-URIとコンテンツハッシュCID）を表す。
type PostRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Client は1アカウント分の認証済みプロトコルクライアント。
// すべてのリクエストを認可時と同一のproof keyによるDPoP証明で束縛する。
// 鍵を変えるとプロトコルサーバー側でトークンが無効になるため、
// AuthGrantに保存された鍵以外では構築できない。
type Client struct {
	httpClient  *http.Client
	base        string
	accessToken string
	key         *ecdsa.PrivateKey
	did         string

	// nonceMu はサーバーから最後に指示されたDPoPノンスを保護する。
	nonceMu sync.Mutex
	nonce   string
}

// NewClient は認証済みクライアントを生成する。
// proofKeyPEMはグラントに保存されたDPoP秘密鍵、didは外部アカウント識別子。
func NewClient(httpClient *http.Client, base, accessToken, proofKeyPEM, did string) (*Client, error) {
	key, err := ParseProofKey(proofKeyPEM)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		httpClient:  httpClient,
		base:        strings.TrimRight(base, "/"),
		accessToken: accessToken,
		key:         key,
		did:         did,
	}, nil
}

// DID はクライアントが代理する外部アカウント識別子を返す。
func (c *Client) DID() string {
	return c.did
}

// createRecordRequest はcom.atproto.repo.createRecordのリクエストボディ。
type createRecordRequest struct {
	Repo       string     `json:"repo"`
	Collection string     `json:"collection"`
	Record     postRecord `json:"record"`
}

// postRecord はapp.bsky.feed.postレコードのワイヤ表現。
type postRecord struct {
	Type      string `json:"$type"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// CreatePost は投稿レコードを1件作成し、AT-URIとCIDを返す。
// タイムアウト・429・5xxはErrRetryableとして返す。
// サーバーがDPoPノンスを要求した場合は1回だけ再試行する。
func (c *Client) CreatePost(ctx context.Context, record PostRecord) (*PostRef, error) {
	endpoint := c.base + "/xrpc/com.atproto.repo.createRecord"

	payload, err := json.Marshal(createRecordRequest{
		Repo:       c.did,
		Collection: "app.bsky.feed.post",
		Record: postRecord{
			Type:      "app.bsky.feed.post",
			Text:      record.Text,
			CreatedAt: record.CreatedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal post record: %w", err)
	}

	resp, body, err := c.post(ctx, endpoint, payload, c.currentNonce())
	if err != nil {
		return nil, err
	}

	// DPoPノンス要求: 指示されたノンスを保存して1回だけ再試行する
	if nonce := resp.Header.Get("DPoP-Nonce"); nonce != "" {
		c.setNonce(nonce)
		if resp.StatusCode == http.StatusUnauthorized && isNonceRequired(resp.StatusCode, body) {
			resp, body, err = c.post(ctx, endpoint, payload, nonce)
			if err != nil {
				return nil, err
			}
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		ref := &PostRef{}
		if err := json.Unmarshal(body, ref); err != nil {
			return nil, fmt.Errorf("failed to parse createRecord response: %w", err)
		}
		if ref.URI == "" || ref.CID == "" {
			return nil, fmt.Errorf("createRecord response is missing uri or cid")
		}
		return ref, nil

	case resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode >= 500:
		return nil, fmt.Errorf("createRecord returned status %d: %w", resp.StatusCode, ErrRetryable)

	default:
		return nil, fmt.Errorf("createRecord returned status %d: %s", resp.StatusCode, truncateBody(body))
	}
}

// post はDPoP束縛付きのXRPC POSTを1回実行する。
func (c *Client) post(ctx context.Context, endpoint string, payload []byte, nonce string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "DPoP "+c.accessToken)

	proof, err := dpopProof(c.key, http.MethodPost, endpoint, c.accessToken, nonce, time.Now())
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("DPoP", proof)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("createRecord request failed: %w: %w", err, ErrRetryable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read createRecord response: %w: %w", err, ErrRetryable)
	}

	return resp, body, nil
}

// currentNonce は保存済みのDPoPノンスを返す。
func (c *Client) currentNonce() string {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	return c.nonce
}

// setNonce はサーバーから指示されたDPoPノンスを保存する。
func (c *Client) setNonce(nonce string) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	c.nonce = nonce
}

// truncateBody はエラーメッセージ用にレスポンスボディを短縮する。
func truncateBody(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
