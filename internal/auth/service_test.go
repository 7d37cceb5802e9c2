package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/civicbridge/internal/bluesky"
	"github.com/hitoshi/civicbridge/internal/model"
)

// --- モック ---

type mockGrantRepo struct {
	mu     sync.Mutex
	grant  *model.AuthGrant
	findFn func(ctx context.Context, accountID string) (*model.AuthGrant, error)

	updateCalls int
	deleteCalls int
}

func (m *mockGrantRepo) FindByAccountID(ctx context.Context, accountID string) (*model.AuthGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findFn != nil {
		return m.findFn(ctx, accountID)
	}
	if m.grant == nil {
		return nil, nil
	}
	copied := *m.grant
	return &copied, nil
}

func (m *mockGrantRepo) Save(ctx context.Context, grant *model.AuthGrant) error {
	return nil
}

func (m *mockGrantRepo) UpdateTokens(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	m.grant.AccessToken = accessToken
	m.grant.RefreshToken = refreshToken
	m.grant.ExpiresAt = expiresAt
	return nil
}

func (m *mockGrantRepo) DeleteByAccountID(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	m.grant = nil
	return nil
}

type mockRefresher struct {
	mu    sync.Mutex
	calls int
	resp  *bluesky.TokenResponse
	err   error
	delay time.Duration
}

func (m *mockRefresher) Refresh(ctx context.Context, refreshToken, proofKeyPEM string) (*bluesky.TokenResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func (m *mockRefresher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockRefreshMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func newMockRefreshMetrics() *mockRefreshMetrics {
	return &mockRefreshMetrics{outcomes: make(map[string]int)}
}

func (m *mockRefreshMetrics) RecordRefreshOutcome(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func testGrant(expiresAt time.Time) *model.AuthGrant {
	key, _ := bluesky.GenerateProofKey()
	return &model.AuthGrant{
		AccountID:    "acct-1",
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ProofKey:     key,
		Subject:      "did:plc:abc123",
		Scope:        "atproto transition:generic",
		ExpiresAt:    expiresAt,
	}
}

func newTestManager(repo *mockGrantRepo, refresher Refresher) *Manager {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	return NewManager(repo, refresher, newMockRefreshMetrics(), logger, ManagerConfig{
		ProtocolBase: "https://pds.example.com",
		RefreshSkew:  time.Minute,
	})
}

// TestAcquireClient_NoGrant はグラント不在でErrNoGrantが返ることを検証する。
func TestAcquireClient_NoGrant(t *testing.T) {
	repo := &mockGrantRepo{}
	m := newTestManager(repo, &mockRefresher{})

	_, err := m.AcquireClient(context.Background(), "acct-1")
	if !errors.Is(err, ErrNoGrant) {
		t.Errorf("err = %v, want ErrNoGrant", err)
	}
}

// TestAcquireClient_ValidToken は有効期限に余裕がある場合にリフレッシュなしで
// クライアントが返ることを検証する。
func TestAcquireClient_ValidToken(t *testing.T) {
	repo := &mockGrantRepo{grant: testGrant(time.Now().Add(time.Hour))}
	refresher := &mockRefresher{}
	m := newTestManager(repo, refresher)

	client, err := m.AcquireClient(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("AcquireClient failed: %v", err)
	}
	if client == nil {
		t.Fatal("expected non-nil client")
	}
	if refresher.callCount() != 0 {
		t.Errorf("refresh calls = %d, want 0", refresher.callCount())
	}
}

// TestAcquireClient_RefreshesExpiringToken は期限切れ間際のトークンがリフレッシュされ
// ストアが更新されることを検証する。
func TestAcquireClient_RefreshesExpiringToken(t *testing.T) {
	repo := &mockGrantRepo{grant: testGrant(time.Now().Add(10 * time.Second))}
	refresher := &mockRefresher{resp: &bluesky.TokenResponse{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresIn:    3600,
	}}
	m := newTestManager(repo, refresher)

	_, err := m.AcquireClient(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("AcquireClient failed: %v", err)
	}

	if refresher.callCount() != 1 {
		t.Errorf("refresh calls = %d, want 1", refresher.callCount())
	}
	if repo.grant.AccessToken != "new-access" || repo.grant.RefreshToken != "new-refresh" {
		t.Error("リフレッシュ成功時はトークンフィールドが原子的に更新されなければならない")
	}
}

// TestAcquireClient_ConcurrentRefreshHappensOnce はN個の並行リクエストが
// 期限切れ間際のトークンを観測しても、リフレッシュが1回しか実行されないことを検証する。
func TestAcquireClient_ConcurrentRefreshHappensOnce(t *testing.T) {
	repo := &mockGrantRepo{grant: testGrant(time.Now().Add(10 * time.Second))}
	refresher := &mockRefresher{
		resp: &bluesky.TokenResponse{
			AccessToken:  "new-access",
			RefreshToken: "new-refresh",
			ExpiresIn:    3600,
		},
		delay: 20 * time.Millisecond,
	}
	m := newTestManager(repo, refresher)

	const concurrency = 10
	var wg sync.WaitGroup
	errs := make([]error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.AcquireClient(context.Background(), "acct-1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("goroutine %d: %v", i, err)
		}
	}
	if got := refresher.callCount(); got != 1 {
		t.Errorf("refresh calls = %d, want 1 (アカウントごとに直列化される)", got)
	}
	if repo.updateCalls != 1 {
		t.Errorf("UpdateTokens calls = %d, want 1", repo.updateCalls)
	}
}

// TestAcquireClient_InvalidGrantDeletesAndFailsPermanently はリフレッシュトークン失効で
// グラントが削除されErrRefreshFailedが返ることを検証する。
func TestAcquireClient_InvalidGrantDeletesAndFailsPermanently(t *testing.T) {
	repo := &mockGrantRepo{grant: testGrant(time.Now().Add(10 * time.Second))}
	refresher := &mockRefresher{err: fmt.Errorf("token endpoint: %w", bluesky.ErrInvalidGrant)}
	m := newTestManager(repo, refresher)

	_, err := m.AcquireClient(context.Background(), "acct-1")
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("err = %v, want ErrRefreshFailed", err)
	}
	if repo.deleteCalls != 1 {
		t.Errorf("delete calls = %d, want 1 (失効グラントは破棄する)", repo.deleteCalls)
	}
}

// TestAcquireClient_RetryableFailureKeepsGrant は一時的失敗でグラントが
// 維持されたままErrRetryableが伝播することを検証する。
func TestAcquireClient_RetryableFailureKeepsGrant(t *testing.T) {
	repo := &mockGrantRepo{grant: testGrant(time.Now().Add(10 * time.Second))}
	refresher := &mockRefresher{err: fmt.Errorf("status 503: %w", bluesky.ErrRetryable)}
	m := newTestManager(repo, refresher)

	_, err := m.AcquireClient(context.Background(), "acct-1")
	if !errors.Is(err, bluesky.ErrRetryable) {
		t.Fatalf("err = %v, want ErrRetryable", err)
	}
	if repo.deleteCalls != 0 {
		t.Error("一時的失敗でグラントを削除してはならない")
	}
	if repo.grant == nil {
		t.Error("グラントは維持されなければならない")
	}
}

// TestDisconnect_RemovesGrant は連携解除でグラントが削除されることを検証する。
func TestDisconnect_RemovesGrant(t *testing.T) {
	repo := &mockGrantRepo{grant: testGrant(time.Now().Add(time.Hour))}
	m := newTestManager(repo, &mockRefresher{})

	if err := m.Disconnect(context.Background(), "acct-1"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if repo.deleteCalls != 1 {
		t.Errorf("delete calls = %d, want 1", repo.deleteCalls)
	}
}

// TestDisconnect_NotFound は存在しないアカウントの解除でGRANT_NOT_FOUNDが返ることを検証する。
func TestDisconnect_NotFound(t *testing.T) {
	repo := &mockGrantRepo{}
	m := newTestManager(repo, &mockRefresher{})

	err := m.Disconnect(context.Background(), "missing")

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeGrantNotFound {
		t.Errorf("err = %v, want GRANT_NOT_FOUND", err)
	}
}
