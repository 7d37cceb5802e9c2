package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/civicbridge/internal/auth"
	"github.com/hitoshi/civicbridge/internal/bluesky"
	"github.com/hitoshi/civicbridge/internal/model"
)

// --- モック ---

type mockSyncLogRepo struct {
	mu           sync.Mutex
	successEntry *model.SyncLogEntry
	maxRetry     int
	maxFound     bool

	// claimBarrier はClaimPendingの直前に呼ばれる。並行する配信の
	// インターリーブを制御する試験で使用する。
	claimBarrier func()
	// successAfterClaim が設定されている場合、クレーム成立と同時に
	// 成功エントリが可視になった状況を再現する。
	successAfterClaim *model.SyncLogEntry

	pending         map[string]*model.SyncLogEntry
	promotedSuccess []*model.SyncLogEntry
	promotedError   []*model.SyncLogEntry
	released        []string
	claims          int
}

func (m *mockSyncLogRepo) FindSuccessBySourceID(ctx context.Context, sourceID string) (*model.SyncLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.successEntry, nil
}
func (m *mockSyncLogRepo) MaxRetryCountBySourceID(ctx context.Context, sourceID string) (int, bool, error) {
	return m.maxRetry, m.maxFound, nil
}
func (m *mockSyncLogRepo) ClaimPending(ctx context.Context, entry *model.SyncLogEntry, staleBefore time.Time) (bool, error) {
	if m.claimBarrier != nil {
		m.claimBarrier()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		m.pending = make(map[string]*model.SyncLogEntry)
	}
	if _, held := m.pending[entry.SourceID]; held {
		return false, nil
	}
	m.pending[entry.SourceID] = entry
	m.claims++
	if m.successAfterClaim != nil {
		m.successEntry = m.successAfterClaim
	}
	return true, nil
}
func (m *mockSyncLogRepo) ReleasePending(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sourceID, entry := range m.pending {
		if entry.ID == id {
			delete(m.pending, sourceID)
		}
	}
	m.released = append(m.released, id)
	return nil
}
func (m *mockSyncLogRepo) PromoteToSuccess(ctx context.Context, entry *model.SyncLogEntry) (*model.SyncLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, entry.SourceID)
	entry.Status = model.SyncStatusSuccess
	m.promotedSuccess = append(m.promotedSuccess, entry)
	m.successEntry = entry
	return entry, nil
}
func (m *mockSyncLogRepo) PromoteToError(ctx context.Context, entry *model.SyncLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, entry.SourceID)
	m.promotedError = append(m.promotedError, entry)
	return nil
}
func (m *mockSyncLogRepo) ListBySourceID(ctx context.Context, sourceID string, limit int) ([]*model.SyncLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, held := m.pending[sourceID]; held {
		return []*model.SyncLogEntry{entry}, nil
	}
	if m.successEntry != nil {
		return []*model.SyncLogEntry{m.successEntry}, nil
	}
	return nil, nil
}
func (m *mockSyncLogRepo) ListRecent(ctx context.Context, limit int) ([]*model.SyncLogEntry, error) {
	return nil, nil
}

func (m *mockSyncLogRepo) entryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) + len(m.promotedSuccess) + len(m.promotedError)
}

type mockProtocolClient struct {
	createCalls int
	ref         *bluesky.PostRef
	err         error
}

func (m *mockProtocolClient) CreatePost(ctx context.Context, record bluesky.PostRecord) (*bluesky.PostRef, error) {
	m.createCalls++
	if m.err != nil {
		return nil, m.err
	}
	return m.ref, nil
}

type mockSessions struct {
	client       *mockProtocolClient
	err          error
	acquireCalls int
}

func (m *mockSessions) AcquireClient(ctx context.Context, accountID string) (ProtocolClient, error) {
	m.acquireCalls++
	if m.err != nil {
		return nil, m.err
	}
	return m.client, nil
}

type mockMetrics struct {
	success   int
	duplicate int
	failures  map[string]int
	rejected  int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{failures: make(map[string]int)}
}

func (m *mockMetrics) RecordPublishSuccess() { m.success++ }

func (m *mockMetrics) RecordPublishDuplicate() { m.duplicate++ }

func (m *mockMetrics) RecordPublishFailure(reason string) { m.failures[reason]++ }

func (m *mockMetrics) RecordPublishLatency(time.Duration) {}

func (m *mockMetrics) RecordWebhookRejected() { m.rejected++ }

func newTestPipeline(repo *mockSyncLogRepo, sessions *mockSessions, metrics *mockMetrics) *Pipeline {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	verifier := NewWebhookVerifier(testSecret, 5*time.Minute)
	return NewPipeline(repo, sessions, verifier, metrics, logger)
}

func validTrigger() *Trigger {
	return &Trigger{
		Origin: OriginManual,
		Article: &model.Article{
			SourceID:     "article-1",
			Title:        "タイトル",
			Excerpt:      "抜粋",
			CanonicalURL: "https://example.com/posts/1",
			AccountID:    "acct-1",
		},
	}
}

// TestPublish_Success は正常系で外部投稿と成功エントリの記録が行われることを検証する。
func TestPublish_Success(t *testing.T) {
	repo := &mockSyncLogRepo{}
	client := &mockProtocolClient{ref: &bluesky.PostRef{
		URI: "at://did:plc:abc/app.bsky.feed.post/xyz",
		CID: "bafyreib",
	}}
	sessions := &mockSessions{client: client}
	metrics := newMockMetrics()
	p := newTestPipeline(repo, sessions, metrics)

	entry, err := p.Publish(context.Background(), validTrigger())
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if client.createCalls != 1 {
		t.Errorf("CreatePost calls = %d, want 1", client.createCalls)
	}
	if repo.claims != 1 {
		t.Errorf("claims = %d, want 1（外部投稿の前にクレームを取らなければならない）", repo.claims)
	}
	if len(repo.promotedSuccess) != 1 {
		t.Fatalf("success entries = %d, want 1", len(repo.promotedSuccess))
	}
	if len(repo.pending) != 0 {
		t.Errorf("昇格後にpendingエントリが残ってはならない: %d件", len(repo.pending))
	}
	if entry.Status != model.SyncStatusSuccess {
		t.Errorf("Status = %s, want success", entry.Status)
	}
	if entry.TargetURI != client.ref.URI || entry.TargetCID != client.ref.CID {
		t.Errorf("TargetURI/CID = %s/%s, want %s/%s",
			entry.TargetURI, entry.TargetCID, client.ref.URI, client.ref.CID)
	}
	if metrics.success != 1 {
		t.Errorf("success metric = %d, want 1", metrics.success)
	}
}

// TestPublish_IdempotentShortCircuit は成功済みSourceIDで外部APIが呼ばれず
// 既存エントリがそのまま返ることを検証する。
func TestPublish_IdempotentShortCircuit(t *testing.T) {
	existing := &model.SyncLogEntry{
		ID:        "existing-1",
		Status:    model.SyncStatusSuccess,
		SourceID:  "article-1",
		TargetURI: "at://did:plc:abc/app.bsky.feed.post/old",
	}
	repo := &mockSyncLogRepo{successEntry: existing}
	client := &mockProtocolClient{}
	sessions := &mockSessions{client: client}
	metrics := newMockMetrics()
	p := newTestPipeline(repo, sessions, metrics)

	entry, err := p.Publish(context.Background(), validTrigger())
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if entry.ID != existing.ID {
		t.Errorf("返されたエントリ = %s, want 既存エントリ %s", entry.ID, existing.ID)
	}
	if sessions.acquireCalls != 0 || client.createCalls != 0 {
		t.Error("公開済みの場合は外部呼び出しを行ってはならない")
	}
	if repo.claims != 0 || repo.entryCount() != 0 {
		t.Error("公開済みの場合はクレームも新しいエントリも作ってはならない")
	}
	if metrics.duplicate != 1 {
		t.Errorf("duplicate metric = %d, want 1", metrics.duplicate)
	}
}

// TestPublish_WebhookBadSignature は署名不一致でログエントリが作られず
// 認証エラーが返ることを検証する。
func TestPublish_WebhookBadSignature(t *testing.T) {
	repo := &mockSyncLogRepo{}
	sessions := &mockSessions{client: &mockProtocolClient{}}
	metrics := newMockMetrics()
	p := newTestPipeline(repo, sessions, metrics)

	trigger := validTrigger()
	trigger.Origin = OriginWebhook
	trigger.RawBody = []byte(`{"source_id":"article-1"}`)
	trigger.Signature = fmt.Sprintf("sha256=deadbeef, t=%d", time.Now().Unix())

	_, err := p.Publish(context.Background(), trigger)

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidSignature {
		t.Fatalf("err = %v, want INVALID_SIGNATURE", err)
	}
	if repo.entryCount() != 0 {
		t.Error("検証失敗はログエントリを作ってはならない")
	}
	if sessions.acquireCalls != 0 {
		t.Error("検証失敗で外部呼び出しを行ってはならない")
	}
	if metrics.rejected != 1 {
		t.Errorf("rejected metric = %d, want 1", metrics.rejected)
	}
}

// TestPublish_InvalidArticle は必須フィールド欠落でログエントリが作られないことを検証する。
func TestPublish_InvalidArticle(t *testing.T) {
	repo := &mockSyncLogRepo{}
	sessions := &mockSessions{client: &mockProtocolClient{}}
	p := newTestPipeline(repo, sessions, newMockMetrics())

	trigger := validTrigger()
	trigger.Article.CanonicalURL = ""

	_, err := p.Publish(context.Background(), trigger)

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidArticle {
		t.Fatalf("err = %v, want INVALID_ARTICLE", err)
	}
	if repo.entryCount() != 0 {
		t.Error("ペイロード不正はログエントリを作ってはならない")
	}
}

// TestPublish_NoGrant はグラント不在でエラーエントリが追記され
// NO_GRANTが返ることを検証する。
func TestPublish_NoGrant(t *testing.T) {
	repo := &mockSyncLogRepo{}
	sessions := &mockSessions{err: fmt.Errorf("account acct-1: %w", auth.ErrNoGrant)}
	metrics := newMockMetrics()
	p := newTestPipeline(repo, sessions, metrics)

	_, err := p.Publish(context.Background(), validTrigger())

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeNoGrant {
		t.Fatalf("err = %v, want NO_GRANT", err)
	}
	if len(repo.promotedError) != 1 {
		t.Fatalf("error entries = %d, want 1", len(repo.promotedError))
	}
	if repo.promotedError[0].Status != model.SyncStatusError {
		t.Errorf("Status = %s, want error", repo.promotedError[0].Status)
	}
	if repo.promotedError[0].RetryCount != 0 {
		t.Errorf("初回失敗のRetryCount = %d, want 0", repo.promotedError[0].RetryCount)
	}
	if metrics.failures["no_grant"] != 1 {
		t.Errorf("failure metric no_grant = %d, want 1", metrics.failures["no_grant"])
	}
}

// TestPublish_RetryableFailureIncrementsRetryCount は再失敗時にRetryCountが
// 過去の最大値+1で記録され、PUBLISH_FAILEDエラーが返ることを検証する。
func TestPublish_RetryableFailureIncrementsRetryCount(t *testing.T) {
	repo := &mockSyncLogRepo{maxRetry: 2, maxFound: true}
	client := &mockProtocolClient{err: fmt.Errorf("status 503: %w", bluesky.ErrRetryable)}
	sessions := &mockSessions{client: client}
	metrics := newMockMetrics()
	p := newTestPipeline(repo, sessions, metrics)

	_, err := p.Publish(context.Background(), validTrigger())

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodePublishFailed {
		t.Fatalf("err = %v, want PUBLISH_FAILED", err)
	}
	if len(repo.promotedError) != 1 {
		t.Fatalf("error entries = %d, want 1", len(repo.promotedError))
	}
	if repo.promotedError[0].RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3 (過去の最大値2 + 1)", repo.promotedError[0].RetryCount)
	}
	if metrics.failures["retryable"] != 1 {
		t.Errorf("failure metric retryable = %d, want 1", metrics.failures["retryable"])
	}
}

// TestPublish_ConcurrentDuplicateDelivery は同一SourceIDの配信が同時に到着し、
// 両方が冪等性チェックを通過した場合でも外部投稿が1件に保たれることを検証する。
// バリアで2つのPublishを揃え、どちらも成功エントリを見つけられないまま
// クレームに到達する最悪のインターリーブを再現する。
func TestPublish_ConcurrentDuplicateDelivery(t *testing.T) {
	var barrier sync.WaitGroup
	barrier.Add(2)

	repo := &mockSyncLogRepo{}
	repo.claimBarrier = func() {
		barrier.Done()
		barrier.Wait()
	}
	client := &mockProtocolClient{ref: &bluesky.PostRef{
		URI: "at://did:plc:abc/app.bsky.feed.post/xyz",
		CID: "bafyreib",
	}}
	sessions := &mockSessions{client: client}
	metrics := newMockMetrics()
	p := newTestPipeline(repo, sessions, metrics)

	type result struct {
		entry *model.SyncLogEntry
		err   error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			entry, err := p.Publish(context.Background(), validTrigger())
			results <- result{entry: entry, err: err}
		}()
	}

	for i := 0; i < 2; i++ {
		res := <-results
		if res.err != nil {
			t.Errorf("Publish failed: %v", res.err)
			continue
		}
		if res.entry == nil || res.entry.SourceID != "article-1" {
			t.Errorf("entry = %+v, want source_id article-1", res.entry)
		}
	}

	if client.createCalls != 1 {
		t.Errorf("CreatePost calls = %d, want 1（並行重複配信でも外部投稿は1件でなければならない）", client.createCalls)
	}
	if len(repo.promotedSuccess) != 1 {
		t.Errorf("success entries = %d, want 1", len(repo.promotedSuccess))
	}
	if metrics.duplicate != 1 {
		t.Errorf("duplicate metric = %d, want 1", metrics.duplicate)
	}
}

// TestPublish_ClaimConflictShortCircuits はクレームを取れなかった配信が
// 外部呼び出しを行わず処理中エントリを返すことを検証する。
func TestPublish_ClaimConflictShortCircuits(t *testing.T) {
	inFlight := &model.SyncLogEntry{
		ID:       "claim-1",
		Status:   model.SyncStatusPending,
		SourceID: "article-1",
	}
	repo := &mockSyncLogRepo{
		pending: map[string]*model.SyncLogEntry{"article-1": inFlight},
	}
	client := &mockProtocolClient{}
	sessions := &mockSessions{client: client}
	metrics := newMockMetrics()
	p := newTestPipeline(repo, sessions, metrics)

	entry, err := p.Publish(context.Background(), validTrigger())
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if entry.ID != inFlight.ID {
		t.Errorf("返されたエントリ = %s, want 処理中エントリ %s", entry.ID, inFlight.ID)
	}
	if sessions.acquireCalls != 0 || client.createCalls != 0 {
		t.Error("クレームを取れなかった配信は外部呼び出しを行ってはならない")
	}
	if metrics.duplicate != 1 {
		t.Errorf("duplicate metric = %d, want 1", metrics.duplicate)
	}
}

// TestPublish_ReleasesClaimWhenAlreadyPublished はクレーム成立直後に
// 別の配信の成功が確定していた場合、クレームを解放して外部投稿を行わないことを検証する。
func TestPublish_ReleasesClaimWhenAlreadyPublished(t *testing.T) {
	winner := &model.SyncLogEntry{
		ID:        "winner-1",
		Status:    model.SyncStatusSuccess,
		SourceID:  "article-1",
		TargetURI: "at://did:plc:abc/app.bsky.feed.post/old",
	}
	repo := &mockSyncLogRepo{successAfterClaim: winner}
	client := &mockProtocolClient{}
	sessions := &mockSessions{client: client}
	metrics := newMockMetrics()
	p := newTestPipeline(repo, sessions, metrics)

	entry, err := p.Publish(context.Background(), validTrigger())
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if entry.ID != winner.ID {
		t.Errorf("返されたエントリ = %s, want 成功エントリ %s", entry.ID, winner.ID)
	}
	if client.createCalls != 0 {
		t.Error("成功確定後にクレームを取った配信は外部投稿を行ってはならない")
	}
	if len(repo.released) != 1 {
		t.Errorf("released claims = %d, want 1", len(repo.released))
	}
	if len(repo.pending) != 0 {
		t.Errorf("解放後にpendingエントリが残ってはならない: %d件", len(repo.pending))
	}
}

// TestPublish_CallerCancellationDoesNotAbortLogging は呼び出し元のキャンセル後も
// 外部投稿の結果が記録されることを検証する。
func TestPublish_CallerCancellationDoesNotAbortLogging(t *testing.T) {
	repo := &mockSyncLogRepo{}
	client := &mockProtocolClient{ref: &bluesky.PostRef{URI: "at://x", CID: "bafy"}}
	sessions := &mockSessions{client: client}
	p := newTestPipeline(repo, sessions, newMockMetrics())

	// 冪等性チェック通過後にキャンセルされた状況を、最初からキャンセル済みの
	// コンテキストで近似する（検出はWithoutCancelで切り離されているかどうか）
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	entry, err := p.Publish(ctx, validTrigger())
	if err != nil {
		t.Fatalf("キャンセル済みコンテキストでも処理は完了しなければならない: %v", err)
	}
	if entry == nil || entry.Status != model.SyncStatusSuccess {
		t.Error("成功エントリが記録されなければならない")
	}
}
