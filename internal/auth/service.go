// Package auth は連携アカウントのセッション管理を提供する。
// 保存された認可グラントから有効な認証済みクライアントを払い出し、
// 期限切れ間際のトークンを透過的にリフレッシュする。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/civicbridge/internal/bluesky"
	"github.com/hitoshi/civicbridge/internal/model"
	"github.com/hitoshi/civicbridge/internal/repository"
)

var (
	// ErrNoGrant は対象アカウントの認可グラントが存在しないことを示す。
	// 呼び出し側は認可フローのやり直しを案内する。
	ErrNoGrant = errors.New("no auth grant for account")

	// ErrRefreshFailed はリフレッシュトークンが失効しグラントを破棄したことを示す。
	// 恒久的な失敗であり、自動リトライの対象にしてはならない。
	ErrRefreshFailed = errors.New("token refresh failed permanently")
)

// Refresher はリフレッシュグラント交換のインターフェース。
type Refresher interface {
	// Refresh はリフレッシュトークンを新しいトークンペアに交換する。
	Refresh(ctx context.Context, refreshToken, proofKeyPEM string) (*bluesky.TokenResponse, error)
}

// RefreshMetricsRecorder はリフレッシュ結果のメトリクス記録インターフェース。
type RefreshMetricsRecorder interface {
	// RecordRefreshOutcome はリフレッシュの結果を記録する。
	// outcomeは success / invalid_grant / retryable のいずれか。
	RecordRefreshOutcome(outcome string)
}

// ManagerConfig はManagerの設定。
type ManagerConfig struct {
	// ProtocolBase はプロトコルサーバーのベースURL。
	ProtocolBase string
	// RefreshSkew は有効期限の何秒前からリフレッシュを行うかを指定する。
	RefreshSkew time.Duration
	// RequestTimeout は払い出すクライアントのHTTPタイムアウト。
	RequestTimeout time.Duration
}

// Manager は認可グラントを管理し、有効な認証済みクライアントを払い出す。
//
// リフレッシュはアカウントごとに直列化される。同時に複数のリクエストが
// 期限切れ間際のトークンを観測しても、リフレッシュトークン交換は1回しか
// 実行されない（2回目の交換はプロトコルサーバーに拒否され、アカウント全体の
// グラントが無効化されてしまうため）。
type Manager struct {
	grants    repository.GrantRepository
	refresher Refresher
	metrics   RefreshMetricsRecorder
	logger    *slog.Logger
	config    ManagerConfig

	httpClient *http.Client

	// locksMu はアカウント別ロックのマップを保護する。
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager はManagerの新しいインスタンスを生成する。
func NewManager(
	grants repository.GrantRepository,
	refresher Refresher,
	metrics RefreshMetricsRecorder,
	logger *slog.Logger,
	config ManagerConfig,
) *Manager {
	if config.RefreshSkew <= 0 {
		config.RefreshSkew = time.Minute
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	return &Manager{
		grants:     grants,
		refresher:  refresher,
		metrics:    metrics,
		logger:     logger,
		config:     config,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		locks:      make(map[string]*sync.Mutex),
	}
}

// AcquireClient は指定アカウントの有効な認証済みクライアントを返す。
//   - グラントが存在しない場合はErrNoGrant。
//   - トークンが期限切れ間際の場合はアカウント別ロックの下でリフレッシュし、
//     成功時はトークンフィールドを原子的に置き換える。
//   - リフレッシュトークン失効時はグラントを削除しErrRefreshFailed（恒久的）。
//   - ネットワーク・5xxはグラントを維持したままbluesky.ErrRetryableを返す。
func (m *Manager) AcquireClient(ctx context.Context, accountID string) (*bluesky.Client, error) {
	grant, err := m.grants.FindByAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNoGrant)
	}

	if !grant.ExpiresWithin(time.Now(), m.config.RefreshSkew) {
		return m.buildClient(grant)
	}

	// 期限切れ間際: アカウント別ロックの下でcheck-then-refresh-then-storeを直列化する
	lock := m.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	// ロック獲得までの間に他のリクエストがリフレッシュを終えている可能性があるため再読込する
	grant, err = m.grants.FindByAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNoGrant)
	}
	if !grant.ExpiresWithin(time.Now(), m.config.RefreshSkew) {
		return m.buildClient(grant)
	}

	return m.refreshAndBuild(ctx, grant)
}

// refreshAndBuild はロック保持中にリフレッシュを実行し、新トークンでクライアントを構築する。
func (m *Manager) refreshAndBuild(ctx context.Context, grant *model.AuthGrant) (*bluesky.Client, error) {
	tokenResp, err := m.refresher.Refresh(ctx, grant.RefreshToken, grant.ProofKey)
	if err != nil {
		if errors.Is(err, bluesky.ErrInvalidGrant) {
			m.metrics.RecordRefreshOutcome("invalid_grant")
			// リフレッシュトークン失効: グラントを破棄し再認可を要求する
			if delErr := m.grants.DeleteByAccountID(ctx, grant.AccountID); delErr != nil {
				m.logger.Error("失効グラントの削除に失敗しました",
					slog.String("account_id", grant.AccountID),
					slog.String("error", delErr.Error()),
				)
			}
			m.logger.Warn("リフレッシュトークンが失効したためグラントを破棄しました",
				slog.String("account_id", grant.AccountID),
				slog.String("subject", grant.Subject),
			)
			return nil, fmt.Errorf("account %s: %w", grant.AccountID, ErrRefreshFailed)
		}

		// 一時的失敗: グラントには触れずbluesky.ErrRetryableを伝播する
		m.metrics.RecordRefreshOutcome("retryable")
		return nil, fmt.Errorf("token refresh for account %s: %w", grant.AccountID, err)
	}

	m.metrics.RecordRefreshOutcome("success")
	expiresAt := time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	if err := m.grants.UpdateTokens(ctx, grant.AccountID, tokenResp.AccessToken, tokenResp.RefreshToken, expiresAt); err != nil {
		return nil, err
	}

	m.logger.Info("トークンをリフレッシュしました",
		slog.String("account_id", grant.AccountID),
		slog.Time("expires_at", expiresAt),
	)

	grant.AccessToken = tokenResp.AccessToken
	grant.RefreshToken = tokenResp.RefreshToken
	grant.ExpiresAt = expiresAt
	return m.buildClient(grant)
}

// Disconnect は連携アカウントのグラントを明示的に削除する。
func (m *Manager) Disconnect(ctx context.Context, accountID string) error {
	grant, err := m.grants.FindByAccountID(ctx, accountID)
	if err != nil {
		return err
	}
	if grant == nil {
		return model.NewGrantNotFoundError(accountID)
	}

	if err := m.grants.DeleteByAccountID(ctx, accountID); err != nil {
		return err
	}

	m.logger.Info("アカウントの連携を解除しました",
		slog.String("account_id", accountID),
		slog.String("subject", grant.Subject),
	)
	return nil
}

// buildClient は認可時と同一のproof keyで束縛されたクライアントを構築する。
func (m *Manager) buildClient(grant *model.AuthGrant) (*bluesky.Client, error) {
	return bluesky.NewClient(
		m.httpClient,
		m.config.ProtocolBase,
		grant.AccessToken,
		grant.ProofKey,
		grant.Subject,
	)
}

// accountLock はアカウント別のロックを遅延生成して返す。
func (m *Manager) accountLock(accountID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	lock, ok := m.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[accountID] = lock
	}
	return lock
}
