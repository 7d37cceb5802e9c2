package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/civicbridge/internal/auth"
	"github.com/hitoshi/civicbridge/internal/bluesky"
	"github.com/hitoshi/civicbridge/internal/model"
	"github.com/hitoshi/civicbridge/internal/repository"
)

// TriggerOrigin は公開トリガーの発生源を表す。
type TriggerOrigin string

const (
	// OriginWebhook はCMSの「記事公開」Webhookによるトリガー。
	OriginWebhook TriggerOrigin = "webhook"
	// OriginManual は管理画面からの手動（再）公開トリガー。
	OriginManual TriggerOrigin = "manual"
)

// Trigger は公開パイプラインへの1回分の入力を表す。
type Trigger struct {
	Origin  TriggerOrigin
	Article *model.Article

	// RawBody / Signature はWebhook起点のトリガーのみ設定される。
	// 署名は生ボディに対して検証するため、デコード前のバイト列を保持する。
	RawBody   []byte
	Signature string
}

// ProtocolClient は外部プロトコルへの投稿操作のインターフェース。
type ProtocolClient interface {
	CreatePost(ctx context.Context, record bluesky.PostRecord) (*bluesky.PostRef, error)
}

// SessionAcquirer は認証済みクライアント取得のインターフェース。
type SessionAcquirer interface {
	AcquireClient(ctx context.Context, accountID string) (ProtocolClient, error)
}

// MetricsRecorder は公開パイプラインのメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordPublishSuccess()
	RecordPublishDuplicate()
	RecordPublishFailure(reason string)
	RecordPublishLatency(duration time.Duration)
	RecordWebhookRejected()
}

// pendingClaimTTL はクレームの有効期間。これより古いpendingエントリは
// クラッシュしたプロセスの放置クレームとみなして回収する。
// 外部投稿1回の最悪所要時間より十分長くとること。
const pendingClaimTTL = 5 * time.Minute

// Pipeline は公開パイプラインを実行する。
// 状態機械: 検証 → 冪等性チェック → クレーム → セッション取得 → 変換 → 外部API呼び出し → 昇格。
type Pipeline struct {
	syncLog  repository.SyncLogRepository
	sessions SessionAcquirer
	verifier *WebhookVerifier
	metrics  MetricsRecorder
	logger   *slog.Logger
}

// NewPipeline はPipelineの新しいインスタンスを生成する。
func NewPipeline(
	syncLog repository.SyncLogRepository,
	sessions SessionAcquirer,
	verifier *WebhookVerifier,
	metrics MetricsRecorder,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		syncLog:  syncLog,
		sessions: sessions,
		verifier: verifier,
		metrics:  metrics,
		logger:   logger,
	}
}

// Publish はトリガー1件を処理し、結果の同期ログエントリを返す。
//
// 冪等性: 同一SourceIDの成功エントリが既に存在する場合、外部APIを呼ばずに
// そのエントリを返す。外部APIを呼ぶ前には必ずpendingエントリをクレームし、
// クレームを取れなかった配信は外部投稿に進まない。同時に到着した重複配信が
// 両方とも成功チェックを通過しても、部分一意インデックスにより外部投稿は
// 1件に保たれる。
//
// 検証失敗（署名不一致・ペイロード不正）はログエントリを作らない。
// それ以外の失敗はクレームをretry_count加算済みのエラーエントリに昇格した上で
// 呼び出し元にエラーを返す。このパイプライン自身はリトライしない。
func (p *Pipeline) Publish(ctx context.Context, trigger *Trigger) (*model.SyncLogEntry, error) {
	start := time.Now()

	// 検証: Webhook起点は署名必須。認証失敗は業務結果ではないためログに残さない。
	if trigger.Origin == OriginWebhook {
		if err := p.verifier.Verify(trigger.RawBody, trigger.Signature, time.Now()); err != nil {
			p.metrics.RecordWebhookRejected()
			p.logger.Warn("Webhook署名の検証に失敗しました",
				slog.String("error", err.Error()),
			)
			return nil, model.NewInvalidSignatureError()
		}
	}

	if err := trigger.Article.Validate(); err != nil {
		return nil, err
	}

	sourceID := trigger.Article.SourceID

	// 冪等性チェック: 成功済みなら外部APIを呼ばずに既存エントリを返す
	existing, err := p.syncLog.FindSuccessBySourceID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		p.metrics.RecordPublishDuplicate()
		p.logger.Info("公開済みの記事のため再投稿をスキップします",
			slog.String("source_id", sourceID),
			slog.String("target_uri", existing.TargetURI),
		)
		return existing, nil
	}

	// 以降は呼び出し元の切断から切り離す。外部投稿が作成された可能性がある以上、
	// 結果のログ記録まで完了させないと冪等性台帳が現実と乖離する。
	ctx = context.WithoutCancel(ctx)

	// 外部API呼び出しの前にpendingエントリをクレームする。
	// 同一SourceIDの配信が同時に到着した場合、クレームを取れるのは1件だけで、
	// 残りは外部投稿に進まずに勝者のエントリを返す。
	now := time.Now()
	claim := &model.SyncLogEntry{
		ID:        uuid.New().String(),
		Action:    model.SyncActionPublish,
		Status:    model.SyncStatusPending,
		SourceID:  sourceID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	claimed, err := p.syncLog.ClaimPending(ctx, claim, now.Add(-pendingClaimTTL))
	if err != nil {
		return nil, err
	}
	if !claimed {
		return p.concedeToWinner(ctx, sourceID)
	}

	// クレーム取得と並行して別の配信が成功を確定させた場合に備えて再確認する。
	// 成功済みならクレームを手放して外部投稿には進まない。
	if existing, err := p.syncLog.FindSuccessBySourceID(ctx, sourceID); err == nil && existing != nil {
		if relErr := p.syncLog.ReleasePending(ctx, claim.ID); relErr != nil {
			p.logger.Error("クレームの解放に失敗しました",
				slog.String("source_id", sourceID),
				slog.String("error", relErr.Error()),
			)
		}
		p.metrics.RecordPublishDuplicate()
		p.logger.Info("公開済みの記事のため再投稿をスキップします",
			slog.String("source_id", sourceID),
			slog.String("target_uri", existing.TargetURI),
		)
		return existing, nil
	}

	// セッション取得
	client, err := p.sessions.AcquireClient(ctx, trigger.Article.AccountID)
	if err != nil {
		return p.recordFailure(ctx, trigger, claim, err, start)
	}

	// 変換と外部API呼び出し
	record := ToProtocolPost(trigger.Article, time.Now())
	ref, err := client.CreatePost(ctx, record)
	if err != nil {
		return p.recordFailure(ctx, trigger, claim, err, start)
	}

	// クレームを成功エントリに昇格する。クレームが回収されていた場合も
	// 成功の記録はinsert-if-absentで収束する。
	claim.TargetURI = ref.URI
	claim.TargetCID = ref.CID
	claim.UpdatedAt = time.Now()

	saved, err := p.syncLog.PromoteToSuccess(ctx, claim)
	if err != nil {
		return nil, err
	}

	duration := time.Since(start)
	p.metrics.RecordPublishSuccess()
	p.metrics.RecordPublishLatency(duration)
	p.logger.Info("記事を外部プロトコルに公開しました",
		slog.String("source_id", sourceID),
		slog.String("target_uri", saved.TargetURI),
		slog.String("origin", string(trigger.Origin)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return saved, nil
}

// concedeToWinner はクレームを取れなかった配信を重複として処理する。
// 勝者が確定済みなら成功エントリを、処理中なら最新のエントリを返す。
func (p *Pipeline) concedeToWinner(ctx context.Context, sourceID string) (*model.SyncLogEntry, error) {
	p.metrics.RecordPublishDuplicate()
	p.logger.Info("同一記事の公開が処理中のため重複配信をスキップします",
		slog.String("source_id", sourceID),
	)

	existing, err := p.syncLog.FindSuccessBySourceID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	entries, err := p.syncLog.ListBySourceID(ctx, sourceID, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		return entries[0], nil
	}
	return nil, fmt.Errorf("publish %s: winner entry not found after claim conflict", sourceID)
}

// recordFailure はクレーム済みエントリをエラーに昇格し、原因に応じたエラーを返す。
// retry_countは同一SourceIDの過去のエラーエントリの最大値+1（初回は0）。
func (p *Pipeline) recordFailure(ctx context.Context, trigger *Trigger, claim *model.SyncLogEntry, cause error, start time.Time) (*model.SyncLogEntry, error) {
	sourceID := trigger.Article.SourceID

	retryCount := 0
	if maxRetry, found, err := p.syncLog.MaxRetryCountBySourceID(ctx, sourceID); err != nil {
		p.logger.Error("retry_countの取得に失敗しました",
			slog.String("source_id", sourceID),
			slog.String("error", err.Error()),
		)
	} else if found {
		retryCount = maxRetry + 1
	}

	claim.Status = model.SyncStatusError
	claim.ErrorMessage = cause.Error()
	claim.RetryCount = retryCount
	claim.UpdatedAt = time.Now()

	if err := p.syncLog.PromoteToError(ctx, claim); err != nil {
		p.logger.Error("エラーへの昇格に失敗しました",
			slog.String("source_id", sourceID),
			slog.String("error", err.Error()),
		)
	}

	reason := classifyFailure(cause)
	p.metrics.RecordPublishFailure(reason)
	p.logger.Error("記事の公開に失敗しました",
		slog.String("source_id", sourceID),
		slog.String("reason", reason),
		slog.Int("retry_count", retryCount),
		slog.String("error", cause.Error()),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	switch {
	case errors.Is(cause, auth.ErrNoGrant):
		return claim, model.NewNoGrantError(trigger.Article.AccountID)
	case errors.Is(cause, auth.ErrRefreshFailed):
		return claim, model.NewRefreshFailedError(trigger.Article.AccountID)
	case errors.Is(cause, bluesky.ErrRetryable):
		return claim, model.NewPublishFailedError(cause.Error())
	default:
		return claim, fmt.Errorf("publish %s: %w", sourceID, cause)
	}
}

// classifyFailure はメトリクスラベル用に失敗原因を分類する。
func classifyFailure(err error) string {
	switch {
	case errors.Is(err, auth.ErrNoGrant):
		return "no_grant"
	case errors.Is(err, auth.ErrRefreshFailed):
		return "refresh_failed"
	case errors.Is(err, bluesky.ErrRetryable):
		return "retryable"
	default:
		return "other"
	}
}

// managerAcquirer は*auth.ManagerをSessionAcquirerに適合させるアダプタ。
type managerAcquirer struct {
	manager *auth.Manager
}

// NewManagerAcquirer はauth.Managerをパイプライン用のSessionAcquirerに包む。
func NewManagerAcquirer(manager *auth.Manager) SessionAcquirer {
	return &managerAcquirer{manager: manager}
}

// AcquireClient はauth.Manager.AcquireClientに委譲する。
func (a *managerAcquirer) AcquireClient(ctx context.Context, accountID string) (ProtocolClient, error) {
	client, err := a.manager.AcquireClient(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return client, nil
}
