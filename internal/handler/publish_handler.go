package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/hitoshi/civicbridge/internal/model"
	"github.com/hitoshi/civicbridge/internal/publish"
)

// maxWebhookBodyBytes はWebhookボディの最大サイズ。
const maxWebhookBodyBytes = 1 << 20 // 1MB

// signatureHeader はCMSが署名を載せるHTTPヘッダー。
const signatureHeader = "X-Webhook-Signature"

// PublisherInterface は公開パイプラインのインターフェース。
type PublisherInterface interface {
	Publish(ctx context.Context, trigger *publish.Trigger) (*model.SyncLogEntry, error)
}

// PublishHandler はWebhook受信と手動公開のHTTPハンドラー。
type PublishHandler struct {
	pipeline PublisherInterface
}

// NewPublishHandler はPublishHandlerを生成する。
func NewPublishHandler(pipeline PublisherInterface) *PublishHandler {
	return &PublishHandler{pipeline: pipeline}
}

// syncLogResponse は同期ログエントリのAPIレスポンス。
type syncLogResponse struct {
	ID           string    `json:"id"`
	Action       string    `json:"action"`
	Status       string    `json:"status"`
	SourceID     string    `json:"source_id"`
	TargetURI    string    `json:"target_uri,omitempty"`
	TargetCID    string    `json:"target_cid,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RetryCount   int       `json:"retry_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// toSyncLogResponse はドメインのエントリをAPIレスポンス型に変換する。
func toSyncLogResponse(entry *model.SyncLogEntry) syncLogResponse {
	return syncLogResponse{
		ID:           entry.ID,
		Action:       string(entry.Action),
		Status:       string(entry.Status),
		SourceID:     entry.SourceID,
		TargetURI:    entry.TargetURI,
		TargetCID:    entry.TargetCID,
		ErrorMessage: entry.ErrorMessage,
		RetryCount:   entry.RetryCount,
		CreatedAt:    entry.CreatedAt,
	}
}

// ReceiveWebhook はCMSの記事公開Webhookを受信する。
// POST /webhooks/cms
//
// 署名は生ボディに対して検証するため、デコードより先にボディ全体を読む。
func (h *PublishHandler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		handleServiceError(w, model.NewInvalidArticleError("body"))
		return
	}

	var article model.Article
	if err := json.Unmarshal(body, &article); err != nil {
		handleServiceError(w, model.NewInvalidArticleError("body"))
		return
	}

	entry, err := h.pipeline.Publish(r.Context(), &publish.Trigger{
		Origin:    publish.OriginWebhook,
		Article:   &article,
		RawBody:   body,
		Signature: r.Header.Get(signatureHeader),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// 重複配信の場合も既存エントリを200で返す（CMS側の再送を止めるため）
	writeJSON(w, http.StatusOK, toSyncLogResponse(entry))
}

// PublishManually は管理画面からの手動（再）公開を実行する。
// POST /api/publish
func (h *PublishHandler) PublishManually(w http.ResponseWriter, r *http.Request) {
	var article model.Article
	if err := json.NewDecoder(r.Body).Decode(&article); err != nil {
		handleServiceError(w, model.NewInvalidArticleError("body"))
		return
	}

	entry, err := h.pipeline.Publish(r.Context(), &publish.Trigger{
		Origin:  publish.OriginManual,
		Article: &article,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSyncLogResponse(entry))
}
