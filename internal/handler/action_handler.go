package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/civicbridge/internal/model"
)

// defaultActionsPerPage は記録一覧の1回の取得件数（デフォルト）。
const defaultActionsPerPage = 100

// ModerationServiceInterface はモデレーションハンドラーが必要とするサービスインターフェース。
type ModerationServiceInterface interface {
	Approve(ctx context.Context, id string) (*model.CivicAction, error)
	Reject(ctx context.Context, id string) (*model.CivicAction, error)
	SetPinned(ctx context.Context, id string, pinned bool) (*model.CivicAction, error)
	SetPriority(ctx context.Context, id string, priority int) (*model.CivicAction, error)
	ListApproved(ctx context.Context, limit int) ([]*model.CivicAction, error)
}

// ActionHandler は市民アクション記録のモデレーションHTTPハンドラー。
type ActionHandler struct {
	service ModerationServiceInterface
}

// NewActionHandler はActionHandlerを生成する。
func NewActionHandler(service ModerationServiceInterface) *ActionHandler {
	return &ActionHandler{service: service}
}

// actionResponse は市民アクション記録のAPIレスポンス。
type actionResponse struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	ExternalID  string    `json:"external_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	StartsAt    time.Time `json:"starts_at"`
	Location    string    `json:"location"`
	Sponsor     string    `json:"sponsor"`
	URL         string    `json:"url"`
	Status      string    `json:"status"`
	IsPinned    bool      `json:"is_pinned"`
	Priority    int       `json:"priority"`
}

// toActionResponse はドメインの記録をAPIレスポンス型に変換する。
func toActionResponse(action *model.CivicAction) actionResponse {
	return actionResponse{
		ID:          action.ID,
		Source:      action.Source,
		ExternalID:  action.ExternalID,
		Title:       action.Title,
		Description: action.Description,
		Category:    action.Category,
		StartsAt:    action.StartsAt,
		Location:    action.Location,
		Sponsor:     action.Sponsor,
		URL:         action.URL,
		Status:      string(action.Status),
		IsPinned:    action.IsPinned,
		Priority:    action.Priority,
	}
}

// ListApproved は承認済み記録を表示順で返す。
// GET /api/actions
func (h *ActionHandler) ListApproved(w http.ResponseWriter, r *http.Request) {
	actions, err := h.service.ListApproved(r.Context(), defaultActionsPerPage)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]actionResponse, len(actions))
	for i, action := range actions {
		results[i] = toActionResponse(action)
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": results})
}

// Approve は承認待ちの記録を承認する。
// POST /api/actions/{id}/approve
func (h *ActionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	action, err := h.service.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(action))
}

// Reject は承認待ちの記録を却下する。
// POST /api/actions/{id}/reject
func (h *ActionHandler) Reject(w http.ResponseWriter, r *http.Request) {
	action, err := h.service.Reject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(action))
}

// pinRequest はピン留め設定リクエストのボディ。
type pinRequest struct {
	IsPinned bool `json:"is_pinned"`
}

// SetPinned は承認済み記録のピン留めを設定する。
// PUT /api/actions/{id}/pin
func (h *ActionHandler) SetPinned(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "is_pinned")
		return
	}

	action, err := h.service.SetPinned(r.Context(), chi.URLParam(r, "id"), req.IsPinned)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(action))
}

// priorityRequest は優先度設定リクエストのボディ。
type priorityRequest struct {
	Priority int `json:"priority"`
}

// SetPriority は承認済み記録の表示優先度を設定する。
// PUT /api/actions/{id}/priority
func (h *ActionHandler) SetPriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "priority")
		return
	}

	action, err := h.service.SetPriority(r.Context(), chi.URLParam(r, "id"), req.Priority)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(action))
}
