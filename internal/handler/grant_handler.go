package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// GrantServiceInterface はグラント管理ハンドラーが必要とするサービスインターフェース。
type GrantServiceInterface interface {
	// Disconnect は連携アカウントのグラントを削除する。
	Disconnect(ctx context.Context, accountID string) error
}

// GrantHandler は連携アカウント管理のHTTPハンドラー。
type GrantHandler struct {
	service GrantServiceInterface
}

// NewGrantHandler はGrantHandlerを生成する。
func NewGrantHandler(service GrantServiceInterface) *GrantHandler {
	return &GrantHandler{service: service}
}

// Disconnect はアカウントの連携を解除する。
// DELETE /api/accounts/{accountID}/grant
func (h *GrantHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	if err := h.service.Disconnect(r.Context(), accountID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
