package handler

import (
	"context"
	"database/sql"
	"net/http"
	"time"
)

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	db *sql.DB
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(db *sql.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// Check はDB接続を確認してサービスの生存状態を返す。
// GET /health
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
