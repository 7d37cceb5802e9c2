package handler

import (
	"net/http"
	"strconv"

	"github.com/hitoshi/civicbridge/internal/model"
	"github.com/hitoshi/civicbridge/internal/repository"
)

// defaultSyncLogPerPage は同期ログ一覧の1回の取得件数（デフォルト）。
const defaultSyncLogPerPage = 50

// maxSyncLogPerPage は同期ログ一覧の1回の取得件数の上限。
const maxSyncLogPerPage = 200

// SyncLogHandler は同期ログの運用ビューHTTPハンドラー。
type SyncLogHandler struct {
	syncLog repository.SyncLogRepository
}

// NewSyncLogHandler はSyncLogHandlerを生成する。
func NewSyncLogHandler(syncLog repository.SyncLogRepository) *SyncLogHandler {
	return &SyncLogHandler{syncLog: syncLog}
}

// List は同期ログを新しい順に返す。
// GET /api/synclog?source_id=xxx&limit=50
func (h *SyncLogHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultSyncLogPerPage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxSyncLogPerPage {
		limit = maxSyncLogPerPage
	}

	var (
		entries []*model.SyncLogEntry
		err     error
	)
	if sourceID := r.URL.Query().Get("source_id"); sourceID != "" {
		entries, err = h.syncLog.ListBySourceID(r.Context(), sourceID, limit)
	} else {
		entries, err = h.syncLog.ListRecent(r.Context(), limit)
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]syncLogResponse, len(entries))
	for i, entry := range entries {
		results[i] = toSyncLogResponse(entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": results})
}
