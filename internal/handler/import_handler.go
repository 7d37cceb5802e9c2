package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/civicbridge/internal/importer"
)

// ImportRunnerInterface はインポート実行のインターフェース。
type ImportRunnerInterface interface {
	Run(ctx context.Context, orgIDs []string) (*importer.Result, error)
}

// ImportHandler はインポートパスの手動実行HTTPハンドラー。
type ImportHandler struct {
	runner ImportRunnerInterface
	orgIDs []string
}

// NewImportHandler はImportHandlerを生成する。
func NewImportHandler(runner ImportRunnerInterface, orgIDs []string) *ImportHandler {
	return &ImportHandler{
		runner: runner,
		orgIDs: orgIDs,
	}
}

// Run はインポートパスを1回実行し、集計結果を返す。
// POST /api/import/run
func (h *ImportHandler) Run(w http.ResponseWriter, r *http.Request) {
	result, err := h.runner.Run(r.Context(), h.orgIDs)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
