// Package handler はHTTP APIのハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/civicbridge/internal/middleware"
	"github.com/hitoshi/civicbridge/internal/model"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// writeBadRequest はリクエストボディのデコード失敗を400で返す。
func writeBadRequest(w http.ResponseWriter, field string) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディが不正です: " + field,
		Category: "validation",
		Action:   "リクエストの形式を確認してください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidSignature:
		return http.StatusUnauthorized
	case model.ErrCodeInvalidArticle:
		return http.StatusBadRequest
	case model.ErrCodeNoGrant, model.ErrCodeRefreshFailed:
		return http.StatusConflict
	case model.ErrCodePublishFailed:
		return http.StatusBadGateway
	case model.ErrCodeActionNotFound, model.ErrCodeGrantNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidTransition, model.ErrCodeNotApproved:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
