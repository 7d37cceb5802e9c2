package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/civicbridge/internal/model"
)

// mockModerationService はモデレーションサービスのモック。
type mockModerationService struct {
	action   *model.CivicAction
	actions  []*model.CivicAction
	err      error
	gotID    string
	gotPin   bool
	gotLevel int
}

func (m *mockModerationService) Approve(ctx context.Context, id string) (*model.CivicAction, error) {
	m.gotID = id
	return m.action, m.err
}

func (m *mockModerationService) Reject(ctx context.Context, id string) (*model.CivicAction, error) {
	m.gotID = id
	return m.action, m.err
}

func (m *mockModerationService) SetPinned(ctx context.Context, id string, pinned bool) (*model.CivicAction, error) {
	m.gotID = id
	m.gotPin = pinned
	return m.action, m.err
}

func (m *mockModerationService) SetPriority(ctx context.Context, id string, priority int) (*model.CivicAction, error) {
	m.gotID = id
	m.gotLevel = priority
	return m.action, m.err
}

func (m *mockModerationService) ListApproved(ctx context.Context, limit int) ([]*model.CivicAction, error) {
	return m.actions, m.err
}

func approvedTestAction() *model.CivicAction {
	return &model.CivicAction{
		ID:         "action-1",
		Source:     "mobilize",
		ExternalID: "9001",
		Title:      "清掃ボランティア",
		StartsAt:   time.Now().Add(24 * time.Hour),
		Status:     model.ActionStatusApproved,
		Priority:   10,
	}
}

// actionTestRouter はURLパラメータ解決のためchiルーターにハンドラーをマウントする。
func actionTestRouter(h *ActionHandler) chi.Router {
	r := chi.NewRouter()
	r.Get("/api/actions", h.ListApproved)
	r.Post("/api/actions/{id}/approve", h.Approve)
	r.Post("/api/actions/{id}/reject", h.Reject)
	r.Put("/api/actions/{id}/pin", h.SetPinned)
	r.Put("/api/actions/{id}/priority", h.SetPriority)
	return r
}

// TestListApproved は承認済み一覧の正常系を検証する。
func TestListApproved(t *testing.T) {
	service := &mockModerationService{actions: []*model.CivicAction{approvedTestAction()}}
	router := actionTestRouter(NewActionHandler(service))

	req := httptest.NewRequest(http.MethodGet, "/api/actions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		Actions []actionResponse `json:"actions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(resp.Actions))
	}
	if resp.Actions[0].ID != "action-1" || resp.Actions[0].Status != "approved" {
		t.Errorf("action = %+v", resp.Actions[0])
	}
}

// TestApprove_Success は承認の正常系を検証する。
func TestApprove_Success(t *testing.T) {
	service := &mockModerationService{action: approvedTestAction()}
	router := actionTestRouter(NewActionHandler(service))

	req := httptest.NewRequest(http.MethodPost, "/api/actions/action-1/approve", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if service.gotID != "action-1" {
		t.Errorf("id = %q, want action-1", service.gotID)
	}
}

// TestApprove_NotFound は記録不在で404が返ることを検証する。
func TestApprove_NotFound(t *testing.T) {
	service := &mockModerationService{err: model.NewActionNotFoundError("missing")}
	router := actionTestRouter(NewActionHandler(service))

	req := httptest.NewRequest(http.MethodPost, "/api/actions/missing/approve", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// TestReject_InvalidTransition は承認済み記録の却下で409が返ることを検証する。
func TestReject_InvalidTransition(t *testing.T) {
	service := &mockModerationService{err: model.NewInvalidTransitionError(model.ActionStatusApproved)}
	router := actionTestRouter(NewActionHandler(service))

	req := httptest.NewRequest(http.MethodPost, "/api/actions/action-1/reject", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

// TestSetPinned_Success はピン留め設定の正常系を検証する。
func TestSetPinned_Success(t *testing.T) {
	service := &mockModerationService{action: approvedTestAction()}
	router := actionTestRouter(NewActionHandler(service))

	body := bytes.NewReader([]byte(`{"is_pinned":true}`))
	req := httptest.NewRequest(http.MethodPut, "/api/actions/action-1/pin", body)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !service.gotPin {
		t.Error("pinned = false, want true")
	}
}

// TestSetPinned_InvalidBody は不正なボディで400が返ることを検証する。
func TestSetPinned_InvalidBody(t *testing.T) {
	service := &mockModerationService{action: approvedTestAction()}
	router := actionTestRouter(NewActionHandler(service))

	req := httptest.NewRequest(http.MethodPut, "/api/actions/action-1/pin", bytes.NewReader([]byte("{bad")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// TestSetPriority_Success は優先度設定の正常系を検証する。
func TestSetPriority_Success(t *testing.T) {
	service := &mockModerationService{action: approvedTestAction()}
	router := actionTestRouter(NewActionHandler(service))

	body := bytes.NewReader([]byte(`{"priority":42}`))
	req := httptest.NewRequest(http.MethodPut, "/api/actions/action-1/priority", body)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if service.gotLevel != 42 {
		t.Errorf("priority = %d, want 42", service.gotLevel)
	}
}

// TestSetPriority_NotApproved は未承認記録への設定で409が返ることを検証する。
func TestSetPriority_NotApproved(t *testing.T) {
	service := &mockModerationService{err: model.NewNotApprovedError("action-2")}
	router := actionTestRouter(NewActionHandler(service))

	body := bytes.NewReader([]byte(`{"priority":5}`))
	req := httptest.NewRequest(http.MethodPut, "/api/actions/action-2/priority", body)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}
