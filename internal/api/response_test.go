package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/nova-desk/nova/internal/bridge"
	"github.com/nova-desk/nova/internal/manifest"
	"github.com/nova-desk/nova/internal/packaging"
	"github.com/nova-desk/nova/internal/plugin"
)

func decodeRecorder(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var response Response
	if err := json.NewDecoder(w.Result().Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return response
}

func TestReply(t *testing.T) {
	w := httptest.NewRecorder()
	reply(w, http.StatusCreated, map[string]string{"id": "demo"})

	if w.Code != http.StatusCreated {
		t.Errorf("Expected status %d, got %d", http.StatusCreated, w.Code)
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", w.Header().Get("Content-Type"))
	}
	response := decodeRecorder(t, w)
	if !response.Success || response.Error != nil {
		t.Errorf("Expected a successful reply, got %+v", response)
	}
}

func TestReplyList(t *testing.T) {
	handler := middleware.RequestID(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		replyList(rw, r, []string{"alpha", "beta"}, 2)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/plugins", nil))

	response := decodeRecorder(t, w)
	if response.Meta == nil {
		t.Fatal("Response should have meta")
	}
	if response.Meta.Total != 2 {
		t.Errorf("Expected total 2, got %d", response.Meta.Total)
	}
	if response.Meta.RequestID == "" {
		t.Error("Expected request id in meta")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid id", manifest.CheckID(".."), http.StatusBadRequest, CodeInvalidID},
		{"invalid id on export", &packaging.ExportError{Reason: "bad", Err: packaging.ErrInvalidID}, http.StatusBadRequest, CodeInvalidID},
		{"invalid id on load", &plugin.LoadError{ID: "", Err: manifest.CheckID("")}, http.StatusBadRequest, CodeInvalidID},
		{"not loaded", fmt.Errorf("demo: %w", plugin.ErrNotLoaded), http.StatusNotFound, CodeNotFound},
		{"manifest missing", &plugin.LoadError{ID: "ghost", Err: manifest.ErrNotFound}, http.StatusNotFound, CodeNotFound},
		{"export missing", &packaging.ExportError{Reason: "gone", Err: packaging.ErrPluginNotFound}, http.StatusNotFound, CodeNotFound},
		{"unknown setting", fmt.Errorf("demo: %w", plugin.ErrUnknownSetting), http.StatusNotFound, CodeUnknownSetting},
		{"already exists", &packaging.ImportError{Reason: "exists", Err: packaging.ErrAlreadyExists}, http.StatusConflict, CodeAlreadyExists},
		{"not connected", bridge.ErrNotConnected, http.StatusConflict, CodeNotConnected},
		{"import", &packaging.ImportError{Reason: "no manifest", Err: packaging.ErrNoManifest}, http.StatusBadRequest, CodeImportFailed},
		{"load", &plugin.LoadError{ID: "demo", Err: errors.New("panicked")}, http.StatusUnprocessableEntity, CodeLoadFailed},
		{"start", &plugin.StartError{ID: "demo", Err: plugin.ErrStartTimeout}, http.StatusInternalServerError, CodeStartFailed},
		{"delete", &plugin.DeleteError{ID: "demo", Err: errors.New("locked")}, http.StatusInternalServerError, CodeDeleteFailed},
		{"export", &packaging.ExportError{Reason: "disk full", Err: errors.New("disk full")}, http.StatusInternalServerError, CodeExportFailed},
		{"other", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := classify(tt.err)
			if status != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, status)
			}
			if code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, code)
			}
		})
	}
}

func TestFailPlugin(t *testing.T) {
	w := httptest.NewRecorder()
	failPlugin(w, "demo", &plugin.DeleteError{ID: "demo", Err: errors.New("file is locked")})

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
	response := decodeRecorder(t, w)
	if response.Success || response.Error == nil {
		t.Fatal("Expected an error reply")
	}
	if response.Error.Plugin != "demo" {
		t.Errorf("Expected plugin demo, got %q", response.Error.Plugin)
	}
	if response.Error.Message != "Failed to remove plugin files: file is locked" {
		t.Errorf("Unexpected message: %s", response.Error.Message)
	}
}

func TestFailValidation(t *testing.T) {
	w := httptest.NewRecorder()
	failValidation(w, ValidationErrors{
		{Field: "id", Message: "is required"},
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	response := decodeRecorder(t, w)
	if response.Error == nil || response.Error.Code != CodeValidation {
		t.Fatalf("Expected validation error, got %+v", response.Error)
	}
	if len(response.Error.Details) != 1 || response.Error.Details[0].Field != "id" {
		t.Errorf("Expected id detail, got %+v", response.Error.Details)
	}
}
