package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/nova-desk/nova/internal/bridge"
	"github.com/nova-desk/nova/internal/manifest"
	"github.com/nova-desk/nova/internal/packaging"
	"github.com/nova-desk/nova/internal/plugin"
)

// Error codes carried in ErrorInfo.Code
const (
	CodeBadRequest     = "BAD_REQUEST"
	CodeValidation     = "VALIDATION_ERROR"
	CodeInvalidID      = "INVALID_ID"
	CodeNotFound       = "NOT_FOUND"
	CodeUnknownSetting = "UNKNOWN_SETTING"
	CodeAlreadyExists  = "ALREADY_EXISTS"
	CodeNotConnected   = "NOT_CONNECTED"
	CodeImportFailed   = "IMPORT_FAILED"
	CodeLoadFailed     = "LOAD_FAILED"
	CodeStartFailed    = "START_FAILED"
	CodeDeleteFailed   = "DELETE_FAILED"
	CodeExportFailed   = "EXPORT_FAILED"
	CodeReadOnly       = "READ_ONLY"
	CodeInternal       = "INTERNAL_ERROR"
)

// Response is the envelope of every JSON reply
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorInfo describes a failed request. Plugin names the plugin the failure
// belongs to, when there is one.
type ErrorInfo struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Plugin  string            `json:"plugin,omitempty"`
	Details []ValidationError `json:"details,omitempty"`
}

// Meta carries list metadata
type Meta struct {
	Total     int    `json:"total"`
	RequestID string `json:"request_id,omitempty"`
}

func writeResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// reply writes data with a 2xx status
func reply(w http.ResponseWriter, status int, data interface{}) {
	writeResponse(w, status, Response{Success: true, Data: data})
}

// replyList writes a list with its length and the request id
func replyList(w http.ResponseWriter, r *http.Request, items interface{}, total int) {
	writeResponse(w, http.StatusOK, Response{
		Success: true,
		Data:    items,
		Meta:    &Meta{Total: total, RequestID: middleware.GetReqID(r.Context())},
	})
}

// fail writes an error reply that belongs to no particular plugin
func fail(w http.ResponseWriter, status int, code, message string) {
	writeResponse(w, status, Response{Error: &ErrorInfo{Code: code, Message: message}})
}

func failValidation(w http.ResponseWriter, details ValidationErrors) {
	writeResponse(w, http.StatusBadRequest, Response{Error: &ErrorInfo{
		Code:    CodeValidation,
		Message: "Request validation failed",
		Details: details,
	}})
}

// failPlugin writes the reply for an error returned by a plugin operation
func failPlugin(w http.ResponseWriter, id string, err error) {
	status, code := classify(err)
	writeResponse(w, status, Response{Error: &ErrorInfo{
		Code:    code,
		Message: err.Error(),
		Plugin:  id,
	}})
}

// classify maps manager, packaging and bridge errors to a status and code.
// Sentinels are checked before the operation wrappers that may carry them.
func classify(err error) (int, string) {
	var (
		loadErr   *plugin.LoadError
		startErr  *plugin.StartError
		deleteErr *plugin.DeleteError
		importErr *packaging.ImportError
		exportErr *packaging.ExportError
	)

	switch {
	case errors.Is(err, manifest.ErrInvalidID):
		return http.StatusBadRequest, CodeInvalidID
	case errors.Is(err, plugin.ErrUnknownSetting):
		return http.StatusNotFound, CodeUnknownSetting
	case errors.Is(err, plugin.ErrNotLoaded), errors.Is(err, manifest.ErrNotFound), errors.Is(err, packaging.ErrPluginNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, packaging.ErrAlreadyExists):
		return http.StatusConflict, CodeAlreadyExists
	case errors.Is(err, bridge.ErrNotConnected):
		return http.StatusConflict, CodeNotConnected
	case errors.As(err, &importErr):
		return http.StatusBadRequest, CodeImportFailed
	case errors.As(err, &loadErr):
		return http.StatusUnprocessableEntity, CodeLoadFailed
	case errors.As(err, &startErr):
		return http.StatusInternalServerError, CodeStartFailed
	case errors.As(err, &deleteErr):
		return http.StatusInternalServerError, CodeDeleteFailed
	case errors.As(err, &exportErr):
		return http.StatusInternalServerError, CodeExportFailed
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
