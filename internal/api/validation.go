package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError represents a validation error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var tagMessages = map[string]string{
	"required": "is required",
	"max":      "is too long",
}

// validateRequest runs struct tag validation and reports per-field errors
func validateRequest(req interface{}) ValidationErrors {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ValidationErrors{{Field: "body", Message: err.Error()}}
	}

	result := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		msg, ok := tagMessages[fe.Tag()]
		if !ok {
			msg = fmt.Sprintf("failed '%s'", fe.Tag())
		}
		result = append(result, ValidationError{Field: fe.Field(), Message: msg})
	}
	return result
}

// decodeBody decodes a JSON body into req and validates it. It writes the
// error response and returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(req); err != nil {
		fail(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	if verrs := validateRequest(req); verrs.HasErrors() {
		failValidation(w, verrs)
		return false
	}
	return true
}

// Request bodies

type toggleRequest struct {
	Value *bool `json:"value" validate:"required"`
}

type commandRequest struct {
	Cmd  string      `json:"cmd" validate:"required,max=128"`
	Data interface{} `json:"data,omitempty"`
}

type scaffoldRequest struct {
	ID          string `json:"id" validate:"required,max=64"`
	Name        string `json:"name" validate:"max=128"`
	Author      string `json:"author" validate:"max=128"`
	Description string `json:"description" validate:"max=1024"`
}

type settingRequest struct {
	Value interface{} `json:"value"`
}
