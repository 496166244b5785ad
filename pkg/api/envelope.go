// Package api exposes the engines over RPC-style HTTP endpoints. Each
// manage_* endpoint accepts a JSON body with an "action" field and returns
// the uniform response envelope.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
)

// Envelope is the uniform response shape of every endpoint
type Envelope struct {
	Success bool           `json:"success"`
	Payload interface{}    `json:"payload,omitempty"`
	Error   *ErrorEnvelope `json:"error,omitempty"`
}

// ErrorEnvelope carries the classified error to the client unchanged
type ErrorEnvelope struct {
	Code        apperrors.Code         `json:"code"`
	Message     string                 `json:"message"`
	Recoverable bool                   `json:"recoverable,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// httpStatus maps a structured error code onto an HTTP status
func httpStatus(code apperrors.Code) int {
	switch code {
	case apperrors.CodeValidation, apperrors.CodeMissingCompletionSummary:
		return http.StatusBadRequest
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeForbidden:
		return http.StatusForbidden
	case apperrors.CodeConflict, apperrors.CodeStaleContext, apperrors.CodeDependencyCycle:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondOK(c *gin.Context, payload interface{}) {
	c.JSON(http.StatusOK, Envelope{Success: true, Payload: payload})
}

func respondError(c *gin.Context, err error) {
	e := apperrors.AsError(err)
	c.JSON(httpStatus(e.Code), Envelope{Success: false, Error: &ErrorEnvelope{
		Code:        e.Code,
		Message:     e.Message,
		Recoverable: e.Recoverable,
		Details:     e.Details,
	}})
}

func respondValidation(c *gin.Context, field, format string, args ...interface{}) {
	respondError(c, apperrors.Validation(field, format, args...))
}

// parseID parses a required uuid field from a request body
func parseID(field, value string) (uuid.UUID, error) {
	if value == "" {
		return uuid.Nil, apperrors.Validation(field, "%s is required", field)
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, apperrors.Validation(field, "%s is not a valid uuid: %q", field, value)
	}
	return id, nil
}

// parseOptionalID parses a uuid field that may be absent
func parseOptionalID(field, value string) (*uuid.UUID, error) {
	if value == "" {
		return nil, nil
	}
	id, err := parseID(field, value)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
