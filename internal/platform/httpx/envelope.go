package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/bazaar-market/api/internal/platform/requestctx"
)

// Envelope is the JSON body shape shared by every API response.
type Envelope struct {
	Success   bool         `json:"success"`
	Message   string       `json:"message"`
	Data      any          `json:"data,omitempty"`
	Errors    []FieldError `json:"errors,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
	TraceID   string       `json:"trace_id,omitempty"`
}

// FieldError points a validation failure at the offending input field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Error describes a failed request before it is rendered.
type Error struct {
	Status  int
	Message string
	Fields  []FieldError
}

// NewError constructs an Error, defaulting to 500.
func NewError(status int, message string) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{Status: status, Message: sanitize(message, 512)}
}

// WithField appends a field level failure.
func (e Error) WithField(field, message string) Error {
	fields := make([]FieldError, 0, len(e.Fields)+1)
	fields = append(fields, e.Fields...)
	e.Fields = append(fields, FieldError{Field: sanitize(field, 80), Message: sanitize(message, 256)})
	return e
}

// WriteSuccess renders a success envelope.
func WriteSuccess(w http.ResponseWriter, status int, message string, data any) {
	if status == 0 {
		status = http.StatusOK
	}
	WriteEnvelope(w, status, Envelope{Success: true, Message: message, Data: data})
}

// WriteError renders an error envelope carrying request correlation ids.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	message := err.Message
	if message == "" {
		message = http.StatusText(status)
	}
	WriteEnvelope(w, status, Envelope{
		Success:   false,
		Message:   message,
		Errors:    err.Fields,
		RequestID: sanitize(middleware.GetReqID(ctx), 80),
		TraceID:   sanitize(requestctx.TraceID(ctx), 64),
	})
}

// WriteEnvelope renders a prebuilt envelope.
func WriteEnvelope(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func sanitize(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
