// Package apierror defines the JSON error envelope returned by every HTTP
// endpoint and maps internal errors onto it.
//
//	{"error": {"code": "VALIDATION_ERROR", "message": "...", "request_id": "...", "details": {...}}}
//
// Unknown errors never leak their text to clients unless debug output is
// enabled for the environment.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/ellie/internal/resilience"
)

// Code is a stable machine-readable error identifier.
type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodePayloadTooLarge    Code = "PAYLOAD_TOO_LARGE"
	CodeUnsupportedMedia   Code = "UNSUPPORTED_MEDIA_TYPE"
	CodeVoiceProcessing    Code = "VOICE_PROCESSING_ERROR"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeCircuitOpen        Code = "CIRCUIT_BREAKER_OPEN"
	CodeRateLimited        Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Status returns the HTTP status for c.
func (c Code) Status() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUnsupportedMedia:
		return http.StatusUnsupportedMediaType
	case CodeVoiceProcessing:
		return http.StatusBadGateway
	case CodeServiceUnavailable, CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is the body of the error envelope. It also implements error so that
// handlers can return it through ordinary error paths.
type Error struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`

	cause error
}

// New returns an [Error] with the given code and client-facing message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap is [New] with an underlying cause that stays server-side.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetail returns a copy of e with key set in Details.
func (e *Error) WithDetail(key string, value any) *Error {
	out := *e
	out.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

// Envelope is the top-level JSON error body.
type Envelope struct {
	Error *Error `json:"error"`
}

// Converter is implemented by domain errors that know their envelope form,
// such as request validation errors.
type Converter interface {
	APIError() *Error
}

// FromError maps err to an envelope body and HTTP status. When debug is true
// the original error text is attached as details.debug.
func FromError(err error, requestID string, debug bool) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	out := classify(err)
	out.RequestID = requestID
	if debug && out.Code == CodeInternal {
		out = out.WithDetail("debug", err.Error())
	}
	return out, out.Code.Status()
}

func classify(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		cp := *apiErr
		return &cp
	}
	var conv Converter
	if errors.As(err, &conv) {
		if e := conv.APIError(); e != nil {
			return e
		}
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return New(CodePayloadTooLarge, "request body too large").
			WithDetail("limit_bytes", maxBytes.Limit)
	}

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return New(CodeCircuitOpen, "service temporarily unavailable")
	case errors.Is(err, resilience.ErrAllFailed):
		return New(CodeVoiceProcessing, "voice processing failed")
	case errors.Is(err, context.DeadlineExceeded):
		return New(CodeVoiceProcessing, "voice processing timed out")
	case errors.Is(err, context.Canceled):
		return New(CodeServiceUnavailable, "request cancelled")
	}
	return New(CodeInternal, "internal error")
}

// Write encodes the envelope for err and writes it with the mapped status.
func Write(w http.ResponseWriter, err error, requestID string, debug bool) {
	body, status := FromError(err, requestID, debug)
	if body == nil {
		return
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: body})
}
