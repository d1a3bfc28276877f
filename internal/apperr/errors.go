// Package apperr defines the error envelopes shared by the stores, the
// delivery engine and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	CodeValidation    = "WEBHOOK_VALIDATION"
	CodeNotFound      = "WEBHOOK_NOT_FOUND"
	CodeForbidden     = "WEBHOOK_FORBIDDEN"
	CodeUnauthorized  = "WEBHOOK_UNAUTHORIZED"
	CodeTransport     = "DELIVERY_TRANSPORT"
	CodeStateConflict = "DELIVERY_STATE_CONFLICT"
	CodeCapacity      = "DISPATCH_CAPACITY"
	CodeRateLimited   = "RATE_LIMITED"
	CodeInternal      = "INTERNAL"
)

// Validation reports a malformed input field.
func Validation(field, message string) *goerrors.Error {
	return goerrors.NewValidation(fmt.Sprintf("%s: %s", field, message), goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(CodeValidation).
		WithSeverity(goerrors.SeverityError)
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *goerrors.Error {
	return goerrors.New(fmt.Sprintf("%s %q not found", entity, id), goerrors.CategoryNotFound).
		WithCode(http.StatusNotFound).
		WithTextCode(CodeNotFound).
		WithMetadata(map[string]any{"entity": entity, "id": id})
}

// Forbidden reports an entity owned by another principal.
func Forbidden(message string) *goerrors.Error {
	return goerrors.New(message, goerrors.CategoryAuthz).
		WithCode(http.StatusForbidden).
		WithTextCode(CodeForbidden)
}

// Unauthorized reports a missing or invalid credential.
func Unauthorized(message string) *goerrors.Error {
	return goerrors.New(message, goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(CodeUnauthorized)
}

// Transport wraps a network failure talking to a target endpoint.
func Transport(err error, target string) *goerrors.Error {
	return goerrors.Wrap(err, goerrors.CategoryExternal, "delivery transport failed").
		WithCode(http.StatusBadGateway).
		WithTextCode(CodeTransport).
		WithMetadata(map[string]any{"target": target})
}

// StateConflict reports a terminal update on a row that is no longer pending.
func StateConflict(logID, current string) *goerrors.Error {
	return goerrors.New(fmt.Sprintf("delivery log %q is already %s", logID, current), goerrors.CategoryConflict).
		WithCode(http.StatusConflict).
		WithTextCode(CodeStateConflict).
		WithMetadata(map[string]any{"log_id": logID, "status": current})
}

// Capacity reports a full dispatch queue.
func Capacity(message string) *goerrors.Error {
	return goerrors.New(message, goerrors.CategoryRateLimit).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(CodeCapacity)
}

// RateLimited reports a caller over its request budget.
func RateLimited(key string) *goerrors.Error {
	return goerrors.New("rate limit exceeded", goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(CodeRateLimited).
		WithMetadata(map[string]any{"key": key})
}

// Internal wraps an unexpected failure, typically from a storage driver.
func Internal(err error, message string) *goerrors.Error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, message).
		WithCode(http.StatusInternalServerError).
		WithTextCode(CodeInternal)
}

// From returns the rich envelope for err, wrapping plain errors as internal.
func From(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		if rich.Code == 0 {
			rich.Code = httpStatus(rich.Category)
		}
		if strings.TrimSpace(rich.TextCode) == "" {
			rich.TextCode = CodeInternal
		}
		return rich
	}
	return Internal(err, "unexpected error")
}

func hasCode(err error, code string) bool {
	var rich *goerrors.Error
	return errors.As(err, &rich) && rich.TextCode == code
}

func IsValidation(err error) bool    { return hasCode(err, CodeValidation) }
func IsNotFound(err error) bool      { return hasCode(err, CodeNotFound) }
func IsForbidden(err error) bool     { return hasCode(err, CodeForbidden) }
func IsStateConflict(err error) bool { return hasCode(err, CodeStateConflict) }
func IsCapacity(err error) bool      { return hasCode(err, CodeCapacity) }
func IsTransport(err error) bool     { return hasCode(err, CodeTransport) }

func httpStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
