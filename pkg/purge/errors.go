package purge

import (
	"errors"
	"fmt"
)

// ErrorCode classifies request-shape errors.
type ErrorCode int

const (
	// ErrCodeEmptyRequest means the request named no feeds or keys.
	ErrCodeEmptyRequest ErrorCode = iota + 1

	// ErrCodeBatchTooLarge means the request exceeded the bulk cap.
	ErrCodeBatchTooLarge

	// ErrCodeInvalid means an id or key was malformed.
	ErrCodeInvalid
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeEmptyRequest:
		return "empty_request"
	case ErrCodeBatchTooLarge:
		return "batch_too_large"
	case ErrCodeInvalid:
		return "invalid_request"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// RequestError rejects a whole request before any side effect.
//
// Per-item failures are never reported this way; they end up in the failed
// half of an outcome instead.
type RequestError struct {
	Code    ErrorCode
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newRequestError(code ErrorCode, format string, args ...any) *RequestError {
	return &RequestError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsRequestError reports whether err is a *RequestError with the given code.
func IsRequestError(err error, code ErrorCode) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.Code == code
}
