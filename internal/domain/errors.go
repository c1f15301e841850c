package domain

import "errors"

// Sentinel errors for the failure taxonomy. Handlers match with errors.Is and
// map to the stable wire codes below; anything unmatched reads as internal.
var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidState = errors.New("invalid state")
	ErrBadRequest   = errors.New("bad request")
	ErrTimeout      = errors.New("timeout")
	ErrCancelled    = errors.New("cancelled")
	ErrInternal     = errors.New("internal error")
)

// Wire error codes.
const (
	CodeNotFound     = "not_found"
	CodeForbidden    = "forbidden"
	CodeInvalidState = "invalid_state"
	CodeBadRequest   = "bad_request"
	CodeTimeout      = "timeout"
	CodeCancelled    = "cancelled"
	CodeInternal     = "internal"
)

// ErrorCode maps an error to its stable wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	default:
		return CodeInternal
	}
}
