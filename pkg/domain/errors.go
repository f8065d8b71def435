package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound       = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrPasteTooLarge       = NewErr("PASTE_TOO_LARGE", "content too large", http.StatusBadRequest)
	ErrContentRequired     = NewErr("CONTENT_REQUIRED", "content cannot be empty", http.StatusBadRequest)
	ErrInvalidContent      = NewErr("INVALID_CONTENT", "content contains invalid characters", http.StatusBadRequest)
	ErrInvalidRequest      = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrRateLimitExceeded   = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrDuplicateID         = NewErr("DUPLICATE_ID", "paste id already exists", http.StatusInternalServerError)
	ErrConstraintViolation = NewErr("CONSTRAINT_VIOLATION", "expiry must be after creation time", http.StatusInternalServerError)
	ErrCreationFailed      = NewErr("CREATION_FAILED", "failed to create paste", http.StatusInternalServerError)
	ErrStoreUnavailable    = NewErr("STORE_UNAVAILABLE", "storage temporarily unavailable", http.StatusServiceUnavailable)
	ErrInternalServer      = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

// Err is a coded error. Two Errs match under errors.Is when their codes are equal,
// so a copy carrying a cause still matches its sentinel.
type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
	cause  error
}

func (e *Err) Error() string {
	if e.cause != nil {
		return e.Msg + ": " + e.cause.Error()
	}
	return e.Msg
}
func (e *Err) Unwrap() error { return e.cause }
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	return ok && t.Code == e.Code
}
func (e *Err) WithCause(err error) *Err {
	cp := *e
	cp.cause = err
	return &cp
}
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	var e *Err
	if errors.As(err, &e) {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: ErrInternalServer.Code, Msg: ErrInternalServer.Msg}}
}
func Status(err error) int {
	var e *Err
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

// IsValidation reports whether err was caused by the caller's input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrContentRequired) ||
		errors.Is(err, ErrInvalidContent) ||
		errors.Is(err, ErrPasteTooLarge) ||
		errors.Is(err, ErrInvalidRequest)
}
