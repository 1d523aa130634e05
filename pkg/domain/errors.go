package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrContentRequired = NewErr("CONTENT_REQUIRED", "content is empty", http.StatusBadRequest)
	ErrInvalidFormat   = NewErr("INVALID_FORMAT", "invalid format", http.StatusBadRequest)
	ErrInvalidRequest  = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrEmptyTagQuery   = NewErr("EMPTY_TAG_QUERY", "tags parameter required", http.StatusBadRequest)
	ErrBotRejected     = NewErr("BOT_REJECTED", "bot check failed, this site is for humans", http.StatusForbidden)
	ErrForbidden       = NewErr("FORBIDDEN", "not your paste", http.StatusForbidden)
	ErrPasteNotFound   = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrPasteTooLarge   = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusRequestEntityTooLarge)
	ErrRateLimited     = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrStorage         = NewErr("STORAGE_ERROR", "we couldn't save that paste", http.StatusInternalServerError)
	ErrTransaction     = NewErr("TRANSACTION_ERROR", "we couldn't save that paste", http.StatusInternalServerError)
	ErrInternalServer  = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}

type ErrDetail struct {
	Code string `json:"code"`
	Msg  string `json:"message"`
}

// ToResp maps an error to its client-safe JSON body. Anything outside the
// taxonomy collapses to a generic internal error; driver/store detail never
// reaches the client.
func ToResp(err error) ErrResp {
	if e, ok := err.(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
