package errors

import (
	"errors"
	"net/http"
	"strings"
)

type ErrCode string

const (
	ErrCodeNotImplemented      ErrCode = "NotImplemented"
	ErrCodeNotFound            ErrCode = "NotFound"
	ErrCodeExpiredByHits       ErrCode = "ExpiredByHits"
	ErrCodeExpiredByTime       ErrCode = "ExpiredByTime"
	ErrCodeRoomNotFound        ErrCode = "RoomNotFound"
	ErrCodeRoomExpired         ErrCode = "RoomExpired"
	ErrCodeServiceFailure      ErrCode = "ServiceFailure"
	ErrCodeUpstreamUnavailable ErrCode = "UpstreamUnavailable"
	ErrCodeAPIBadRequest       ErrCode = "BadRequest"
	ErrCodeExisted             ErrCode = "Existed"
	ErrCodeOversized           ErrCode = "Oversized"
	ErrCodeUnauthorized        ErrCode = "Unauthorized"
)

// Reasons reported to callers when a read fails. They are part of the API contract.
const (
	ReasonNotFound     = "not_found"
	ReasonExpiredHits  = "expired_hits"
	ReasonExpiredTime  = "expired_time"
	ReasonRoomNotFound = "room_not_found"
	ReasonRoomExpired  = "room_expired"
)

type Err struct {
	Code  ErrCode
	msg   string
	cause error
}

func (e *Err) Error() string {
	return e.msg
}

// Trace returns the stacktrace associated with the error
func (e *Err) Trace() string {
	b := &strings.Builder{}
	b.WriteString(e.msg)
	indent := "\n\t"
	err := errors.Unwrap(e)
	for err != nil {
		b.WriteString(indent)
		b.WriteString("Caused by: ")
		b.WriteString(err.Error())
		err = errors.Unwrap(err)
		indent += "\t"
	}
	return b.String()
}

func (e *Err) Unwrap() error {
	return e.cause
}

func (e *Err) WithCause(c error) *Err {
	e.cause = c
	return e
}

func (e *Err) WithMsg(m string) *Err {
	e.msg = m
	return e
}

// prefer NewX(msg) over NewX(msg, cause) since the latter's method signature has less readability - user
// needs to look up docs to know the 2nd param is for cause, while the first one can use WithCause() to be
// explicit
func NewServiceFailure(m string) *Err {
	return &Err{Code: ErrCodeServiceFailure, msg: m}
}

func NewUpstreamUnavailable(m string) *Err {
	return &Err{Code: ErrCodeUpstreamUnavailable, msg: m}
}

func NewNotFound(m string) *Err {
	return &Err{Code: ErrCodeNotFound, msg: m}
}

func NewExpiredByHits(m string) *Err {
	return &Err{Code: ErrCodeExpiredByHits, msg: m}
}

func NewExpiredByTime(m string) *Err {
	return &Err{Code: ErrCodeExpiredByTime, msg: m}
}

func NewRoomNotFound(m string) *Err {
	return &Err{Code: ErrCodeRoomNotFound, msg: m}
}

func NewRoomExpired(m string) *Err {
	return &Err{Code: ErrCodeRoomExpired, msg: m}
}

func NewBadInput(m string) *Err {
	return &Err{Code: ErrCodeAPIBadRequest, msg: m}
}

func NewExisted(m string) *Err {
	return &Err{Code: ErrCodeExisted, msg: m}
}

func NewUnauthorized(m string) *Err {
	return &Err{Code: ErrCodeUnauthorized, msg: m}
}

func NewOversized() *Err {
	return &Err{Code: ErrCodeOversized, msg: "data oversized"}
}

func NewNotImplemented() *Err {
	return &Err{Code: ErrCodeNotImplemented, msg: "Not implemented"}
}

// FromReason maps a read failure reason back to its error. Unknown reasons map to not found.
func FromReason(reason, m string) *Err {
	switch reason {
	case ReasonExpiredHits:
		return NewExpiredByHits(m)
	case ReasonExpiredTime:
		return NewExpiredByTime(m)
	case ReasonRoomExpired:
		return NewRoomExpired(m)
	case ReasonRoomNotFound:
		return NewRoomNotFound(m)
	default:
		return NewNotFound(m)
	}
}

// Reason returns the caller-facing reason of a read failure, or an empty string if the error is not one.
func (e *Err) Reason() string {
	switch e.Code {
	case ErrCodeNotFound:
		return ReasonNotFound
	case ErrCodeExpiredByHits:
		return ReasonExpiredHits
	case ErrCodeExpiredByTime:
		return ReasonExpiredTime
	case ErrCodeRoomNotFound:
		return ReasonRoomNotFound
	case ErrCodeRoomExpired:
		return ReasonRoomExpired
	default:
		return ""
	}
}

// Terminal reports whether the error describes a final state of an object or room, i.e. retrying can
// never turn it into a success.
func (e *Err) Terminal() bool {
	return e.Reason() != ""
}

// StatusCode returns the http response status code associated with the Err value
func (e *Err) StatusCode() int {
	switch e.Code {
	case ErrCodeNotFound, ErrCodeRoomNotFound, ErrCodeExpiredByHits, ErrCodeExpiredByTime:
		return http.StatusNotFound
	case ErrCodeRoomExpired:
		return http.StatusGone
	case ErrCodeAPIBadRequest:
		return http.StatusBadRequest
	case ErrCodeOversized:
		return http.StatusRequestEntityTooLarge
	case ErrCodeExisted:
		return http.StatusForbidden
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// As extracts an *Err from the chain of err, if any.
func As(err error) (*Err, bool) {
	var e *Err
	ok := errors.As(err, &e)
	return e, ok
}
