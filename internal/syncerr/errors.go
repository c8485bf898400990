package syncerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindWatermarkGap       Kind = "watermark_gap"
	KindRetriableTransport Kind = "retriable_transport"
	KindTimeout            Kind = "timeout"
	KindPaginationLoop     Kind = "pagination_loop"
	KindIO                 Kind = "io"
	KindInternal           Kind = "internal"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrWatermarkGap       = errors.New("watermark gap")
	ErrRetriableTransport = errors.New("retriable transport error")
	ErrTimeout            = errors.New("timeout")
	ErrPaginationLoop     = errors.New("pagination loop")
	ErrIO                 = errors.New("io error")
)

var sentinels = map[Kind]error{
	KindValidation:         ErrValidation,
	KindNotFound:           ErrNotFound,
	KindWatermarkGap:       ErrWatermarkGap,
	KindRetriableTransport: ErrRetriableTransport,
	KindTimeout:            ErrTimeout,
	KindPaginationLoop:     ErrPaginationLoop,
	KindIO:                 ErrIO,
}

// Error is the structured failure surfaced to callers. Kind drives handling,
// Message is safe to show to a user.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Kind]
	return ok && target == sentinel
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Timeout(format string, args ...any) *Error {
	return New(KindTimeout, format, args...)
}

type WatermarkGapError struct {
	Login    string
	Expected string
	Actual   string
}

func (e *WatermarkGapError) Error() string {
	return fmt.Sprintf("watermark gap for %s: resume point %q does not match latest event id %q", e.Login, e.Expected, e.Actual)
}

func (e *WatermarkGapError) Is(target error) bool {
	return target == ErrWatermarkGap
}

type PaginationLoopError struct {
	Cursor string
	Pages  int
}

func (e *PaginationLoopError) Error() string {
	return fmt.Sprintf("pagination loop: cursor %q repeated after %d pages", e.Cursor, e.Pages)
}

func (e *PaginationLoopError) Is(target error) bool {
	return target == ErrPaginationLoop
}

// TransportError is a classified remote failure. Status 0 and -1 stand for a
// lost connection.
type TransportError struct {
	Status  int
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport status %d: %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("transport status %d: %s", e.Status, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrRetriableTransport && e.Retriable()
}

func (e *TransportError) Retriable() bool {
	switch e.Status {
	case 0, -1, 503, 504:
		return true
	}
	return false
}

// KindOf reports the structured kind of err, or KindInternal when err carries
// none of the known kinds.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var structured *Error
	if errors.As(err, &structured) {
		return structured.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// Public converts err into the kind+message form returned to callers.
func Public(err error) *Error {
	if err == nil {
		return nil
	}
	var structured *Error
	if errors.As(err, &structured) {
		return &Error{Kind: structured.Kind, Message: structured.Message}
	}
	return &Error{Kind: KindOf(err), Message: err.Error()}
}
