// Package apperr defines the error kinds surfaced by the analysis pipeline
// and their mapping onto HTTP status classes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindDecode
	KindShape
	KindRank
	KindRetrieval
	KindTimeout
	KindUnavailable
	KindSaliency
)

func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindShape:
		return "shape"
	case KindRank:
		return "rank"
	case KindRetrieval:
		return "retrieval"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindSaliency:
		return "saliency"
	default:
		return "internal"
	}
}

// Error is a classified pipeline failure. Detail is safe to show to callers;
// Err carries the underlying cause for logs.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Detail
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil && e.Detail != "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind alone, e.g. errors.Is(err, apperr.ErrUnavailable).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Detail == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrDecode      = &Error{Kind: KindDecode}
	ErrShape       = &Error{Kind: KindShape}
	ErrRank        = &Error{Kind: KindRank}
	ErrRetrieval   = &Error{Kind: KindRetrieval}
	ErrTimeout     = &Error{Kind: KindTimeout}
	ErrUnavailable = &Error{Kind: KindUnavailable}
	ErrSaliency    = &Error{Kind: KindSaliency}
	ErrInternal    = &Error{Kind: KindInternal}
)

func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Detail returns the caller-facing message for err. Unclassified errors are
// reported opaquely.
func Detail(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal {
		return "Analysis failed: internal error"
	}
	if e.Detail != "" {
		return e.Detail
	}
	return e.Error()
}

func Status(err error) int {
	switch KindOf(err) {
	case KindDecode, KindShape, KindRank, KindRetrieval:
		return http.StatusBadRequest
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
