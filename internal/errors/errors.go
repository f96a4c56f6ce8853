// Package errors defines the application error type shared across packages
package errors

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
)

// Kind classifies an error
type Kind string

const (
	KindIngestion          Kind = "ingestion"
	KindDateParse          Kind = "date_parse"
	KindUndefinedStatistic Kind = "undefined_statistic"
	KindDegenerateFit      Kind = "degenerate_fit"
	KindValidation         Kind = "validation"
	KindExternal           Kind = "external_api"
	KindStorage            Kind = "storage"
	KindIO                 Kind = "io"
	KindInternal           Kind = "internal"
)

// Kinder is implemented by domain errors that map onto a Kind
type Kinder interface {
	Kind() Kind
}

// AppError represents an application error with additional context
type AppError struct {
	Kind     Kind
	Code     string
	Message  string
	Internal error
	Context  map[string]interface{}
	Source   string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the internal error
func (e *AppError) Unwrap() error {
	return e.Internal
}

// Is matches another AppError by kind and code
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok {
		return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
	}
	return false
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// MarshalZerologObject lets an AppError be logged with Event.Object
func (e *AppError) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("kind", string(e.Kind)).
		Str("code", e.Code).
		Str("message", e.Message).
		Str("source", e.Source)
	if e.Internal != nil {
		ev.Str("internal", e.Internal.Error())
	}
	for k, v := range e.Context {
		ev.Interface(k, v)
	}
}

// New creates a new AppError
func New(kind Kind, code, message string) *AppError {
	return &AppError{
		Kind:    kind,
		Code:    code,
		Message: message,
		Source:  caller(),
		Context: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error into AppError
func Wrap(err error, kind Kind, code, message string) *AppError {
	return &AppError{
		Kind:     kind,
		Code:     code,
		Message:  message,
		Internal: err,
		Source:   caller(),
		Context:  make(map[string]interface{}),
	}
}

// KindOf returns the kind of err: an AppError's Kind, a domain error's Kind(),
// or KindInternal
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	var k Kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// IsKind reports whether err is of the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ExitCode maps an error kind to a process exit status
func ExitCode(err error) int {
	switch KindOf(err) {
	case "":
		return 0
	case KindValidation:
		return 2
	case KindIngestion, KindDateParse:
		return 3
	case KindUndefinedStatistic, KindDegenerateFit:
		return 4
	case KindExternal:
		return 5
	case KindStorage, KindIO:
		return 6
	}
	return 1
}

type kindedError struct {
	kind Kind
	msg  string
}

func (e *kindedError) Error() string { return e.msg }
func (e *kindedError) Kind() Kind    { return e.kind }

// Sentinel returns a comparable error value that reports the given kind
func Sentinel(kind Kind, msg string) error {
	return &kindedError{kind: kind, msg: msg}
}

// Is, As and Unwrap are re-exported so callers need only one errors import
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", file, line)
}
