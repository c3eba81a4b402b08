// Package errors defines the coded errors shared by the cache, the syncer,
// and the sync server. Callers branch on Code; the CLI maps codes to exit
// statuses and the server maps them to HTTP statuses.
package errors

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
)

// ErrorCode classifies an Error.
type ErrorCode string

const (
	ErrCodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeDeserialization    ErrorCode = "DESERIALIZATION"

	ErrCodePartialSync ErrorCode = "PARTIAL_SYNC_FAILURE"
	ErrCodeTransport   ErrorCode = "TRANSPORT"

	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigParse   ErrorCode = "CONFIG_PARSE"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Error is a coded error with optional context fields.
type Error struct {
	Code       ErrorCode
	Message    string
	Underlying error
	Context    map[string]any
	Retryable  bool

	// Op is the function that created the error.
	Op string
}

func build(code ErrorCode, message string, underlying error) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Underlying: underlying,
		Op:         caller(3),
	}
}

func New(code ErrorCode, message string) *Error {
	return build(code, message, nil)
}

func Newf(code ErrorCode, format string, args ...any) *Error {
	return build(code, fmt.Sprintf(format, args...), nil)
}

// Wrap attaches code and message to err. Wrap(nil, ...) is nil.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return build(code, message, err)
}

// WithContext records a field shown in Error() and in logs.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func (e *Error) IsRetryable() bool { return e.Retryable }

func (e *Error) Unwrap() error { return e.Underlying }

// Error renders "[CODE] message {k: v, ...}: underlying".
func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Code, e.Message)

	if keys := e.contextKeys(); len(keys) > 0 {
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s: %v", k, e.Context[k])
		}
		sb.WriteString("}")
	}
	if e.Underlying != nil {
		fmt.Fprintf(&sb, ": %v", e.Underlying)
	}
	return sb.String()
}

// LogValue groups the error's fields when passed to slog.
func (e *Error) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("code", string(e.Code)),
		slog.String("msg", e.Message),
	}
	if e.Retryable {
		attrs = append(attrs, slog.Bool("retryable", true))
	}
	for _, k := range e.contextKeys() {
		attrs = append(attrs, slog.Any(k, e.Context[k]))
	}
	if e.Underlying != nil {
		attrs = append(attrs, slog.String("cause", e.Underlying.Error()))
	}
	if e.Op != "" {
		attrs = append(attrs, slog.String("op", e.Op))
	}
	return slog.GroupValue(attrs...)
}

func (e *Error) contextKeys() []string {
	if len(e.Context) == 0 {
		return nil
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// caller names the function skip frames above caller itself, without the
// module path.
func caller(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return ""
	}
	name := fn.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if err == nil || !errors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// IsCode reports whether any *Error in the chain carries code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		e, ok := As(err)
		if !ok {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Underlying
	}
	return false
}

// GetCode returns the outermost code, INTERNAL for uncoded errors, and ""
// for nil.
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether the outermost *Error is marked retryable.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Retryable
}
