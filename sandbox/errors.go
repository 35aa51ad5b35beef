package sandbox

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed execution.
type ErrorKind int

const (
	KindUnsupportedLanguage ErrorKind = iota + 1
	KindCompile
	KindRun
	KindTimeLimitExceeded
)

// Sentinels matched by errors.Is against an *ExecutionError of the same kind.
var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrCompile             = errors.New("compile error")
	ErrRun                 = errors.New("run error")
	ErrTimeLimitExceeded   = errors.New("time limit exceeded")
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnsupportedLanguage:
		return "unsupported_language"
	case KindCompile:
		return "compile_error"
	case KindRun:
		return "run_error"
	case KindTimeLimitExceeded:
		return "time_limit_exceeded"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindUnsupportedLanguage:
		return ErrUnsupportedLanguage
	case KindCompile:
		return ErrCompile
	case KindRun:
		return ErrRun
	case KindTimeLimitExceeded:
		return ErrTimeLimitExceeded
	default:
		return nil
	}
}

// ExecutionError is the caller-visible failure of one submission.
// Message is the raw diagnostic text handed back to the client; Err keeps the
// underlying cause for logs.
type ExecutionError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *ExecutionError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func unsupportedLanguage(language string) *ExecutionError {
	return &ExecutionError{
		Kind:    KindUnsupportedLanguage,
		Message: "Unsupported language",
		Err:     fmt.Errorf("language %q is not registered", language),
	}
}

func compileError(message string, err error) *ExecutionError {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &ExecutionError{Kind: KindCompile, Message: message, Err: err}
}

func runError(err error) *ExecutionError {
	return &ExecutionError{Kind: KindRun, Message: err.Error(), Err: err}
}

// Outcome returns the metric label for the result of an execution.
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind.String()
	}
	return "internal_error"
}
