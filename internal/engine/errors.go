package engine

import (
	"errors"
	"fmt"
)

// Configuration errors. They are fatal at setup and never retryable.
var (
	ErrEmptyQuestionSet  = errors.New("question set is empty")
	ErrUndersizedPool    = errors.New("question pool is smaller than the configured minimum")
	ErrMissingTimeLimit  = errors.New("session time limit is missing")
	ErrUnevenSessions    = errors.New("questions cannot be split evenly across sessions")
	ErrInvalidSessions   = errors.New("session count must be 1 or 2")
	ErrDuplicateQuestion = errors.New("question id appears more than once")
	ErrQuestionsMissing  = errors.New("question store did not return every requested question")
)

// Run-time errors returned to the caller. None of them change state.
var (
	ErrNotEntitled      = errors.New("user may not start an exam-day simulator")
	ErrSessionClosed    = errors.New("session is finished")
	ErrNoActiveSession  = errors.New("no session is running")
	ErrIndexOutOfRange  = errors.New("question index out of range")
	ErrWrongPhase       = errors.New("operation not allowed in the current phase")
	ErrAlreadyStarted   = errors.New("exam has already been set up")
	ErrNotOwner         = errors.New("attempt belongs to another user")
	ErrAttemptAbandoned = errors.New("attempt was abandoned")
)

// ConfigError wraps a configuration problem detected during setup.
type ConfigError struct {
	Err    error
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Detail == "" {
		return "exam configuration: " + e.Err.Error()
	}
	return fmt.Sprintf("exam configuration: %s (%s)", e.Err, e.Detail)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErr(err error, format string, args ...any) error {
	return &ConfigError{Err: err, Detail: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is a setup configuration error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
