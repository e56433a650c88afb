package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrorKind classifies a failure by what can be done about it.
type ErrorKind string

const (
	// KindRecoverable failures may succeed on retry.
	KindRecoverable ErrorKind = "RECOVERABLE"
	// KindFatal failures end the run.
	KindFatal ErrorKind = "FATAL"
	// KindExternal failures come from an upstream dependency.
	KindExternal ErrorKind = "EXTERNAL"
	// KindValidation failures reject the input before the run starts.
	KindValidation ErrorKind = "VALIDATION"
)

// Error codes carried by the terminal error event.
const (
	CodeInsufficientEvidence  = "insufficient_evidence"
	CodeGenerationUnavailable = "generation_unavailable"
	CodeInternal              = "internal_error"
	CodeTimeout               = "timeout"
	CodeCancelled             = "cancelled"
)

// MaxQueryLength is the longest accepted query, in runes.
const MaxQueryLength = 2000

// ErrInvalidQuery is wrapped by every ValidateQuery error.
var ErrInvalidQuery = errors.New("invalid query")

// PhaseError is a failure recorded in the run state. It is never shown to the caller.
type PhaseError struct {
	Phase Phase
	Kind  ErrorKind
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

func newPhaseError(phase Phase, kind ErrorKind, err error) *PhaseError {
	return &PhaseError{Phase: phase, Kind: kind, Err: err}
}

// KindOf classifies err. Phases only see errors from collaborators, so anything
// that is not a cancellation or a validation failure is an upstream problem.
func KindOf(err error) ErrorKind {
	var phaseErr *PhaseError

	switch {
	case err == nil:
		return ""
	case errors.As(err, &phaseErr):
		return phaseErr.Kind
	case errors.Is(err, ErrInvalidQuery):
		return KindValidation
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindRecoverable
	default:
		return KindExternal
	}
}

// Abort ends a run with a message that is safe to show to the caller.
type Abort struct {
	Code    string
	Message string
}

func terminalAbort(err error) Abort {
	if errors.Is(err, context.DeadlineExceeded) {
		return Abort{Code: CodeTimeout, Message: "The analysis took too long and was stopped."}
	}
	return Abort{Code: CodeCancelled, Message: "The analysis was cancelled."}
}

// ValidateQuery trims the query, removes control characters and checks its length.
func ValidateQuery(query string) (string, error) {
	if !utf8.ValidString(query) {
		return "", fmt.Errorf("%w: query is not valid UTF-8", ErrInvalidQuery)
	}

	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == '\r':
			return -1
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, query)
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return "", fmt.Errorf("%w: query is empty", ErrInvalidQuery)
	}
	if n := utf8.RuneCountInString(cleaned); n > MaxQueryLength {
		return "", fmt.Errorf("%w: query is %d characters long, the limit is %d", ErrInvalidQuery, n, MaxQueryLength)
	}

	return cleaned, nil
}
