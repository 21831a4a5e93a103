package scanner

import (
	"context"
	"errors"
	"strings"

	"github.com/hazyhaar/a11yscan/scanner/internal/engine"
)

// Kind classifies a scan failure.
type Kind string

const (
	KindEngineUnavailable     Kind = "EngineUnavailable"
	KindEngineExecution       Kind = "EngineExecutionError"
	KindScanTimeout           Kind = "ScanTimeout"
	KindScanAlreadyInProgress Kind = "ScanAlreadyInProgress"
	KindPageUnavailable       Kind = "PageUnavailable"
)

type kindInfo struct {
	message     string
	remediation []string
}

var kinds = map[Kind]kindInfo{
	KindEngineUnavailable: {
		message:     "rule engine could not be loaded in the page",
		remediation: []string{"reload the page and retry"},
	},
	KindEngineExecution: {
		message:     "rule engine failed while evaluating",
		remediation: []string{"retry with a minimal rule set", "retry without iframes"},
	},
	KindScanTimeout: {
		message:     "no result within the wait bound",
		remediation: []string{"retry without iframes", "retry with a longer wait"},
	},
	KindScanAlreadyInProgress: {
		message:     "a scan is already running for this tab",
		remediation: []string{"wait for the running scan"},
	},
	KindPageUnavailable: {
		message:     "no page could be resolved",
		remediation: []string{"open the page and retry"},
	},
}

// ScanError is the only error type Scan returns. Message and Remediation
// are fixed per Kind and safe to show; raw engine or browser text goes to
// Diagnostic.
type ScanError struct {
	Kind        Kind     `json:"kind"`
	Message     string   `json:"message"`
	Remediation []string `json:"remediation,omitempty"`
	Diagnostic  string   `json:"diagnostic,omitempty"`
	Cause       error    `json:"-"`
}

func (e *ScanError) Error() string {
	if e.Diagnostic != "" {
		return "scanner: " + e.Message + ": " + e.Diagnostic
	}
	return "scanner: " + e.Message
}

func (e *ScanError) Unwrap() error { return e.Cause }

// Is matches any *ScanError of the same Kind, so the sentinels below work
// with errors.Is.
func (e *ScanError) Is(target error) bool {
	t, ok := target.(*ScanError)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrEngineUnavailable     = newError(KindEngineUnavailable, "", nil)
	ErrEngineExecution       = newError(KindEngineExecution, "", nil)
	ErrScanTimeout           = newError(KindScanTimeout, "", nil)
	ErrScanAlreadyInProgress = newError(KindScanAlreadyInProgress, "", nil)
	ErrPageUnavailable       = newError(KindPageUnavailable, "", nil)
)

func newError(kind Kind, diagnostic string, cause error) *ScanError {
	info := kinds[kind]
	return &ScanError{
		Kind:        kind,
		Message:     info.message,
		Remediation: append([]string(nil), info.remediation...),
		Diagnostic:  diagnostic,
		Cause:       cause,
	}
}

// classify converts a pipeline failure into a *ScanError. Errors that are
// already classified pass through.
func classify(err error) *ScanError {
	if err == nil {
		return nil
	}
	var se *ScanError
	if errors.As(err, &se) {
		return se
	}

	var ee *engine.ExecutionError
	switch {
	case errors.As(err, &ee):
		diag := ee.Message
		if ee.Stack != "" {
			diag += "\n" + ee.Stack
		}
		return newError(KindEngineExecution, strings.TrimSpace(diag), err)
	case errors.Is(err, engine.ErrUnavailable):
		return newError(KindEngineUnavailable, err.Error(), err)
	case errors.Is(err, engine.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return newError(KindScanTimeout, err.Error(), err)
	case errors.Is(err, context.Canceled):
		return newError(KindScanTimeout, "scan cancelled", err)
	default:
		return newError(KindEngineExecution, err.Error(), err)
	}
}
