package backend

import (
	"fmt"
	"time"
)

// cleanupDeadlineSeconds bounds blocking SDK/CLI polling loops in Finalize
// and Cleanup (spec.md §5: "bounded by a 300-second deadline").
const cleanupDeadlineSeconds = 300

// validationError marks a failure discovered during back-end-specific
// validation, mirroring request.ValidationError for callers that only see
// the backend package.
type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

// deadline is a small helper for the bounded polling loops in Finalize and
// Cleanup (spec.md §5 suspension points).
type deadline struct{ at time.Time }

func deadlineFromNow(seconds int) deadline {
	return deadline{at: time.Now().Add(time.Duration(seconds) * time.Second)}
}

func (d deadline) passed() bool { return time.Now().After(d.at) }

func sleepOneSecond() { time.Sleep(time.Second) }
