package claude

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a command failure so callers can choose a retry
// policy without string matching.
type ErrorKind string

const (
	// ErrSpawnFailed means the OS never gave us a process handle.
	ErrSpawnFailed ErrorKind = "spawn-failed"
	// ErrNoPID means a process object exists but no PID was assigned
	// within the grace window. Treated as a hard failure, not retried.
	ErrNoPID ErrorKind = "no-pid"
	// ErrNonZeroExit means the process exited with a failure code.
	// Stderr captured meanwhile is bundled into the error.
	ErrNonZeroExit ErrorKind = "non-zero-exit"
	// ErrMalformedOutput means a structured output document failed to parse.
	ErrMalformedOutput ErrorKind = "malformed-output"
	// ErrStreamClosed means stdout closed before any terminal message.
	ErrStreamClosed ErrorKind = "stream-closed"
	// ErrSessionExpired means the CLI no longer recognizes the session id.
	ErrSessionExpired ErrorKind = "session-expired"
	// ErrSessionNotFound means the requested session does not exist.
	ErrSessionNotFound ErrorKind = "session-not-found"
	// ErrRateLimited means the provider rejected the request for quota.
	ErrRateLimited ErrorKind = "rate-limited"
)

// CommandError is the typed failure for one command execution.
type CommandError struct {
	Kind      ErrorKind
	SessionID string
	ExitCode  int
	Stderr    string
	Err       error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "aicli command failed (%s)", e.Kind)
	if e.SessionID != "" {
		fmt.Fprintf(&b, " session=%s", e.SessionID)
	}
	if e.Kind == ErrNonZeroExit {
		fmt.Fprintf(&b, " exit=%d", e.ExitCode)
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, ": %s", e.Stderr)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// KindOf returns the error kind, or "" when err is not a CommandError.
func KindOf(err error) ErrorKind {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsSessionGone reports whether err indicates the session id can no longer
// be used and a fresh conversation should be started.
func IsSessionGone(err error) bool {
	k := KindOf(err)
	return k == ErrSessionExpired || k == ErrSessionNotFound
}

// IsRateLimited reports whether err is a provider rate limit.
func IsRateLimited(err error) bool {
	return KindOf(err) == ErrRateLimited
}

// classifyStderr refines a non-zero-exit failure into a more specific kind
// when the CLI's stderr names a known condition.
func classifyStderr(stderr string) ErrorKind {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "session expired"),
		strings.Contains(lower, "no conversation found"):
		return ErrSessionExpired
	case strings.Contains(lower, "session not found"),
		strings.Contains(lower, "unknown session"):
		return ErrSessionNotFound
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "usage limit"),
		strings.Contains(lower, "429"),
		strings.Contains(lower, "too many requests"):
		return ErrRateLimited
	default:
		return ErrNonZeroExit
	}
}
