package claude

import "time"

const (
	// NoPIDGraceWindow is how long to wait for the OS to assign a PID
	// after spawn before declaring a hard failure.
	NoPIDGraceWindow = 100 * time.Millisecond

	// pidPollInterval is how often the grace window is checked.
	pidPollInterval = 10 * time.Millisecond

	// RateLimitRetryDelay is the pause between rate-limited attempts.
	RateLimitRetryDelay = 500 * time.Millisecond

	// KillWaitTimeout bounds how long a graceful stop waits before the
	// process is force-killed.
	KillWaitTimeout = 2 * time.Second

	// maxLogPayload caps raw message payloads in debug logs.
	maxLogPayload = 500
)
