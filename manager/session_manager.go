// Package manager tracks sessions: creation, routing, background state,
// and cleanup. It is the single registry every other component consults.
package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/relay-core/events"
	"github.com/zhubert/relay-core/logger"
	"github.com/zhubert/relay-core/paths"
)

// State is a session's lifecycle position.
type State string

const (
	StatePending      State = "pending"
	StateActive       State = "active"
	StateBackgrounded State = "backgrounded"
	StateClosed       State = "closed"
)

// Session is a snapshot of one tracked conversation. Values returned by the
// manager are copies; mutation goes through manager methods.
type Session struct {
	ID               string
	WorkingDirectory string
	StartTime        time.Time
	LastActivity     time.Time
	State            State
	Backgrounded     bool
	BackgroundReason string
	PID              int
}

// ProcessKiller terminates the subprocess behind a session, if any.
type ProcessKiller interface {
	KillProcess(sessionID, reason string)
}

// CreateOptions tunes session creation.
type CreateOptions struct {
	// SkipValidation bypasses the working-directory check. Used for
	// sessions tracked from CLI output where the path was already
	// validated when the originating session was created.
	SkipValidation bool
}

// Manager is the session registry.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	bus *events.Bus
	// baseDir bounds validated working directories; empty disables
	// containment.
	baseDir string
	killer  ProcessKiller
}

// New creates a Manager publishing lifecycle events to bus. baseDir is the
// workspace root candidate working directories must stay inside.
func New(bus *events.Bus, baseDir string) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		bus:      bus,
		baseDir:  baseDir,
	}
}

// SetProcessKiller wires the component that can terminate subprocesses.
// Must be called before cleanup paths run.
func (m *Manager) SetProcessKiller(k ProcessKiller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killer = k
}

// CreateInteractiveSession allocates a Session, validating the working
// directory first. A caller-supplied id is reused; otherwise one is
// generated. Creating over a closed or unknown id yields a fresh pending
// session; creating over a live id returns the existing session untouched.
func (m *Manager) CreateInteractiveSession(sessionID, workingDirectory string, opts CreateOptions) (Session, error) {
	if sessionID != "" {
		m.mu.Lock()
		if existing, ok := m.sessions[sessionID]; ok && existing.State != StateClosed {
			snapshot := *existing
			m.mu.Unlock()
			return snapshot, nil
		}
		m.mu.Unlock()
	}

	dir := workingDirectory
	if !opts.SkipValidation {
		validated, err := paths.ValidateWorkingDir(m.baseDir, workingDirectory)
		if err != nil {
			return Session{}, fmt.Errorf("working directory rejected: %w", err)
		}
		dir = validated
	}

	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := time.Now()
	sess := &Session{
		ID:               sessionID,
		WorkingDirectory: dir,
		StartTime:        now,
		LastActivity:     now,
		State:            StatePending,
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	logger.WithSession(sessionID).Info("session created", "workingDir", dir)
	return *sess, nil
}

// GetSession returns a copy of the session. Closed sessions read as absent.
func (m *Manager) GetSession(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok || sess.State == StateClosed {
		return Session{}, false
	}
	return *sess, true
}

// HasSession reports whether the id maps to a live (non-closed) session.
func (m *Manager) HasSession(id string) bool {
	_, ok := m.GetSession(id)
	return ok
}

// RemoveSession drops the session from the registry.
func (m *Manager) RemoveSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// TrackSessionForRouting registers a session id discovered from the CLI's
// own output so later prompts addressed to it route correctly. Idempotent;
// an existing session just gets an activity bump.
func (m *Manager) TrackSessionForRouting(sessionID, workingDirectory string) {
	if sessionID == "" {
		return
	}
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok && sess.State != StateClosed {
		sess.LastActivity = now
		return
	}
	m.sessions[sessionID] = &Session{
		ID:               sessionID,
		WorkingDirectory: workingDirectory,
		StartTime:        now,
		LastActivity:     now,
		State:            StateActive,
	}
	logger.WithSession(sessionID).Debug("tracking provider-issued session id")
}

// TrackClaudeSessionActivity bumps the session's lastActivity.
func (m *Manager) TrackClaudeSessionActivity(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok && sess.State != StateClosed {
		sess.LastActivity = time.Now()
		if sess.State == StatePending {
			sess.State = StateActive
		}
	}
}

// SetSessionPID records the OS pid backing the session.
func (m *Manager) SetSessionPID(sessionID string, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok {
		sess.PID = pid
	}
}

// MarkSessionBackgrounded moves the session to the backgrounded state.
// Idempotent: an already-backgrounded session keeps its original reason but
// still gets an activity bump.
func (m *Manager) MarkSessionBackgrounded(id, reason string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok || sess.State == StateClosed {
		return Session{}, fmt.Errorf("session %s not found", id)
	}
	sess.LastActivity = time.Now()
	if !sess.Backgrounded {
		sess.Backgrounded = true
		sess.BackgroundReason = reason
		sess.State = StateBackgrounded
		logger.WithSession(id).Info("session backgrounded", "reason", reason)
	}
	return *sess, nil
}

// MarkSessionForegrounded moves the session back to active. Idempotent.
func (m *Manager) MarkSessionForegrounded(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok || sess.State == StateClosed {
		return Session{}, fmt.Errorf("session %s not found", id)
	}
	sess.LastActivity = time.Now()
	if sess.Backgrounded {
		sess.Backgrounded = false
		sess.BackgroundReason = ""
		sess.State = StateActive
		logger.WithSession(id).Info("session foregrounded")
	}
	return *sess, nil
}

// CleanupDeadSession removes a session whose process exited unexpectedly
// and emits a sessionCleaned notification. No-op for unknown ids.
func (m *Manager) CleanupDeadSession(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	logger.WithSession(id).Info("cleaned up dead session")
	m.bus.Emit(events.SessionCleaned, id, map[string]any{"reason": "process exited"})
}

// CleanupAllSessions terminates and removes every tracked session. Used at
// startup to reap orphans from a previous run and at shutdown.
func (m *Manager) CleanupAllSessions(reason string) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.sessions = make(map[string]*Session)
	killer := m.killer
	m.mu.Unlock()

	for _, id := range ids {
		if killer != nil {
			killer.KillProcess(id, reason)
		}
		m.bus.Emit(events.SessionCleaned, id, map[string]any{"reason": reason})
	}
	if len(ids) > 0 {
		logger.Get().Info("cleaned up all sessions", "count", len(ids), "reason", reason)
	}
	return len(ids)
}

// GetActiveSessions returns copies of all non-closed sessions.
func (m *Manager) GetActiveSessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.State != StateClosed {
			out = append(out, *sess)
		}
	}
	return out
}

// CloseSession marks a session closed and removes its process. Closed ids
// later read as absent, so a new prompt for the id starts fresh.
func (m *Manager) CloseSession(id, reason string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	var killer ProcessKiller
	if ok {
		sess.State = StateClosed
		killer = m.killer
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	if killer != nil {
		killer.KillProcess(id, reason)
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	logger.WithSession(id).Info("session closed", "reason", reason)
	return true
}
