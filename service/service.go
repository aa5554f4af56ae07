// Package service is the facade the transport layer talks to. It wires the
// session registry, the CLI runner, the response emitter, and the health
// monitor together and exposes the high-level operations.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/relay-core/claude"
	"github.com/zhubert/relay-core/cli"
	"github.com/zhubert/relay-core/config"
	"github.com/zhubert/relay-core/events"
	"github.com/zhubert/relay-core/health"
	"github.com/zhubert/relay-core/logger"
	"github.com/zhubert/relay-core/manager"
	"github.com/zhubert/relay-core/paths"
	"github.com/zhubert/relay-core/process"
)

// ShutdownTimeout bounds graceful shutdown before it is abandoned.
const ShutdownTimeout = 5 * time.Second

// NewSessionSentinel in place of a session id requests a fresh conversation.
const NewSessionSentinel = "new"

// CommandRunner is the slice of the runner the service drives. Satisfied by
// *claude.Runner; narrowed to an interface so tests can substitute a fake.
type CommandRunner interface {
	ExecuteCommand(ctx context.Context, req claude.ExecuteRequest) (*claude.ExecuteResult, error)
	SendToInteractiveSession(sessionID, prompt string, attachments []string) error
	HasLiveProcess(sessionID string) bool
	ProcessPID(sessionID string) int
	KillProcess(sessionID, reason string)
	KillAll(reason string)
}

// AICLIService coordinates sessions, subprocesses, and events.
type AICLIService struct {
	cfg      *config.Config
	bus      *events.Bus
	perms    *claude.PermissionConfig
	emitter  *claude.ResponseEmitter
	runner   CommandRunner
	sessions *manager.Manager
	monitor  *health.Monitor

	// retryDelay between rate-limited attempts; a field so tests can
	// shrink it.
	retryDelay time.Duration
}

// New wires a service from the loaded configuration.
func New(cfg *config.Config, bus *events.Bus) *AICLIService {
	perms := claude.NewPermissionConfig()
	pc := cfg.GetPermissions()
	perms.SetMode(pc.Mode)
	perms.SetAllowedTools(pc.AllowedTools)
	perms.SetDisallowedTools(pc.DisallowedTools)
	perms.SetSkipPermissions(pc.SkipPermissions)

	emitter := claude.NewResponseEmitter(bus)
	runner := claude.NewRunner(cfg.GetCLIBinary(), perms, emitter, bus)
	sessions := manager.New(bus, cfg.GetWorkspaceRoot())
	sessions.SetProcessKiller(runner)

	runner.OnSessionDiscovered = func(routeID, claudeID, workingDir string) {
		// Track under the provider id so later resumes route correctly.
		sessions.TrackSessionForRouting(claudeID, workingDir)
		sessions.TrackClaudeSessionActivity(claudeID)
		if pid := runner.ProcessPID(routeID); pid > 0 {
			sessions.SetSessionPID(claudeID, pid)
		}
	}

	s := &AICLIService{
		cfg:        cfg,
		bus:        bus,
		perms:      perms,
		emitter:    emitter,
		runner:     runner,
		sessions:   sessions,
		retryDelay: claude.RateLimitRetryDelay,
	}

	s.monitor = health.New(health.Options{
		Sessions:       sessions,
		Bus:            bus,
		IdleTimeout:    cfg.GetIdleTimeout(),
		CheckInterval:  cfg.GetHealthCheckInterval(),
		SweepInterval:  cfg.GetTimeoutSweep(),
		StallThreshold: cfg.GetStallThreshold(),
		PIDForSession:  runner.ProcessPID,
		LastOutput:     emitter.LastOutput,
		CheckCLI: func() bool {
			return cli.CheckAvailability(cfg.GetCLIBinary()).Available
		},
	})

	return s
}

// Sessions exposes the registry, primarily for the transport layer.
func (s *AICLIService) Sessions() *manager.Manager {
	return s.sessions
}

// Permissions exposes the live permission configuration.
func (s *AICLIService) Permissions() *claude.PermissionConfig {
	return s.perms
}

// CreateSession registers a new session rooted at workingDir. The directory
// is validated against the workspace root before anything is tracked.
func (s *AICLIService) CreateSession(sessionID, workingDir string) (manager.Session, error) {
	return s.sessions.CreateInteractiveSession(sessionID, workingDir, manager.CreateOptions{})
}

// resolveWorkingDir validates a caller-supplied working directory against
// the workspace root before any subprocess can run in it. Validation
// failures are fatal to the request; there is no fallback. An empty
// candidate resolves to the session's stored directory when the session is
// known, else to the workspace root itself.
func (s *AICLIService) resolveWorkingDir(sessionID, workingDir string) (string, error) {
	if workingDir == "" && sessionID != "" {
		if sess, ok := s.sessions.GetSession(sessionID); ok && sess.WorkingDirectory != "" {
			workingDir = sess.WorkingDirectory
		}
	}
	dir, err := paths.ValidateWorkingDir(s.cfg.GetWorkspaceRoot(), workingDir)
	if err != nil {
		return "", fmt.Errorf("working directory rejected: %w", err)
	}
	return dir, nil
}

// SendStreamingPrompt routes a prompt: an empty id or the "new" sentinel
// starts a fresh conversation, anything else continues the named one.
func (s *AICLIService) SendStreamingPrompt(ctx context.Context, sessionID, workingDir, prompt string, attachments []string) (*claude.ExecuteResult, error) {
	if sessionID == "" || strings.EqualFold(sessionID, NewSessionSentinel) {
		return s.startFreshConversation(ctx, workingDir, prompt, attachments)
	}
	return s.SendPromptToClaude(ctx, sessionID, workingDir, prompt, attachments)
}

func (s *AICLIService) startFreshConversation(ctx context.Context, workingDir, prompt string, attachments []string) (*claude.ExecuteResult, error) {
	dir, err := s.resolveWorkingDir("", workingDir)
	if err != nil {
		return nil, err
	}

	routeID := uuid.NewString()
	s.sessions.TrackSessionForRouting(routeID, dir)

	res, err := s.ExecuteAICLICommand(ctx, claude.ExecuteRequest{
		SessionID:       routeID,
		WorkingDir:      dir,
		Prompt:          prompt,
		AttachmentPaths: attachments,
	})
	if err != nil {
		s.emitFailure(routeID, err)
	}
	return res, err
}

// StartInteractive begins a long-lived conversation: the subprocess and its
// stdin stay open after the first response, and later prompts for the
// session are written to it instead of respawning.
func (s *AICLIService) StartInteractive(ctx context.Context, sessionID, workingDir, prompt string, attachments []string) (*claude.ExecuteResult, error) {
	dir, err := s.resolveWorkingDir(sessionID, workingDir)
	if err != nil {
		return nil, err
	}
	if sessionID == "" || strings.EqualFold(sessionID, NewSessionSentinel) {
		sessionID = uuid.NewString()
	}
	s.sessions.TrackSessionForRouting(sessionID, dir)

	res, err := s.ExecuteAICLICommand(ctx, claude.ExecuteRequest{
		SessionID:       sessionID,
		WorkingDir:      dir,
		Prompt:          prompt,
		AttachmentPaths: attachments,
		Interactive:     true,
	})
	if err != nil {
		s.emitFailure(sessionID, err)
		return res, err
	}
	if pid := s.runner.ProcessPID(sessionID); pid > 0 {
		s.sessions.SetSessionPID(sessionID, pid)
	}
	return res, nil
}

// emitFailure guarantees a terminal failure is visible on the bus. Stream
// errors the emitter already reported never reach here; this covers spawn
// failures, exits without output, and exhausted retry budgets.
func (s *AICLIService) emitFailure(sessionID string, err error) {
	s.bus.Emit(events.AICLIError, sessionID, map[string]any{
		"error": err.Error(),
		"kind":  string(claude.KindOf(err)),
	})
}

// SendPromptToClaude continues the named conversation. A session with a
// live interactive process gets the prompt written to its stdin; otherwise
// the CLI is invoked with resume. When the provider reports the session
// gone (expired or unknown), the stale id is abandoned and the prompt
// retried exactly once against a brand-new session.
func (s *AICLIService) SendPromptToClaude(ctx context.Context, sessionID, workingDir, prompt string, attachments []string) (*claude.ExecuteResult, error) {
	log := logger.WithSession(sessionID)

	dir, err := s.resolveWorkingDir(sessionID, workingDir)
	if err != nil {
		return nil, err
	}

	if s.runner.HasLiveProcess(sessionID) {
		if err := s.SendToInteractiveSession(sessionID, prompt, attachments); err != nil {
			s.emitFailure(sessionID, err)
			return nil, err
		}
		// The response streams back through the event bus.
		return &claude.ExecuteResult{Success: true}, nil
	}

	s.sessions.TrackSessionForRouting(sessionID, dir)

	res, err := s.ExecuteAICLICommand(ctx, claude.ExecuteRequest{
		SessionID:       sessionID,
		Resume:          true,
		WorkingDir:      dir,
		Prompt:          prompt,
		AttachmentPaths: attachments,
	})
	if err == nil {
		s.sessions.TrackClaudeSessionActivity(sessionID)
		return res, nil
	}
	if !claude.IsSessionGone(err) {
		s.emitFailure(sessionID, err)
		return res, err
	}

	log.Warn("session gone, retrying with a fresh conversation", "error", err)
	s.sessions.RemoveSession(sessionID)

	freshID := uuid.NewString()
	s.sessions.TrackSessionForRouting(freshID, dir)
	res, err = s.ExecuteAICLICommand(ctx, claude.ExecuteRequest{
		SessionID:       freshID,
		WorkingDir:      dir,
		Prompt:          prompt,
		AttachmentPaths: attachments,
	})
	if err != nil {
		s.emitFailure(freshID, err)
	}
	return res, err
}

// ExecuteAICLICommand runs one prompt through the runner, retrying
// rate-limited attempts with a fixed delay. The attempt budget comes from
// configuration; the last rate-limit error is returned when it is spent.
func (s *AICLIService) ExecuteAICLICommand(ctx context.Context, req claude.ExecuteRequest) (*claude.ExecuteResult, error) {
	maxAttempts := s.cfg.GetMaxRateLimitRetries()
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	log := logger.WithSession(req.SessionID)

	var res *claude.ExecuteResult
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err = s.runner.ExecuteCommand(ctx, req)
		if err == nil || !claude.IsRateLimited(err) {
			return res, err
		}
		if attempt < maxAttempts {
			log.Warn("rate limited, retrying",
				"attempt", attempt, "maxAttempts", maxAttempts, "delay", s.retryDelay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}
	}
	return res, err
}

// SendToInteractiveSession writes a follow-up prompt to a live interactive
// process.
func (s *AICLIService) SendToInteractiveSession(sessionID, prompt string, attachments []string) error {
	if err := s.runner.SendToInteractiveSession(sessionID, prompt, attachments); err != nil {
		return err
	}
	s.sessions.TrackClaudeSessionActivity(sessionID)
	return nil
}

// BackgroundSession marks a session backgrounded (client went away but the
// conversation should keep running).
func (s *AICLIService) BackgroundSession(sessionID, reason string) (manager.Session, error) {
	return s.sessions.MarkSessionBackgrounded(sessionID, reason)
}

// ForegroundSession returns a backgrounded session to the foreground.
func (s *AICLIService) ForegroundSession(sessionID string) (manager.Session, error) {
	return s.sessions.MarkSessionForegrounded(sessionID)
}

// HandlePermissionResponse applies the user's answer to a pending
// permission prompt.
func (s *AICLIService) HandlePermissionResponse(sessionID, response string) (bool, error) {
	return claude.HandlePermissionPrompt(sessionID, response, s.sessions, s.emitter)
}

// CloseSession gracefully closes a session, killing its process if one is
// live. Reports whether the session existed.
func (s *AICLIService) CloseSession(sessionID string) bool {
	s.emitter.ClearSession(sessionID)
	return s.sessions.CloseSession(sessionID, "closed by client")
}

// KillSession forcibly terminates a session. A nonexistent session returns
// false and emits nothing; otherwise exactly one sessionCancelled event
// carries the reason.
func (s *AICLIService) KillSession(sessionID, reason string) bool {
	if !s.sessions.HasSession(sessionID) {
		return false
	}
	s.runner.KillProcess(sessionID, reason)
	s.sessions.RemoveSession(sessionID)
	s.emitter.ClearSession(sessionID)
	s.bus.Emit(events.SessionCancelled, sessionID, map[string]any{
		"reason": reason,
	})
	return true
}

// PerformStartupCleanup reaps CLI processes orphaned by a previous run and
// clears any stale session state. Returns how many orphans were killed.
func (s *AICLIService) PerformStartupCleanup() int {
	log := logger.WithComponent("service")
	killed := 0
	for _, pid := range process.FindOrphanProcesses(s.cfg.GetCLIBinary()) {
		if err := process.KillPID(pid); err != nil {
			log.Warn("failed to kill orphan", "pid", pid, "error", err)
			continue
		}
		killed++
	}
	if n := s.sessions.CleanupAllSessions("startup cleanup"); n > 0 {
		log.Info("cleared stale sessions", "count", n)
	}
	if killed > 0 {
		log.Info("killed orphan processes", "count", killed)
	}
	return killed
}

// CheckAvailability probes the configured CLI binary.
func (s *AICLIService) CheckAvailability() cli.AvailabilityResult {
	return cli.CheckAvailability(s.cfg.GetCLIBinary())
}

// Health returns the aggregate health snapshot.
func (s *AICLIService) Health() health.Status {
	return s.monitor.HealthCheck()
}

// StartMonitoring launches the background health and timeout sweeps.
func (s *AICLIService) StartMonitoring() {
	s.monitor.Start()
}

// Shutdown tears the service down: monitors stopped, processes killed,
// sessions cleaned, bus closed. Bounded by ShutdownTimeout.
func (s *AICLIService) Shutdown(ctx context.Context) error {
	log := logger.WithComponent("service")
	log.Info("shutting down")

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.monitor.Stop()
		s.runner.KillAll("service shutdown")
		s.sessions.CleanupAllSessions("service shutdown")
	}()

	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		s.bus.Close()
		return fmt.Errorf("shutdown timed out after %s", ShutdownTimeout)
	case <-ctx.Done():
		s.bus.Close()
		return ctx.Err()
	}

	s.bus.Close()
	log.Info("shutdown complete")
	return nil
}
