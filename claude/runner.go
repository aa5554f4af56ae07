package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zhubert/relay-core/events"
	"github.com/zhubert/relay-core/logger"
)

// ExecuteRequest describes one prompt submission to the CLI.
type ExecuteRequest struct {
	// SessionID is the routing id events are emitted under. For a resumed
	// conversation it is also passed to the CLI.
	SessionID string
	// Resume indicates the CLI should continue an existing conversation.
	Resume          bool
	WorkingDir      string
	Prompt          string
	AttachmentPaths []string
	// Interactive keeps the process and its stdin alive after the first
	// response so later prompts can be written without respawning.
	Interactive bool
	// SkipPermissions forces the bypass flag for this call only.
	SkipPermissions bool
}

// ExecuteResult is the outcome of one complete response unit.
type ExecuteResult struct {
	Success         bool
	ClaudeSessionID string
	Response        string
	// SessionDiscovered is set when the CLI reported its session id in an
	// init message but the stream ended before a terminal result. Callers
	// treat this as success-with-discovery, not as an error.
	SessionDiscovered bool
}

// Runner spawns and owns the CLI subprocesses. Permission flags are read
// from the shared PermissionConfig on every call, never cached.
type Runner struct {
	binary  string
	perms   *PermissionConfig
	emitter *ResponseEmitter
	bus     *events.Bus

	// OnSessionDiscovered is invoked when an init message carries a
	// provider-issued session id. May be nil.
	OnSessionDiscovered func(routeID, claudeSessionID, workingDir string)

	mu    sync.Mutex
	procs map[string]*managedProcess
}

// managedProcess is one live subprocess owned by the runner.
type managedProcess struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	waitDone chan struct{}
}

// NewRunner creates a Runner for the given CLI binary.
func NewRunner(binary string, perms *PermissionConfig, emitter *ResponseEmitter, bus *events.Bus) *Runner {
	return &Runner{
		binary:  binary,
		perms:   perms,
		emitter: emitter,
		bus:     bus,
		procs:   make(map[string]*managedProcess),
	}
}

// BuildCommandArgs assembles the argv for one execution: permission flags,
// output format, resume/interactive flags, then the prompt as the final
// positional argument. Exported for argument-construction tests.
func (r *Runner) BuildCommandArgs(req ExecuteRequest) []string {
	args := r.perms.BuildPermissionArgs(req.SkipPermissions)
	args = append(args, "--format", "json")
	if req.Resume && req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.Interactive {
		args = append(args, "--interactive")
	}
	args = append(args, composePrompt(req.Prompt, req.AttachmentPaths))
	return args
}

// composePrompt appends attachment paths to the prompt text, one per line.
func composePrompt(prompt string, attachments []string) string {
	if len(attachments) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	for _, path := range attachments {
		b.WriteString("\nAttached file: ")
		b.WriteString(path)
	}
	return b.String()
}

// ExecuteCommand spawns a CLI process, submits the prompt, and resolves
// once one complete response unit has been read. Cancellation of ctx or a
// concurrent KillProcess makes the in-flight call fail with a stream-closed
// error rather than hang.
func (r *Runner) ExecuteCommand(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	log := logger.WithSession(req.SessionID)

	args := r.BuildCommandArgs(req)
	log.Debug("starting aicli process", "binary", r.binary,
		"args", truncateForLog(strings.Join(args, " "), maxLogPayload))

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = req.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &CommandError{Kind: ErrSpawnFailed, SessionID: req.SessionID, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, &CommandError{Kind: ErrSpawnFailed, SessionID: req.SessionID, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, &CommandError{Kind: ErrSpawnFailed, SessionID: req.SessionID, Err: err}
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, &CommandError{Kind: ErrSpawnFailed, SessionID: req.SessionID, Err: err}
	}

	if err := awaitPID(ctx, cmd); err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		go cmd.Wait()
		return nil, &CommandError{Kind: ErrNoPID, SessionID: req.SessionID, Err: err}
	}
	log.Debug("process started", "pid", cmd.Process.Pid)

	proc := &managedProcess{cmd: cmd, stdin: stdin, waitDone: make(chan struct{})}
	r.register(req.SessionID, proc)

	// Stderr is drained concurrently so it is captured before Wait closes
	// the pipe.
	stderrCh := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(stderr)
		stderrCh <- strings.TrimSpace(string(data))
	}()

	if req.Interactive {
		return r.runInteractive(ctx, req, proc, stdout, stderrCh)
	}
	return r.runOneShot(req, proc, stdout, stderrCh)
}

// runOneShot reads stdout to EOF, classifies every line, and builds the
// result from what arrived before the process exited. One-shot processes
// take the whole prompt via argv, so stdin is closed immediately.
func (r *Runner) runOneShot(req ExecuteRequest, proc *managedProcess, stdout io.Reader, stderrCh <-chan string) (*ExecuteResult, error) {
	proc.stdin.Close()

	var read streamRead
	scanner := newStreamScanner(stdout)
	for scanner.Scan() {
		r.handleLine(req, scanner.Text(), &read)
	}

	stderrContent := <-stderrCh
	waitErr := proc.cmd.Wait()
	close(proc.waitDone)
	r.unregister(req.SessionID, proc)
	r.emitProcessExit(req.SessionID, waitErr)

	return r.resolveOutcome(req, read, stderrContent, waitErr)
}

// runInteractive resolves after the first complete response unit and leaves
// the process registered for later SendToInteractiveSession calls. A
// dedicated goroutine owns stdout for the life of the process and keeps
// feeding the emitter after this call returns.
func (r *Runner) runInteractive(ctx context.Context, req ExecuteRequest, proc *managedProcess, stdout io.Reader, stderrCh <-chan string) (*ExecuteResult, error) {
	firstUnit := make(chan streamRead, 1)

	go func() {
		var read streamRead
		notified := false
		scanner := newStreamScanner(stdout)
		for scanner.Scan() {
			r.handleLine(req, scanner.Text(), &read)
			if read.resultSeen && !notified {
				notified = true
				firstUnit <- read
			}
		}

		stderrContent := <-stderrCh
		waitErr := proc.cmd.Wait()
		close(proc.waitDone)
		r.unregister(req.SessionID, proc)
		r.emitProcessExit(req.SessionID, waitErr)

		if !notified {
			// Stream ended before the first unit: unblock the caller with
			// whatever arrived, plus the exit diagnostics.
			read.stderr = stderrContent
			read.waitErr = waitErr
			firstUnit <- read
		} else if waitErr != nil && stderrContent != "" {
			logger.WithSession(req.SessionID).Warn("interactive process exited with error",
				"error", waitErr, "stderr", truncateForLog(stderrContent, maxLogPayload))
		}
	}()

	select {
	case <-ctx.Done():
		r.KillProcess(req.SessionID, "context cancelled")
		return nil, &CommandError{Kind: ErrStreamClosed, SessionID: req.SessionID, Err: ctx.Err()}
	case read := <-firstUnit:
		return r.resolveOutcome(req, read, read.stderr, read.waitErr)
	}
}

// streamRead is what the stdout reader extracted from the message stream.
type streamRead struct {
	claudeSessionID string
	resultText      string
	resultSeen      bool
	malformed       error

	// exit diagnostics, set only when the stream ended before a result
	stderr  string
	waitErr error
}

func newStreamScanner(stdout io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return scanner
}

// handleLine classifies one stdout line and updates the stream state.
// Plain-text lines pass through as streamData; only lines that look like
// JSON but fail to parse count as malformed output.
func (r *Runner) handleLine(req ExecuteRequest, line string, read *streamRead) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	if strings.HasPrefix(trimmed, "{") && !json.Valid([]byte(trimmed)) {
		if read.malformed == nil {
			read.malformed = &CommandError{
				Kind:      ErrMalformedOutput,
				SessionID: req.SessionID,
				Err:       fmt.Errorf("unparseable message: %s", truncateForLog(trimmed, maxLogPayload)),
			}
		}
		return
	}

	cm := Classify([]byte(trimmed))

	if cm.EventType == EventSystemInit {
		if data, ok := cm.Data.(map[string]any); ok {
			if id, _ := data["sessionId"].(string); id != "" {
				read.claudeSessionID = id
				if r.OnSessionDiscovered != nil {
					r.OnSessionDiscovered(req.SessionID, id, req.WorkingDir)
				}
			}
		}
	}
	if cm.EventType == EventConversationResult {
		read.resultSeen = true
		if data, ok := cm.Data.(map[string]any); ok {
			if id, _ := data["sessionId"].(string); id != "" && read.claudeSessionID == "" {
				read.claudeSessionID = id
			}
			read.resultText, _ = data["result"].(string)
		}
	}

	routeID := req.SessionID
	if routeID == "" {
		routeID = read.claudeSessionID
	}
	r.emitter.HandleClassified(routeID, cm)
}

// resolveOutcome turns the stream state plus exit status into a result or a
// typed error. Early session discovery wins over error propagation: if an
// init id arrived, the caller sees success-with-discovery even when the
// stream failed afterwards.
func (r *Runner) resolveOutcome(req ExecuteRequest, read streamRead, stderrContent string, waitErr error) (*ExecuteResult, error) {
	if read.resultSeen {
		return &ExecuteResult{
			Success:         true,
			ClaudeSessionID: read.claudeSessionID,
			Response:        read.resultText,
		}, nil
	}

	if read.claudeSessionID != "" {
		return &ExecuteResult{
			Success:           true,
			ClaudeSessionID:   read.claudeSessionID,
			SessionDiscovered: true,
		}, nil
	}

	if waitErr != nil {
		exitCode := -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return nil, &CommandError{
			Kind:      classifyStderr(stderrContent),
			SessionID: req.SessionID,
			ExitCode:  exitCode,
			Stderr:    stderrContent,
			Err:       waitErr,
		}
	}

	if read.malformed != nil {
		return nil, read.malformed
	}

	return nil, &CommandError{
		Kind:      ErrStreamClosed,
		SessionID: req.SessionID,
		Err:       fmt.Errorf("stream closed before a terminal message"),
	}
}

// SendToInteractiveSession writes another prompt to an already-running
// interactive process without spawning a new one.
func (r *Runner) SendToInteractiveSession(sessionID, prompt string, attachments []string) error {
	r.mu.Lock()
	proc, ok := r.procs[sessionID]
	r.mu.Unlock()
	if !ok {
		return &CommandError{Kind: ErrSessionNotFound, SessionID: sessionID,
			Err: fmt.Errorf("no interactive process for session")}
	}

	// One prompt per line on the wire.
	line := strings.ReplaceAll(composePrompt(prompt, attachments), "\n", " ") + "\n"
	if _, err := io.WriteString(proc.stdin, line); err != nil {
		return &CommandError{Kind: ErrStreamClosed, SessionID: sessionID, Err: err}
	}
	return nil
}

// HasLiveProcess reports whether the runner owns a running process for the
// session.
func (r *Runner) HasLiveProcess(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.procs[sessionID]
	return ok
}

// ProcessPID returns the pid of the session's live process, or 0.
func (r *Runner) ProcessPID(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if proc, ok := r.procs[sessionID]; ok && proc.cmd.Process != nil {
		return proc.cmd.Process.Pid
	}
	return 0
}

// LiveSessionIDs returns the ids of sessions with a running process.
func (r *Runner) LiveSessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.procs))
	for id := range r.procs {
		ids = append(ids, id)
	}
	return ids
}

// KillProcess terminates the session's process. Safe to call for unknown
// sessions and already-dead processes.
func (r *Runner) KillProcess(sessionID, reason string) {
	r.mu.Lock()
	proc, ok := r.procs[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}

	log := logger.WithSession(sessionID)
	log.Info("killing process", "reason", reason)

	if proc.cmd.Process != nil {
		// SIGTERM first; escalate if the process lingers.
		proc.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-proc.waitDone:
		case <-time.After(KillWaitTimeout):
			log.Debug("force killing process")
			proc.cmd.Process.Kill()
		}
	}
}

// KillAll terminates every live process. Used during shutdown.
func (r *Runner) KillAll(reason string) {
	for _, id := range r.LiveSessionIDs() {
		r.KillProcess(id, reason)
	}
}

func (r *Runner) register(sessionID string, proc *managedProcess) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[sessionID] = proc
}

func (r *Runner) unregister(sessionID string, proc *managedProcess) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.procs[sessionID]; ok && current == proc {
		delete(r.procs, sessionID)
	}
}

func (r *Runner) emitProcessExit(sessionID string, waitErr error) {
	code := 0
	if waitErr != nil {
		code = -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	r.bus.Emit(events.ProcessExit, sessionID, map[string]any{"code": code})
}

// awaitPID waits for the OS to assign a PID within the grace window.
func awaitPID(ctx context.Context, cmd *exec.Cmd) error {
	deadline := time.After(NoPIDGraceWindow)
	for {
		if cmd.Process != nil && cmd.Process.Pid > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("no pid assigned within %s", NoPIDGraceWindow)
		case <-time.After(pidPollInterval):
		}
	}
}
