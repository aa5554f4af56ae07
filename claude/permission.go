package claude

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zhubert/relay-core/events"
)

// PermissionModeDefault is the mode that emits no --permission-mode flag.
const PermissionModeDefault = "default"

// PermissionConfig is the shared permission state read by every command
// execution. One instance is owned by the service facade and handed to the
// runner and permission handler, so tests can inject isolated instances.
type PermissionConfig struct {
	mu              sync.RWMutex
	mode            string
	allowedTools    []string
	disallowedTools []string
	skipPermissions bool
}

// NewPermissionConfig returns a config in default mode with no tool lists.
func NewPermissionConfig() *PermissionConfig {
	return &PermissionConfig{mode: PermissionModeDefault}
}

// SetMode sets the permission mode. Empty resets to default.
func (p *PermissionConfig) SetMode(mode string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if mode == "" {
		mode = PermissionModeDefault
	}
	p.mode = mode
}

// Mode returns the current permission mode.
func (p *PermissionConfig) Mode() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

// SetAllowedTools replaces the allowed-tool list.
func (p *PermissionConfig) SetAllowedTools(tools []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowedTools = append([]string(nil), tools...)
}

// AllowedTools returns a copy of the allowed-tool list.
func (p *PermissionConfig) AllowedTools() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.allowedTools...)
}

// SetDisallowedTools replaces the disallowed-tool list.
func (p *PermissionConfig) SetDisallowedTools(tools []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disallowedTools = append([]string(nil), tools...)
}

// DisallowedTools returns a copy of the disallowed-tool list.
func (p *PermissionConfig) DisallowedTools() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.disallowedTools...)
}

// SetSkipPermissions toggles the bypass flag.
func (p *PermissionConfig) SetSkipPermissions(skip bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.skipPermissions = skip
}

// SkipPermissions returns the bypass flag.
func (p *PermissionConfig) SkipPermissions() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.skipPermissions
}

// BuildPermissionArgs builds the CLI flags for the current permission state.
// When skipping (either via override or the stored flag) the bypass flag is
// the only output. Otherwise the order is fixed: mode, allow list, disallow
// list — each omitted when at its zero value.
func (p *PermissionConfig) BuildPermissionArgs(skipOverride bool) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if skipOverride || p.skipPermissions {
		return []string{"--dangerously-skip-permissions"}
	}

	var args []string
	if p.mode != "" && p.mode != PermissionModeDefault {
		args = append(args, "--permission-mode", p.mode)
	}
	if len(p.allowedTools) > 0 {
		args = append(args, "--allow-tools", strings.Join(p.allowedTools, ","))
	}
	if len(p.disallowedTools) > 0 {
		args = append(args, "--disallow-tools", strings.Join(p.disallowedTools, ","))
	}
	return args
}

// SessionChecker is the slice of the session registry the permission
// handler needs.
type SessionChecker interface {
	HasSession(id string) bool
	TrackClaudeSessionActivity(id string)
}

// HandlePermissionPrompt resolves an interactive permission prompt for a
// session. It returns false without error when no permission request is
// pending; it fails when the session itself is unknown. Approval releases
// the buffered final response as a conversation result; denial emits a
// permissionDenied event. Either way the pending flag is cleared before
// returning.
func HandlePermissionPrompt(sessionID, userResponse string, sessions SessionChecker, emitter *ResponseEmitter) (bool, error) {
	if !sessions.HasSession(sessionID) {
		return false, fmt.Errorf("no active session %s for permission prompt", sessionID)
	}

	pending, finalData := emitter.takePendingPermission(sessionID)
	if !pending {
		return false, nil
	}

	sessions.TrackClaudeSessionActivity(sessionID)

	if IsApprovalResponse(userResponse) {
		data := finalData
		if data == nil {
			data = map[string]any{"type": "final_result", "success": true}
		}
		emitter.bus.Emit(events.AICLIResponse, sessionID, data)
	} else {
		emitter.bus.Emit(events.PermissionDenied, sessionID, map[string]any{
			"response": strings.TrimSpace(userResponse),
		})
	}
	return true, nil
}
