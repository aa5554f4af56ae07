package claude

import (
	"strings"
	"sync"
	"time"

	"github.com/zhubert/relay-core/events"
	"github.com/zhubert/relay-core/logger"
)

// SessionBuffer accumulates streamed output for one session. Fragments of a
// chunked message are held until the terminal fragment arrives, then
// surfaced as a single event.
type SessionBuffer struct {
	fragments    []string
	totalChunks  int
	isActive     bool
	lastActivity time.Time

	pendingPermission    bool
	pendingFinalResponse bool
	finalResponseData    map[string]any
}

// ResponseEmitter turns classified messages into outward events with
// at-most-once delivery per logical unit. Buffers are created on demand and
// are safe against concurrent first messages for the same session.
type ResponseEmitter struct {
	mu      sync.Mutex
	buffers map[string]*SessionBuffer
	bus     *events.Bus
}

// NewResponseEmitter creates an emitter publishing to the given bus.
func NewResponseEmitter(bus *events.Bus) *ResponseEmitter {
	return &ResponseEmitter{
		buffers: make(map[string]*SessionBuffer),
		bus:     bus,
	}
}

// buffer returns the session's buffer, creating it if needed. Caller must
// hold e.mu.
func (e *ResponseEmitter) buffer(sessionID string) *SessionBuffer {
	buf, ok := e.buffers[sessionID]
	if !ok {
		buf = &SessionBuffer{isActive: true}
		e.buffers[sessionID] = buf
	}
	buf.lastActivity = time.Now()
	return buf
}

// HandleClassified routes one classified message to the right outward event.
func (e *ResponseEmitter) HandleClassified(sessionID string, msg ClassifiedMessage) {
	switch msg.EventType {
	case EventSystemInit:
		// Session discovery is handled by the runner; just record activity.
		e.mu.Lock()
		e.buffer(sessionID)
		e.mu.Unlock()

	case EventAssistantMessage:
		e.handleAssistant(sessionID, msg)

	case EventToolUse:
		e.touch(sessionID)
		e.bus.Emit(events.ToolUse, sessionID, asMap(msg.Data))

	case EventToolResult:
		e.touch(sessionID)
		e.bus.Emit(events.ToolResult, sessionID, asMap(msg.Data))

	case EventConversationResult:
		e.handleResult(sessionID, msg)

	case EventStreamData:
		e.touch(sessionID)
		e.bus.Emit(events.ThinkingUpdate, sessionID, map[string]any{"data": msg.Data})
	}
}

func (e *ResponseEmitter) handleAssistant(sessionID string, msg ClassifiedMessage) {
	data := asMap(msg.Data)
	text, _ := data["text"].(string)

	e.mu.Lock()
	buf := e.buffer(sessionID)

	if IsPermissionRequest(text) {
		buf.pendingPermission = true
		e.mu.Unlock()
		e.bus.Emit(events.PermissionRequired, sessionID, map[string]any{"prompt": text})
		return
	}

	totalChunks, chunked := intField(data, "totalChunks")
	if !chunked || totalChunks <= 1 {
		e.mu.Unlock()
		e.bus.Emit(events.AICLIResponse, sessionID, map[string]any{
			"content": text,
		})
		return
	}

	// Chunked message: hold fragments until the terminal one, preserving
	// arrival order.
	buf.fragments = append(buf.fragments, text)
	buf.totalChunks = totalChunks

	chunkIndex, _ := intField(data, "chunkIndex")
	isFinal, _ := data["isFinal"].(bool)
	terminal := isFinal || chunkIndex == totalChunks-1

	if !terminal {
		partial := strings.Join(buf.fragments, " ")
		e.mu.Unlock()
		e.bus.Emit(events.ThinkingUpdate, sessionID, map[string]any{
			"partial": partial,
		})
		return
	}

	content := strings.Join(buf.fragments, " ")
	buf.fragments = nil
	buf.totalChunks = 0
	e.mu.Unlock()

	e.bus.Emit(events.AICLIResponse, sessionID, map[string]any{
		"content": content,
	})
}

func (e *ResponseEmitter) handleResult(sessionID string, msg ClassifiedMessage) {
	data := asMap(msg.Data)

	e.mu.Lock()
	buf := e.buffer(sessionID)
	if buf.pendingPermission {
		// A permission prompt is outstanding: park the final response until
		// the client approves or denies.
		buf.pendingFinalResponse = true
		buf.finalResponseData = data
		e.mu.Unlock()
		logger.WithSession(sessionID).Debug("holding final response for pending permission")
		return
	}
	e.mu.Unlock()

	success, _ := data["success"].(bool)
	if success {
		e.bus.Emit(events.AICLIResponse, sessionID, data)
	} else {
		e.bus.Emit(events.AICLIError, sessionID, data)
	}
}

// takePendingPermission atomically clears and returns the session's pending
// permission state plus any buffered final response.
func (e *ResponseEmitter) takePendingPermission(sessionID string) (bool, map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf, ok := e.buffers[sessionID]
	if !ok || !buf.pendingPermission {
		return false, nil
	}
	buf.pendingPermission = false
	var data map[string]any
	if buf.pendingFinalResponse {
		data = buf.finalResponseData
	}
	buf.pendingFinalResponse = false
	buf.finalResponseData = nil
	return true, data
}

// HasPendingPermission reports whether a permission prompt is outstanding.
func (e *ResponseEmitter) HasPendingPermission(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf, ok := e.buffers[sessionID]
	return ok && buf.pendingPermission
}

// LastOutput returns when the session's buffer last saw activity. The zero
// time means no output has been observed.
func (e *ResponseEmitter) LastOutput(sessionID string) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if buf, ok := e.buffers[sessionID]; ok {
		return buf.lastActivity
	}
	return time.Time{}
}

// ClearSession drops the session's buffer.
func (e *ResponseEmitter) ClearSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.buffers, sessionID)
}

// touch bumps the session buffer's activity timestamp.
func (e *ResponseEmitter) touch(sessionID string) {
	e.mu.Lock()
	e.buffer(sessionID)
	e.mu.Unlock()
}

// asMap coerces classified data to a map, wrapping non-map values.
func asMap(data any) map[string]any {
	if m, ok := data.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": data}
}

// intField reads a numeric field that may have decoded as int or float64.
func intField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
