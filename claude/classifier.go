package claude

import (
	"encoding/json"
	"strings"
)

// EventType is the semantic category assigned to one raw CLI message.
type EventType string

const (
	EventSystemInit         EventType = "systemInit"
	EventStreamData         EventType = "streamData"
	EventAssistantMessage   EventType = "assistantMessage"
	EventToolUse            EventType = "toolUse"
	EventToolResult         EventType = "toolResult"
	EventConversationResult EventType = "conversationResult"
)

// ClassifiedMessage is the ephemeral result of classifying one raw message.
// Data is a map for structured events; for passthrough streamData it is the
// raw decoded value unchanged (possibly a string or nil).
type ClassifiedMessage struct {
	EventType EventType
	Data      any
}

// streamMessage mirrors the known fields across all message shapes the CLI
// emits. Unknown shapes fall through to the streamData passthrough.
type streamMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	// system/init fields
	SessionID string   `json:"session_id"`
	CWD       string   `json:"cwd"`
	Tools     []string `json:"tools"`
	Model     string   `json:"model"`

	// assistant fields
	Message json.RawMessage `json:"message"`

	// chunking metadata on streamed assistant messages
	ChunkIndex  *int  `json:"chunk_index"`
	TotalChunks *int  `json:"total_chunks"`
	IsFinal     *bool `json:"is_final"`

	// tool_use / tool_result fields
	ToolName  string          `json:"tool_name"`
	ToolID    string          `json:"tool_id"`
	ToolInput json.RawMessage `json:"tool_input"`
	Content   json.RawMessage `json:"content"`

	// result fields
	IsError    bool            `json:"is_error"`
	DurationMS float64         `json:"duration_ms"`
	TotalCost  float64         `json:"total_cost_usd"`
	Usage      json.RawMessage `json:"usage"`
	Result     string          `json:"result"`
}

// Classify maps one raw CLI message to its semantic event type. It is pure
// and stateless; unknown or unparseable shapes are wrapped as streamData
// rather than dropped.
func Classify(raw []byte) ClassifiedMessage {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		// Not JSON at all: pass the raw text through unchanged.
		return ClassifiedMessage{EventType: EventStreamData, Data: string(raw)}
	}

	obj, isObject := generic.(map[string]any)
	if !isObject {
		// Bare string, number, null, array: pass through unchanged.
		return ClassifiedMessage{EventType: EventStreamData, Data: generic}
	}

	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClassifiedMessage{EventType: EventStreamData, Data: obj}
	}

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			return ClassifiedMessage{
				EventType: EventSystemInit,
				Data: map[string]any{
					"sessionId": msg.SessionID,
					"cwd":       msg.CWD,
					"tools":     msg.Tools,
					"model":     msg.Model,
				},
			}
		}
		return ClassifiedMessage{
			EventType: EventStreamData,
			Data:      map[string]any{"type": "system", "raw": obj},
		}

	case "assistant":
		content, ok := assistantContentBlocks(msg.Message)
		if !ok {
			return ClassifiedMessage{
				EventType: EventStreamData,
				Data:      map[string]any{"type": "assistant", "raw": obj},
			}
		}
		data := map[string]any{
			"type":    "assistant_response",
			"content": content,
			"text":    ExtractText(obj),
		}
		if msg.ChunkIndex != nil {
			data["chunkIndex"] = *msg.ChunkIndex
		}
		if msg.TotalChunks != nil {
			data["totalChunks"] = *msg.TotalChunks
		}
		if msg.IsFinal != nil {
			data["isFinal"] = *msg.IsFinal
		}
		return ClassifiedMessage{EventType: EventAssistantMessage, Data: data}

	case "tool_use":
		var input any
		if len(msg.ToolInput) > 0 {
			json.Unmarshal(msg.ToolInput, &input)
		}
		return ClassifiedMessage{
			EventType: EventToolUse,
			Data: map[string]any{
				"toolName": msg.ToolName,
				"toolId":   msg.ToolID,
				"input":    input,
			},
		}

	case "tool_result":
		var content any
		if len(msg.Content) > 0 {
			json.Unmarshal(msg.Content, &content)
		}
		return ClassifiedMessage{
			EventType: EventToolResult,
			Data: map[string]any{
				"toolId":  msg.ToolID,
				"content": content,
			},
		}

	case "result":
		var usage any
		if len(msg.Usage) > 0 {
			json.Unmarshal(msg.Usage, &usage)
		}
		return ClassifiedMessage{
			EventType: EventConversationResult,
			Data: map[string]any{
				"type":       "final_result",
				"success":    !msg.IsError,
				"result":     msg.Result,
				"durationMs": msg.DurationMS,
				"costUsd":    msg.TotalCost,
				"usage":      usage,
				"sessionId":  msg.SessionID,
			},
		}

	default:
		return ClassifiedMessage{EventType: EventStreamData, Data: obj}
	}
}

// assistantContentBlocks returns the content-block array of an assistant
// message, or ok=false when the message content is not an array.
func assistantContentBlocks(message json.RawMessage) ([]any, bool) {
	if len(message) == 0 {
		return nil, false
	}
	var wrapper struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(message, &wrapper); err != nil {
		return nil, false
	}
	var blocks []any
	if err := json.Unmarshal(wrapper.Content, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// ExtractText pulls displayable text out of a message in any of its known
// shapes: a bare string, a .result field, a .text field, the first text
// content block, or a string .content.
func ExtractText(msg any) string {
	switch v := msg.(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["result"].(string); ok && s != "" {
			return s
		}
		if s, ok := v["text"].(string); ok && s != "" {
			return s
		}
		// message wrapper: {message: {content: ...}}
		if inner, ok := v["message"].(map[string]any); ok {
			if s := ExtractText(inner); s != "" {
				return s
			}
		}
		switch content := v["content"].(type) {
		case string:
			return content
		case []any:
			for _, block := range content {
				b, ok := block.(map[string]any)
				if !ok {
					continue
				}
				if b["type"] == "text" {
					if s, ok := b["text"].(string); ok {
						return s
					}
				}
			}
		}
	}
	return ""
}

// permissionKeywords are phrases that mark an assistant message as an
// interactive permission request.
var permissionKeywords = []string{
	"permission",
	"approve this",
	"do you want to proceed",
	"allow this tool",
	"requires approval",
}

// IsPermissionRequest reports whether the text reads like a permission
// prompt needing a yes/no answer from the client.
func IsPermissionRequest(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range permissionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// toolKeywords mark text as describing a tool invocation.
var toolKeywords = []string{
	"tool_use",
	"using tool",
	"running tool",
	"invoking tool",
}

// IsToolUseText reports whether free-form text describes a tool invocation.
func IsToolUseText(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range toolKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// IsApprovalResponse interprets a user's reply to a permission prompt.
// Case-insensitive and whitespace-trimmed; anything not an explicit yes is
// a denial.
func IsApprovalResponse(response string) bool {
	switch strings.ToLower(strings.TrimSpace(response)) {
	case "y", "yes", "approve", "approved", "ok", "allow":
		return true
	default:
		return false
	}
}

// CodeBlock is one fenced code block extracted from assistant text.
type CodeBlock struct {
	Language string
	Code     string
}

// ExtractCodeBlocks returns every fenced code block in the text, in order.
func ExtractCodeBlocks(text string) []CodeBlock {
	var blocks []CodeBlock
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		rest = rest[start+3:]
		end := strings.Index(rest, "```")
		if end < 0 {
			break
		}
		body := rest[:end]
		rest = rest[end+3:]

		lang := ""
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			lang = strings.TrimSpace(body[:nl])
			body = body[nl+1:]
		} else {
			// single-line fence with no newline: treat whole body as code
			lang = ""
		}
		blocks = append(blocks, CodeBlock{
			Language: lang,
			Code:     strings.TrimSuffix(body, "\n"),
		})
	}
	return blocks
}

// truncateForLog shortens long payloads for debug logging.
func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
