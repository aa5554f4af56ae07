package claude

import (
	"testing"
)

func TestClassifySystemInit(t *testing.T) {
	raw := `{"type":"system","subtype":"init","session_id":"abc-123","cwd":"/work","tools":["read","bash"],"model":"opus"}`
	cm := Classify([]byte(raw))
	if cm.EventType != EventSystemInit {
		t.Fatalf("EventType = %s, want %s", cm.EventType, EventSystemInit)
	}
	data := cm.Data.(map[string]any)
	if data["sessionId"] != "abc-123" {
		t.Errorf("sessionId = %v, want abc-123", data["sessionId"])
	}
	if data["cwd"] != "/work" {
		t.Errorf("cwd = %v, want /work", data["cwd"])
	}
	if data["model"] != "opus" {
		t.Errorf("model = %v, want opus", data["model"])
	}
}

func TestClassifySystemOther(t *testing.T) {
	cm := Classify([]byte(`{"type":"system","subtype":"status","detail":"warming up"}`))
	if cm.EventType != EventStreamData {
		t.Fatalf("EventType = %s, want %s", cm.EventType, EventStreamData)
	}
	data := cm.Data.(map[string]any)
	if data["type"] != "system" {
		t.Errorf("data.type = %v, want system", data["type"])
	}
}

func TestClassifyAssistantWithContentBlocks(t *testing.T) {
	raw := `{"type":"assistant","message":{"content":[{"type":"text","text":"hello there"}]}}`
	cm := Classify([]byte(raw))
	if cm.EventType != EventAssistantMessage {
		t.Fatalf("EventType = %s, want %s", cm.EventType, EventAssistantMessage)
	}
	data := cm.Data.(map[string]any)
	if data["type"] != "assistant_response" {
		t.Errorf("data.type = %v, want assistant_response", data["type"])
	}
	if data["text"] != "hello there" {
		t.Errorf("text = %v, want hello there", data["text"])
	}
}

func TestClassifyAssistantNonArrayContentFallsBack(t *testing.T) {
	raw := `{"type":"assistant","message":{"content":"just a string"}}`
	cm := Classify([]byte(raw))
	if cm.EventType != EventStreamData {
		t.Fatalf("EventType = %s, want %s", cm.EventType, EventStreamData)
	}
	data := cm.Data.(map[string]any)
	if data["type"] != "assistant" {
		t.Errorf("data.type = %v, want assistant", data["type"])
	}
}

func TestClassifyAssistantChunkMetadata(t *testing.T) {
	raw := `{"type":"assistant","chunk_index":1,"total_chunks":3,"is_final":false,"message":{"content":[{"type":"text","text":"Part 2"}]}}`
	cm := Classify([]byte(raw))
	data := cm.Data.(map[string]any)
	if data["chunkIndex"] != 1 {
		t.Errorf("chunkIndex = %v, want 1", data["chunkIndex"])
	}
	if data["totalChunks"] != 3 {
		t.Errorf("totalChunks = %v, want 3", data["totalChunks"])
	}
	if data["isFinal"] != false {
		t.Errorf("isFinal = %v, want false", data["isFinal"])
	}
}

func TestClassifyToolUse(t *testing.T) {
	raw := `{"type":"tool_use","tool_name":"calculator","tool_id":"t1","tool_input":{"a":1}}`
	cm := Classify([]byte(raw))
	if cm.EventType != EventToolUse {
		t.Fatalf("EventType = %s, want %s", cm.EventType, EventToolUse)
	}
	data := cm.Data.(map[string]any)
	if data["toolName"] != "calculator" {
		t.Errorf("toolName = %v, want calculator", data["toolName"])
	}
	if data["toolId"] != "t1" {
		t.Errorf("toolId = %v, want t1", data["toolId"])
	}
}

func TestClassifyToolResult(t *testing.T) {
	cm := Classify([]byte(`{"type":"tool_result","tool_id":"t1","content":"2"}`))
	if cm.EventType != EventToolResult {
		t.Fatalf("EventType = %s, want %s", cm.EventType, EventToolResult)
	}
	data := cm.Data.(map[string]any)
	if data["toolId"] != "t1" {
		t.Errorf("toolId = %v, want t1", data["toolId"])
	}
}

func TestClassifyConversationResult(t *testing.T) {
	raw := `{"type":"result","is_error":false,"result":"done","duration_ms":1200,"total_cost_usd":0.05,"session_id":"abc"}`
	cm := Classify([]byte(raw))
	if cm.EventType != EventConversationResult {
		t.Fatalf("EventType = %s, want %s", cm.EventType, EventConversationResult)
	}
	data := cm.Data.(map[string]any)
	if data["type"] != "final_result" {
		t.Errorf("data.type = %v, want final_result", data["type"])
	}
	if data["success"] != true {
		t.Errorf("success = %v, want true", data["success"])
	}
	if data["sessionId"] != "abc" {
		t.Errorf("sessionId = %v, want abc", data["sessionId"])
	}
}

func TestClassifyErrorResult(t *testing.T) {
	cm := Classify([]byte(`{"type":"result","is_error":true}`))
	data := cm.Data.(map[string]any)
	if data["success"] != false {
		t.Errorf("success = %v, want false", data["success"])
	}
}

func TestClassifyPassthrough(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want any
	}{
		{"bare JSON string", `"hello"`, "hello"},
		{"null", `null`, nil},
		{"plain text", `not json at all`, "not json at all"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cm := Classify([]byte(tt.raw))
			if cm.EventType != EventStreamData {
				t.Fatalf("EventType = %s, want %s", cm.EventType, EventStreamData)
			}
			if cm.Data != tt.want {
				t.Errorf("Data = %v, want %v", cm.Data, tt.want)
			}
		})
	}
}

func TestClassifyUnknownObjectKeptIntact(t *testing.T) {
	cm := Classify([]byte(`{"type":"telemetry","tokens":42}`))
	if cm.EventType != EventStreamData {
		t.Fatalf("EventType = %s, want %s", cm.EventType, EventStreamData)
	}
	data := cm.Data.(map[string]any)
	if data["type"] != "telemetry" {
		t.Errorf("data.type = %v, want telemetry", data["type"])
	}
	if data["tokens"] != float64(42) {
		t.Errorf("data.tokens = %v, want 42", data["tokens"])
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name string
		msg  any
		want string
	}{
		{"bare string", "plain", "plain"},
		{"result field", map[string]any{"result": "from result"}, "from result"},
		{"text field", map[string]any{"text": "from text"}, "from text"},
		{"string content", map[string]any{"content": "from content"}, "from content"},
		{"content block", map[string]any{"content": []any{
			map[string]any{"type": "tool_use"},
			map[string]any{"type": "text", "text": "from block"},
		}}, "from block"},
		{"nested message", map[string]any{"message": map[string]any{"content": "nested"}}, "nested"},
		{"nothing", map[string]any{"other": 1}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractText(tt.msg); got != tt.want {
				t.Errorf("ExtractText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsApprovalResponse(t *testing.T) {
	approvals := []string{"y", "Y", "yes", "YES", "approve", " Yes "}
	for _, s := range approvals {
		if !IsApprovalResponse(s) {
			t.Errorf("IsApprovalResponse(%q) = false, want true", s)
		}
	}
	denials := []string{"n", "no", "deny", "", "maybe", "yess"}
	for _, s := range denials {
		if IsApprovalResponse(s) {
			t.Errorf("IsApprovalResponse(%q) = true, want false", s)
		}
	}
}

func TestIsPermissionRequest(t *testing.T) {
	if !IsPermissionRequest("Claude needs your permission to run bash") {
		t.Error("permission text not detected")
	}
	if !IsPermissionRequest("This command requires approval before running") {
		t.Error("approval text not detected")
	}
	if IsPermissionRequest("here is your answer: 42") {
		t.Error("plain answer detected as permission request")
	}
}

func TestIsToolUseText(t *testing.T) {
	if !IsToolUseText("Using tool: calculator") {
		t.Error("tool text not detected")
	}
	if IsToolUseText("the result is 42") {
		t.Error("plain text detected as tool use")
	}
}

func TestExtractCodeBlocks(t *testing.T) {
	text := "intro\n```go\nfunc main() {}\n```\nmiddle\n```\nplain\n```\ntail"
	blocks := ExtractCodeBlocks(text)
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if blocks[0].Language != "go" {
		t.Errorf("block 0 language = %q, want go", blocks[0].Language)
	}
	if blocks[0].Code != "func main() {}" {
		t.Errorf("block 0 code = %q", blocks[0].Code)
	}
	if blocks[1].Language != "" {
		t.Errorf("block 1 language = %q, want empty", blocks[1].Language)
	}
	if blocks[1].Code != "plain" {
		t.Errorf("block 1 code = %q, want plain", blocks[1].Code)
	}
}

func TestExtractCodeBlocksNone(t *testing.T) {
	if blocks := ExtractCodeBlocks("no fences here"); len(blocks) != 0 {
		t.Errorf("got %d blocks, want 0", len(blocks))
	}
}
