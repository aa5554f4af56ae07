package claude

import (
	"fmt"
	"testing"
	"time"

	"github.com/zhubert/relay-core/events"
)

func newTestEmitter(t *testing.T) (*ResponseEmitter, <-chan events.Event) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	ch, unsub := bus.Subscribe()
	t.Cleanup(unsub)
	return NewResponseEmitter(bus), ch
}

func assistantChunk(text string, index, total int, final bool) ClassifiedMessage {
	return Classify([]byte(fmt.Sprintf(
		`{"type":"assistant","chunk_index":%d,"total_chunks":%d,"is_final":%t,"message":{"content":[{"type":"text","text":%q}]}}`,
		index, total, final, text)))
}

func TestChunkAggregationEmitsOneEvent(t *testing.T) {
	emitter, ch := newTestEmitter(t)

	emitter.HandleClassified("s1", assistantChunk("Part 1", 0, 3, false))
	emitter.HandleClassified("s1", assistantChunk("Part 2", 1, 3, false))
	emitter.HandleClassified("s1", assistantChunk("Part 3", 2, 3, true))

	var responses []events.Event
	for _, ev := range drainEvents(ch) {
		if ev.Type == events.AICLIResponse {
			responses = append(responses, ev)
		}
	}
	if len(responses) != 1 {
		t.Fatalf("got %d aicliResponse events, want exactly 1", len(responses))
	}
	if got := responses[0].Data["content"]; got != "Part 1 Part 2 Part 3" {
		t.Errorf("content = %q, want %q", got, "Part 1 Part 2 Part 3")
	}
}

func TestChunkAggregationPreservesArrivalOrder(t *testing.T) {
	emitter, ch := newTestEmitter(t)

	emitter.HandleClassified("s1", assistantChunk("B", 0, 2, false))
	emitter.HandleClassified("s1", assistantChunk("A", 1, 2, true))

	for _, ev := range drainEvents(ch) {
		if ev.Type == events.AICLIResponse {
			if ev.Data["content"] != "B A" {
				t.Errorf("content = %q, want %q (arrival order)", ev.Data["content"], "B A")
			}
			return
		}
	}
	t.Fatal("no aicliResponse emitted")
}

func TestNonTerminalChunksEmitThinkingUpdates(t *testing.T) {
	emitter, ch := newTestEmitter(t)

	emitter.HandleClassified("s1", assistantChunk("Part 1", 0, 2, false))

	var sawThinking bool
	for _, ev := range drainEvents(ch) {
		if ev.Type == events.ThinkingUpdate {
			sawThinking = true
			if ev.Data["partial"] != "Part 1" {
				t.Errorf("partial = %v, want Part 1", ev.Data["partial"])
			}
		}
		if ev.Type == events.AICLIResponse {
			t.Error("non-terminal chunk emitted a final response")
		}
	}
	if !sawThinking {
		t.Error("no thinkingUpdate for non-terminal chunk")
	}
}

func TestUnchunkedAssistantEmitsImmediately(t *testing.T) {
	emitter, ch := newTestEmitter(t)

	emitter.HandleClassified("s1", Classify([]byte(
		`{"type":"assistant","message":{"content":[{"type":"text","text":"quick answer"}]}}`)))

	for _, ev := range drainEvents(ch) {
		if ev.Type == events.AICLIResponse {
			if ev.Data["content"] != "quick answer" {
				t.Errorf("content = %v", ev.Data["content"])
			}
			return
		}
	}
	t.Fatal("no aicliResponse emitted")
}

func TestToolEventsPassThrough(t *testing.T) {
	emitter, ch := newTestEmitter(t)

	emitter.HandleClassified("s1", Classify([]byte(
		`{"type":"tool_use","tool_name":"calculator","tool_id":"t1"}`)))
	emitter.HandleClassified("s1", Classify([]byte(
		`{"type":"tool_result","tool_id":"t1","content":"2"}`)))

	var sawUse, sawResult bool
	for _, ev := range drainEvents(ch) {
		switch ev.Type {
		case events.ToolUse:
			sawUse = true
			if ev.Data["toolName"] != "calculator" {
				t.Errorf("toolName = %v", ev.Data["toolName"])
			}
		case events.ToolResult:
			sawResult = true
		}
	}
	if !sawUse || !sawResult {
		t.Errorf("sawUse=%t sawResult=%t, want both", sawUse, sawResult)
	}
}

func TestErrorResultEmitsAICLIError(t *testing.T) {
	emitter, ch := newTestEmitter(t)

	emitter.HandleClassified("s1", Classify([]byte(
		`{"type":"result","is_error":true,"result":"boom"}`)))

	for _, ev := range drainEvents(ch) {
		if ev.Type == events.AICLIError {
			if ev.Data["success"] != false {
				t.Errorf("success = %v, want false", ev.Data["success"])
			}
			return
		}
		if ev.Type == events.AICLIResponse {
			t.Fatal("error result emitted aicliResponse")
		}
	}
	t.Fatal("no aicliError emitted")
}

func TestStreamDataEmitsThinkingUpdate(t *testing.T) {
	emitter, ch := newTestEmitter(t)

	emitter.HandleClassified("s1", Classify([]byte(`"raw diagnostic"`)))

	for _, ev := range drainEvents(ch) {
		if ev.Type == events.ThinkingUpdate {
			if ev.Data["data"] != "raw diagnostic" {
				t.Errorf("data = %v", ev.Data["data"])
			}
			return
		}
	}
	t.Fatal("no thinkingUpdate emitted")
}

func TestResultParkedWhilePermissionPending(t *testing.T) {
	emitter, ch := newTestEmitter(t)

	emitter.HandleClassified("s1", Classify([]byte(
		`{"type":"assistant","message":{"content":[{"type":"text","text":"permission needed to write file"}]}}`)))
	emitter.HandleClassified("s1", Classify([]byte(
		`{"type":"result","is_error":false,"result":"written"}`)))

	for _, ev := range drainEvents(ch) {
		if ev.Type == events.AICLIResponse || ev.Type == events.AICLIError {
			t.Fatalf("result leaked while permission pending: %v", ev.Type)
		}
	}

	pending, data := emitter.takePendingPermission("s1")
	if !pending {
		t.Fatal("no pending permission recorded")
	}
	if data == nil || data["result"] != "written" {
		t.Errorf("parked final response = %v", data)
	}
}

func TestLastOutputAndClear(t *testing.T) {
	emitter, _ := newTestEmitter(t)

	if !emitter.LastOutput("s1").IsZero() {
		t.Error("LastOutput for unseen session should be zero")
	}

	before := time.Now()
	emitter.HandleClassified("s1", Classify([]byte(`"x"`)))
	last := emitter.LastOutput("s1")
	if last.Before(before) {
		t.Errorf("LastOutput = %v, want >= %v", last, before)
	}

	emitter.ClearSession("s1")
	if !emitter.LastOutput("s1").IsZero() {
		t.Error("LastOutput after ClearSession should be zero")
	}
}
