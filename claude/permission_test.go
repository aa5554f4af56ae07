package claude

import (
	"reflect"
	"testing"
	"time"

	"github.com/zhubert/relay-core/events"
)

func TestBuildPermissionArgsSkipOverride(t *testing.T) {
	p := NewPermissionConfig()
	p.SetMode("strict")
	p.SetAllowedTools([]string{"safe1"})
	p.SetDisallowedTools([]string{"danger1"})

	got := p.BuildPermissionArgs(true)
	want := []string{"--dangerously-skip-permissions"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BuildPermissionArgs(true) = %v, want %v", got, want)
	}
}

func TestBuildPermissionArgsFullOrder(t *testing.T) {
	p := NewPermissionConfig()
	p.SetMode("strict")
	p.SetAllowedTools([]string{"safe1"})
	p.SetDisallowedTools([]string{"danger1"})

	got := p.BuildPermissionArgs(false)
	want := []string{"--permission-mode", "strict", "--allow-tools", "safe1", "--disallow-tools", "danger1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BuildPermissionArgs(false) = %v, want %v", got, want)
	}
}

func TestBuildPermissionArgsDefaults(t *testing.T) {
	p := NewPermissionConfig()
	if got := p.BuildPermissionArgs(false); len(got) != 0 {
		t.Errorf("BuildPermissionArgs on defaults = %v, want empty", got)
	}
}

func TestBuildPermissionArgsDefaultModeOmitted(t *testing.T) {
	p := NewPermissionConfig()
	p.SetMode("default")
	p.SetAllowedTools([]string{"a", "b"})

	got := p.BuildPermissionArgs(false)
	want := []string{"--allow-tools", "a,b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BuildPermissionArgs = %v, want %v", got, want)
	}
}

func TestBuildPermissionArgsStoredSkip(t *testing.T) {
	p := NewPermissionConfig()
	p.SetSkipPermissions(true)
	p.SetMode("strict")

	got := p.BuildPermissionArgs(false)
	want := []string{"--dangerously-skip-permissions"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BuildPermissionArgs with stored skip = %v, want %v", got, want)
	}
}

func TestSettersAreReadBackCleanly(t *testing.T) {
	p := NewPermissionConfig()
	tools := []string{"one", "two"}
	p.SetAllowedTools(tools)
	tools[0] = "mutated"
	if got := p.AllowedTools(); got[0] != "one" {
		t.Errorf("AllowedTools leaked caller slice: %v", got)
	}

	p.SetMode("")
	if p.Mode() != PermissionModeDefault {
		t.Errorf("empty mode should reset to default, got %q", p.Mode())
	}
}

// stubSessions implements SessionChecker for permission-prompt tests.
type stubSessions struct {
	known    map[string]bool
	activity []string
}

func (s *stubSessions) HasSession(id string) bool { return s.known[id] }
func (s *stubSessions) TrackClaudeSessionActivity(id string) {
	s.activity = append(s.activity, id)
}

func drainEvents(ch <-chan events.Event) []events.Event {
	var got []events.Event
	for {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-time.After(100 * time.Millisecond):
			return got
		}
	}
}

func TestHandlePermissionPromptUnknownSession(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	emitter := NewResponseEmitter(bus)
	sessions := &stubSessions{known: map[string]bool{}}

	_, err := HandlePermissionPrompt("ghost", "yes", sessions, emitter)
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestHandlePermissionPromptNothingPending(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	emitter := NewResponseEmitter(bus)
	sessions := &stubSessions{known: map[string]bool{"s1": true}}

	handled, err := HandlePermissionPrompt("s1", "yes", sessions, emitter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handled {
		t.Error("handled = true with no pending permission, want false")
	}
}

func TestHandlePermissionPromptApproval(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch, unsub := bus.Subscribe()
	defer unsub()

	emitter := NewResponseEmitter(bus)
	sessions := &stubSessions{known: map[string]bool{"s1": true}}

	// Permission prompt arrives, then the final result gets parked.
	emitter.HandleClassified("s1", Classify([]byte(
		`{"type":"assistant","message":{"content":[{"type":"text","text":"I need permission to run bash"}]}}`)))
	emitter.HandleClassified("s1", Classify([]byte(
		`{"type":"result","is_error":false,"result":"command output"}`)))

	handled, err := HandlePermissionPrompt("s1", "yes", sessions, emitter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handled {
		t.Fatal("handled = false, want true")
	}

	got := drainEvents(ch)
	var sawPermissionRequired, sawResponse bool
	for _, ev := range got {
		switch ev.Type {
		case events.PermissionRequired:
			sawPermissionRequired = true
		case events.AICLIResponse:
			sawResponse = true
			if ev.Data["result"] != "command output" {
				t.Errorf("released response data = %v", ev.Data)
			}
		case events.PermissionDenied:
			t.Error("unexpected permissionDenied on approval")
		}
	}
	if !sawPermissionRequired {
		t.Error("no permissionRequired event emitted")
	}
	if !sawResponse {
		t.Error("approval did not release the buffered final response")
	}
	if emitter.HasPendingPermission("s1") {
		t.Error("pending flag not cleared after approval")
	}
	if len(sessions.activity) == 0 {
		t.Error("activity not bumped")
	}
}

func TestHandlePermissionPromptDenial(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch, unsub := bus.Subscribe()
	defer unsub()

	emitter := NewResponseEmitter(bus)
	sessions := &stubSessions{known: map[string]bool{"s1": true}}

	emitter.HandleClassified("s1", Classify([]byte(
		`{"type":"assistant","message":{"content":[{"type":"text","text":"permission required for rm -rf"}]}}`)))

	handled, err := HandlePermissionPrompt("s1", "no", sessions, emitter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handled {
		t.Fatal("handled = false, want true")
	}

	var sawDenied bool
	for _, ev := range drainEvents(ch) {
		if ev.Type == events.PermissionDenied {
			sawDenied = true
		}
		if ev.Type == events.AICLIResponse {
			t.Error("denial emitted an aicliResponse")
		}
	}
	if !sawDenied {
		t.Error("no permissionDenied event emitted")
	}
	if emitter.HasPendingPermission("s1") {
		t.Error("pending flag not cleared after denial")
	}
}
