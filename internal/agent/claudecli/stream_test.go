package claudecli

import (
	"strings"
	"testing"

	"github.com/adsdev/ads/internal/agent"
	"github.com/adsdev/ads/internal/common/errs"
)

func mapAll(t *testing.T, stream *streamState, lines ...string) []agent.Event {
	t.Helper()
	var events []agent.Event
	for _, line := range lines {
		events = append(events, stream.mapLine([]byte(line))...)
	}
	return events
}

func TestStream_TextDeltasAndResult(t *testing.T) {
	stream := newStreamState()
	events := mapAll(t, stream,
		`{"type":"system","subtype":"init","session_id":"sess-abc","model":"opus"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"!"}]}}`,
		`{"type":"result","subtype":"success","is_error":false,"result":"hi!","session_id":"sess-abc","usage":{"input_tokens":10,"output_tokens":2}}`,
	)

	if len(events) != 2 {
		t.Fatalf("expected 2 delta events, got %d: %+v", len(events), events)
	}
	if events[0].Phase != agent.PhaseDelta || events[0].Text != "hi" || events[0].Step {
		t.Fatalf("unexpected first delta: %+v", events[0])
	}
	if events[1].Text != "!" {
		t.Fatalf("unexpected second delta: %+v", events[1])
	}

	result := stream.result()
	if result.Text != "hi!" {
		t.Fatalf("result text = %q, want %q", result.Text, "hi!")
	}
	if result.ThreadID != "sess-abc" {
		t.Fatalf("thread id = %q, want %q", result.ThreadID, "sess-abc")
	}
	if result.Usage.InputTokens != 10 || result.Usage.OutputTokens != 2 {
		t.Fatalf("unexpected usage: %+v", result.Usage)
	}
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
}

func TestStream_ThinkingBecomesStepDelta(t *testing.T) {
	stream := newStreamState()
	events := mapAll(t, stream,
		`{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"checking the file"}]}}`,
	)

	if len(events) != 1 || events[0].Phase != agent.PhaseDelta || !events[0].Step {
		t.Fatalf("expected one step delta, got %+v", events)
	}
	if events[0].Text != "checking the file" {
		t.Fatalf("unexpected text: %q", events[0].Text)
	}
	// Step text never feeds the assembled fallback.
	if result := stream.result(); result.Text != "" {
		t.Fatalf("result text = %q, want empty", result.Text)
	}
}

func TestStream_ToolUseLifecycle(t *testing.T) {
	stream := newStreamState()
	events := mapAll(t, stream,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"toolu_1","name":"Bash","input":{"command":"ls"}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"file.txt"}]}}`,
	)

	if len(events) != 2 {
		t.Fatalf("expected 2 command events, got %d", len(events))
	}
	begin := events[0]
	if begin.Phase != agent.PhaseCommand || begin.Command == nil {
		t.Fatalf("unexpected begin event: %+v", begin)
	}
	if begin.Command.ID != "toolu_1" || begin.Command.Status != agent.StatusRunning {
		t.Fatalf("unexpected begin command: %+v", begin.Command)
	}
	if !strings.HasPrefix(begin.Command.Command, "Bash ") {
		t.Fatalf("command text should lead with the tool name: %q", begin.Command.Command)
	}
	end := events[1]
	if end.Command.ID != "toolu_1" || end.Command.Status != agent.StatusDone {
		t.Fatalf("unexpected end command: %+v", end.Command)
	}
	if end.Command.Output != "file.txt" {
		t.Fatalf("unexpected output: %q", end.Command.Output)
	}
}

func TestStream_ToolResultError(t *testing.T) {
	stream := newStreamState()
	events := mapAll(t, stream,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_2","is_error":true,"content":[{"type":"text","text":"permission denied"}]}]}}`,
	)

	if len(events) != 1 || events[0].Command.Status != agent.StatusFailed {
		t.Fatalf("expected failed command event, got %+v", events)
	}
	if events[0].Command.Output != "permission denied" {
		t.Fatalf("unexpected output: %q", events[0].Command.Output)
	}
}

func TestStream_ErrorResult(t *testing.T) {
	stream := newStreamState()
	mapAll(t, stream,
		`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"something broke"}`,
	)

	result := stream.result()
	if result.Err == nil {
		t.Fatal("expected error on result")
	}
	if !errs.IsKind(result.Err, errs.KindAdapterFailed) {
		t.Fatalf("unexpected error kind: %v", result.Err)
	}
	if result.Text != "something broke" {
		t.Fatalf("unexpected text: %q", result.Text)
	}
}

func TestStream_FallsBackToAssembledText(t *testing.T) {
	stream := newStreamState()
	mapAll(t, stream,
		`not json at all`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"partial "}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"answer"}]}}`,
	)

	if result := stream.result(); result.Text != "partial answer" {
		t.Fatalf("result text = %q, want %q", result.Text, "partial answer")
	}
}

func TestRenderToolUse(t *testing.T) {
	if got := renderToolUse("Read", nil); got != "Read" {
		t.Fatalf("renderToolUse empty input = %q", got)
	}
	got := renderToolUse("Bash", []byte(`{"command":"make test"}`))
	if got != `Bash {"command":"make test"}` {
		t.Fatalf("renderToolUse = %q", got)
	}
	long := renderToolUse("Bash", []byte(strings.Repeat("x", 500)))
	if len([]rune(long)) != maxCommandRunes {
		t.Fatalf("long command should be capped at %d runes, got %d", maxCommandRunes, len([]rune(long)))
	}
}
