package agenttest

import (
	"context"
	"testing"
	"time"

	"github.com/adsdev/ads/internal/agent"
	"github.com/adsdev/ads/internal/common/errs"
)

func TestAdapter_EchoByDefault(t *testing.T) {
	adapter := New("claude")
	if adapter.ID() != "claude" || adapter.Name() != "Claude" {
		t.Fatalf("unexpected identity: %s/%s", adapter.ID(), adapter.Name())
	}

	events, err := adapter.Send(context.Background(), agent.TextInput("say hi"), agent.SendOptions{})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	result := agent.Collect(events, nil)

	if result.Text != "say hi" {
		t.Fatalf("echo text = %q", result.Text)
	}
	if adapter.SendCount() != 1 || adapter.LastInput().Text != "say hi" {
		t.Fatalf("send not recorded")
	}
}

func TestAdapter_ScriptedDeltas(t *testing.T) {
	adapter := New("claude")
	adapter.Reply = func(agent.Input) []agent.Event {
		return []agent.Event{
			{Phase: agent.PhaseDelta, Text: "hi"},
			{Phase: agent.PhaseDelta, Text: "!"},
		}
	}

	events, err := adapter.Send(context.Background(), agent.TextInput("hello"), agent.SendOptions{})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var deltas []string
	result := agent.Collect(events, func(ev agent.Event) {
		if ev.Phase == agent.PhaseDelta {
			deltas = append(deltas, ev.Text)
		}
	})

	if len(deltas) != 2 || deltas[0] != "hi" || deltas[1] != "!" {
		t.Fatalf("unexpected deltas: %v", deltas)
	}
	// The synthesized result concatenates the non-step delta text.
	if result.Text != "hi!" {
		t.Fatalf("result text = %q, want %q", result.Text, "hi!")
	}
	if result.ThreadID == "" {
		t.Fatal("expected a synthesized thread id")
	}
}

func TestAdapter_StepDeltasExcludedFromResult(t *testing.T) {
	adapter := New("codex")
	adapter.Reply = func(agent.Input) []agent.Event {
		return []agent.Event{
			{Phase: agent.PhaseDelta, Text: "thinking...", Step: true},
			{Phase: agent.PhaseDelta, Text: "done."},
		}
	}

	events, _ := adapter.Send(context.Background(), agent.TextInput("x"), agent.SendOptions{})
	result := agent.Collect(events, nil)
	if result.Text != "done." {
		t.Fatalf("result text = %q, want %q", result.Text, "done.")
	}
}

func TestAdapter_ScriptedDoneOverridesResult(t *testing.T) {
	adapter := New("codex")
	adapter.Reply = func(agent.Input) []agent.Event {
		return []agent.Event{
			{Phase: agent.PhaseDelta, Text: "ignored"},
			agent.Done(&agent.Result{Text: "explicit", Err: errs.New(errs.KindAdapterFailed, "boom")}),
			{Phase: agent.PhaseDelta, Text: "never played"},
		}
	}

	events, _ := adapter.Send(context.Background(), agent.TextInput("x"), agent.SendOptions{})

	var played []agent.Event
	result := agent.Collect(events, func(ev agent.Event) {
		played = append(played, ev)
	})

	if result.Text != "explicit" || !errs.IsKind(result.Err, errs.KindAdapterFailed) {
		t.Fatalf("unexpected result: %+v", result)
	}
	// One delta plus the done; the event after done never plays.
	if len(played) != 2 {
		t.Fatalf("expected 2 played events, got %d", len(played))
	}
}

func TestAdapter_CancellationMidStream(t *testing.T) {
	adapter := New("claude")
	adapter.Delay = 10 * time.Millisecond
	adapter.Reply = func(agent.Input) []agent.Event {
		return []agent.Event{
			{Phase: agent.PhaseDelta, Text: "one"},
			{Phase: agent.PhaseDelta, Text: "two"},
			{Phase: agent.PhaseDelta, Text: "three"},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	events, err := adapter.Send(ctx, agent.TextInput("x"), agent.SendOptions{})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var count int
	result := agent.Collect(events, func(ev agent.Event) {
		if ev.Phase != agent.PhaseDelta {
			return
		}
		count++
		if count == 1 {
			cancel()
		}
	})

	if !errs.IsKind(result.Err, errs.KindCancelled) {
		t.Fatalf("expected cancelled result, got %v", result.Err)
	}
	if count >= 3 {
		t.Fatalf("stream should stop early, played %d deltas", count)
	}
	if result.Text == "" {
		t.Fatal("partial text should survive cancellation")
	}
}

func TestAdapter_ResumeThreadSticks(t *testing.T) {
	adapter := New("claude")
	adapter.ResumeThread("thread-keep")

	events, _ := adapter.Send(context.Background(), agent.TextInput("x"), agent.SendOptions{})
	result := agent.Collect(events, nil)
	if result.ThreadID != "thread-keep" {
		t.Fatalf("thread id = %q, want %q", result.ThreadID, "thread-keep")
	}
}

func TestAdapter_StatusAndSendErrors(t *testing.T) {
	adapter := New("gemini")
	adapter.StatusErr = errs.New(errs.KindAdapterNotReady, "binary missing")
	if adapter.Status().Ready {
		t.Fatal("expected not ready")
	}
	if _, err := adapter.Send(context.Background(), agent.TextInput("x"), agent.SendOptions{}); err == nil {
		t.Fatal("expected send error for unavailable adapter")
	}

	adapter.StatusErr = nil
	adapter.SendErr = errs.New(errs.KindAdapterFailed, "forced")
	if _, err := adapter.Send(context.Background(), agent.TextInput("x"), agent.SendOptions{}); err == nil {
		t.Fatal("expected forced send error")
	}
}
