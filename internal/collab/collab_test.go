package collab

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adsdev/ads/internal/agent"
	"github.com/adsdev/ads/internal/common/config"
	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/common/logger"
	"github.com/adsdev/ads/internal/tools"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine("codex", config.CollabConfig{MaxDelegations: 6, MaxSupervisorRounds: 2}, newTestLogger(t))
}

func newToolRunner(t *testing.T, root string) *tools.Runner {
	t.Helper()
	return tools.NewRunner(tools.Deps{
		Logger: newTestLogger(t),
		Policy: tools.NewPolicy(config.ToolsConfig{
			FileEnabled:       true,
			FileMaxBytes:      1 << 20,
			FileMaxWriteBytes: 1 << 20,
			PatchMaxBytes:     1 << 20,
		}, root),
	})
}

type fakeReply struct {
	text string
	err  error
}

type fakeConductor struct {
	active    string
	agents    map[string]bool
	replies   []fakeReply
	replyFor  map[string]string
	invokeErr map[string]error

	prompts []string
	invoked []string
}

func (f *fakeConductor) ActiveAgent() string     { return f.active }
func (f *fakeConductor) HasAgent(id string) bool { return f.agents[id] }

func (f *fakeConductor) Send(_ context.Context, input agent.Input, _ agent.SendOptions) (<-chan agent.Event, error) {
	f.prompts = append(f.prompts, input.Prompt())
	idx := len(f.prompts) - 1
	reply := f.replies[len(f.replies)-1]
	if idx < len(f.replies) {
		reply = f.replies[idx]
	}

	ch := make(chan agent.Event, 2)
	ch <- agent.Event{Phase: agent.PhaseDelta, Text: reply.text}
	ch <- agent.Done(&agent.Result{Text: reply.text, ThreadID: "t-1", Err: reply.err})
	close(ch)
	return ch, nil
}

func (f *fakeConductor) InvokeAgent(_ context.Context, agentID, prompt string, _ agent.SendOptions) (string, error) {
	f.invoked = append(f.invoked, agentID+":"+prompt)
	if err := f.invokeErr[agentID]; err != nil {
		return "", err
	}
	return f.replyFor[agentID], nil
}

func TestRunTurnPlainResponse(t *testing.T) {
	root := t.TempDir()
	cond := &fakeConductor{active: "claude", replies: []fakeReply{{text: "hi there"}}}

	res, err := newTestEngine(t).RunTurn(context.Background(), cond, newToolRunner(t, root), TurnRequest{
		Input:   agent.TextInput("hello"),
		BaseDir: root,
	})
	require.NoError(t, err)
	require.True(t, res.Ok)
	require.Equal(t, "hi there", res.Text)
	require.Equal(t, "hi there", res.History)
	require.Zero(t, res.Rounds)
	require.Empty(t, res.Delegations)
	require.Equal(t, "t-1", res.ThreadID)
}

func TestRunTurnOneRoundDelegation(t *testing.T) {
	root := t.TempDir()
	supervisorText := "<<<agent.claude\nrewrite doc\n>>> done."
	cond := &fakeConductor{
		active:   "codex",
		agents:   map[string]bool{"claude": true},
		replies:  []fakeReply{{text: supervisorText}, {text: supervisorText}},
		replyFor: map[string]string{"claude": "rewritten."},
	}

	res, err := newTestEngine(t).RunTurn(context.Background(), cond, newToolRunner(t, root), TurnRequest{
		Input:   agent.TextInput("fix the doc"),
		BaseDir: root,
	})
	require.NoError(t, err)
	require.True(t, res.Ok)
	require.Equal(t, 1, res.Rounds)
	require.Equal(t, "done.", res.Text)
	require.Equal(t, []Delegation{{AgentID: "claude", Prompt: "rewrite doc", Response: "rewritten."}}, res.Delegations)
	require.Equal(t, []string{"claude:rewrite doc"}, cond.invoked)

	require.Len(t, cond.prompts, 2)
	require.Contains(t, cond.prompts[1], "Result 1 from claude (prompt: rewrite doc):\nrewritten.")
	require.Contains(t, cond.prompts[1], "final answer")
}

func TestRunTurnUnknownTargetSkipNotice(t *testing.T) {
	root := t.TempDir()
	cond := &fakeConductor{
		active: "codex",
		agents: map[string]bool{},
		replies: []fakeReply{
			{text: "<<<agent.nobody\ndo a thing\n>>>\nwaiting."},
			{text: "nothing worked."},
		},
	}

	res, err := newTestEngine(t).RunTurn(context.Background(), cond, newToolRunner(t, root), TurnRequest{
		Input:   agent.TextInput("go"),
		BaseDir: root,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Rounds)
	require.Len(t, res.Delegations, 1)
	require.True(t, res.Delegations[0].Skipped)
	require.Contains(t, res.Delegations[0].Response, "not registered")
	require.Empty(t, cond.invoked)
	require.Equal(t, "nothing worked.", res.Text)
}

func TestRunTurnNestedDelegation(t *testing.T) {
	root := t.TempDir()
	cond := &fakeConductor{
		active: "codex",
		agents: map[string]bool{"claude": true, "gemini": true},
		replies: []fakeReply{
			{text: "<<<agent.claude\ndraft it\n>>>\n"},
			{text: "all set."},
		},
		replyFor: map[string]string{
			"claude": "drafted.\n<<<agent.gemini\npolish the draft\n>>>\n",
			"gemini": "polished.",
		},
	}

	res, err := newTestEngine(t).RunTurn(context.Background(), cond, newToolRunner(t, root), TurnRequest{
		Input:   agent.TextInput("write"),
		BaseDir: root,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Rounds)
	require.Equal(t, []string{"claude:draft it", "gemini:polish the draft"}, cond.invoked)
	require.Len(t, res.Delegations, 2)
	require.Equal(t, "drafted.", res.Delegations[0].Response)
	require.Equal(t, "polished.", res.Delegations[1].Response)
}

func TestRunTurnDeduplicatesDirectives(t *testing.T) {
	root := t.TempDir()
	text := "<<<agent.claude\nsame prompt\n>>>\n<<<agent.claude\nsame prompt\n>>>\n"
	cond := &fakeConductor{
		active:   "codex",
		agents:   map[string]bool{"claude": true},
		replies:  []fakeReply{{text: text}, {text: "done"}},
		replyFor: map[string]string{"claude": "once."},
	}

	res, err := newTestEngine(t).RunTurn(context.Background(), cond, newToolRunner(t, root), TurnRequest{
		Input:   agent.TextInput("go"),
		BaseDir: root,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"claude:same prompt"}, cond.invoked)
	require.Len(t, res.Delegations, 1)
}

func TestRunTurnRoundCap(t *testing.T) {
	root := t.TempDir()
	cond := &fakeConductor{
		active: "codex",
		agents: map[string]bool{"claude": true},
		replies: []fakeReply{
			{text: "<<<agent.claude\nfirst\n>>>\n"},
			{text: "<<<agent.claude\nsecond\n>>>\n"},
			{text: "<<<agent.claude\nthird\n>>>\nstopping anyway."},
		},
		replyFor: map[string]string{"claude": "ok"},
	}

	res, err := newTestEngine(t).RunTurn(context.Background(), cond, newToolRunner(t, root), TurnRequest{
		Input:   agent.TextInput("go"),
		BaseDir: root,
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Rounds)
	// The third directive was extracted past the cap and never ran.
	require.Equal(t, []string{"claude:first", "claude:second"}, cond.invoked)
	require.Equal(t, "stopping anyway.", res.Text)
}

func TestRunTurnDelegationBudget(t *testing.T) {
	root := t.TempDir()
	text := "<<<agent.claude\none\n>>>\n<<<agent.claude\ntwo\n>>>\n<<<agent.claude\nthree\n>>>\n"
	cond := &fakeConductor{
		active:   "codex",
		agents:   map[string]bool{"claude": true},
		replies:  []fakeReply{{text: text}, {text: "done"}},
		replyFor: map[string]string{"claude": "ok"},
	}
	engine := NewEngine("codex", config.CollabConfig{MaxDelegations: 2, MaxSupervisorRounds: 2}, newTestLogger(t))

	res, err := engine.RunTurn(context.Background(), cond, newToolRunner(t, root), TurnRequest{
		Input:   agent.TextInput("go"),
		BaseDir: root,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"claude:one", "claude:two"}, cond.invoked)
	require.Len(t, res.Delegations, 2)
}

func TestRunTurnDelegationFailureContinues(t *testing.T) {
	root := t.TempDir()
	cond := &fakeConductor{
		active:    "codex",
		agents:    map[string]bool{"claude": true, "gemini": true},
		replies:   []fakeReply{{text: "<<<agent.claude\na\n>>>\n<<<agent.gemini\nb\n>>>\n"}, {text: "done"}},
		replyFor:  map[string]string{"gemini": "fine"},
		invokeErr: map[string]error{"claude": errs.New(errs.KindAdapterFailed, "claude exploded")},
	}

	res, err := newTestEngine(t).RunTurn(context.Background(), cond, newToolRunner(t, root), TurnRequest{
		Input:   agent.TextInput("go"),
		BaseDir: root,
	})
	require.NoError(t, err)
	require.Len(t, res.Delegations, 2)
	require.Contains(t, res.Delegations[0].Response, "failed")
	require.Equal(t, "fine", res.Delegations[1].Response)
}

func TestRunTurnNonSupervisorSkipsDelegation(t *testing.T) {
	root := t.TempDir()
	cond := &fakeConductor{
		active:  "claude",
		agents:  map[string]bool{"gemini": true},
		replies: []fakeReply{{text: "<<<agent.gemini\nhi\n>>>\nmy own answer."}},
	}

	res, err := newTestEngine(t).RunTurn(context.Background(), cond, newToolRunner(t, root), TurnRequest{
		Input:   agent.TextInput("go"),
		BaseDir: root,
	})
	require.NoError(t, err)
	require.Zero(t, res.Rounds)
	require.Empty(t, res.Delegations)
	require.Empty(t, cond.invoked)
	require.Equal(t, "my own answer.", res.Text)
}

func TestRunTurnGuideInjection(t *testing.T) {
	root := t.TempDir()
	cond := &fakeConductor{active: "codex", replies: []fakeReply{{text: "ok"}}}

	_, err := newTestEngine(t).RunTurn(context.Background(), cond, newToolRunner(t, root), TurnRequest{
		Input:       agent.TextInput("hello"),
		BaseDir:     root,
		InjectGuide: true,
	})
	require.NoError(t, err)
	require.Contains(t, cond.prompts[0], "<<<tool.<name>")
	require.Contains(t, cond.prompts[0], "<<<agent.<id>")
	require.Contains(t, cond.prompts[0], "hello")
}

func TestRunTurnGuideWithoutDelegationForSubordinate(t *testing.T) {
	root := t.TempDir()
	cond := &fakeConductor{active: "claude", replies: []fakeReply{{text: "ok"}}}

	_, err := newTestEngine(t).RunTurn(context.Background(), cond, newToolRunner(t, root), TurnRequest{
		Input:       agent.TextInput("hello"),
		BaseDir:     root,
		InjectGuide: true,
	})
	require.NoError(t, err)
	require.Contains(t, cond.prompts[0], "<<<tool.<name>")
	require.NotContains(t, cond.prompts[0], "<<<agent.<id>")
}

func TestRunTurnToolPass(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("remember this\n"), 0o644))
	cond := &fakeConductor{
		active:  "claude",
		replies: []fakeReply{{text: "Looking:\n<<<tool.read\nnotes.txt\n>>>\nthat is all."}},
	}

	res, err := newTestEngine(t).RunTurn(context.Background(), cond, newToolRunner(t, root), TurnRequest{
		Input:   agent.TextInput("check notes"),
		BaseDir: root,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.ToolsRan)
	require.Contains(t, res.Text, "remember this")
	require.NotContains(t, res.History, "remember this")
	require.Contains(t, res.History, "that is all.")
	require.Equal(t, []tools.Explored{{Tool: "read", Target: "notes.txt"}}, res.Explored)
}

func TestRunTurnAdapterErrorSkipsToolPass(t *testing.T) {
	root := t.TempDir()
	cond := &fakeConductor{
		active: "claude",
		replies: []fakeReply{{
			text: "partial\n<<<tool.write\n{\"path\": \"leak.txt\", \"content\": \"x\"}\n>>>",
			err:  errs.Cancelled("send cancelled"),
		}},
	}

	res, err := newTestEngine(t).RunTurn(context.Background(), cond, newToolRunner(t, root), TurnRequest{
		Input:   agent.TextInput("go"),
		BaseDir: root,
	})
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindCancelled))
	require.False(t, res.Ok)
	require.Zero(t, res.ToolsRan)
	require.Contains(t, res.Text, "partial")

	_, statErr := os.Stat(filepath.Join(root, "leak.txt"))
	require.True(t, os.IsNotExist(statErr))
}

func TestRunTurnStreamsEventsToObserver(t *testing.T) {
	root := t.TempDir()
	cond := &fakeConductor{active: "claude", replies: []fakeReply{{text: "hi"}}}

	var phases []agent.Phase
	_, err := newTestEngine(t).RunTurn(context.Background(), cond, newToolRunner(t, root), TurnRequest{
		Input:   agent.TextInput("x"),
		BaseDir: root,
		OnEvent: func(ev agent.Event) { phases = append(phases, ev.Phase) },
	})
	require.NoError(t, err)
	require.Equal(t, []agent.Phase{agent.PhaseDelta, agent.PhaseDone}, phases)
}
