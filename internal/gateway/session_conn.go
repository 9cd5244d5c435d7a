package gateway

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/agent"
	"github.com/adsdev/ads/internal/command"
	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/session"
	"github.com/adsdev/ads/pkg/wire"
)

// webNamespace scopes history and pending prompts in the store; shared
// with the session manager's history surface.
const webNamespace = "web"

// historySearchLimit caps /search replies.
const historySearchLimit = 20

// sessionConn binds one client connection to its session runtime and
// interprets the inbound frame vocabulary.
type sessionConn struct {
	s  *Server
	c  *client
	rt *session.Runtime
}

// bootstrap sends the welcome snapshot and history batch, then replays
// the stored pending prompt when the last turn never acknowledged.
func (sc *sessionConn) bootstrap(ctx context.Context) {
	if frame, err := wire.New(wire.FrameTypeWelcome, sc.s.snapshot(ctx, sc.rt)); err == nil {
		sc.c.Send(frame)
	}

	entries, err := sc.s.sessions.History(ctx, sc.c.userID, historyBootstrap)
	if err != nil {
		sc.c.log.Warn("history bootstrap failed", zap.Error(err))
	} else if len(entries) > 0 {
		payload := wire.HistoryPayload{Entries: make([]wire.HistoryItem, 0, len(entries))}
		for _, e := range entries {
			payload.Entries = append(payload.Entries, wire.HistoryItem{
				Role:      e.Role,
				Kind:      e.Kind,
				Text:      e.Text,
				Timestamp: e.Timestamp,
			})
		}
		if frame, err := wire.New(wire.FrameTypeHistory, payload); err == nil {
			sc.c.Send(frame)
		}
	}

	pending, ok, err := sc.s.sessions.PendingPrompt(ctx, webNamespace, sc.c.sessionID)
	if err != nil {
		sc.c.log.Warn("pending prompt lookup failed", zap.Error(err))
		return
	}
	if ok && strings.TrimSpace(pending) != "" {
		sc.c.log.Info("replaying pending prompt")
		sc.submitPrompt(ctx, "", agent.TextInput(pending))
	}
}

// readLoop dispatches inbound frames until the connection closes. Prompt
// turns run on their own goroutine so interrupts stay immediate.
func (sc *sessionConn) readLoop(ctx context.Context) {
	for {
		frame, alive := sc.c.readFrame()
		if !alive {
			return
		}
		if frame == nil {
			continue
		}
		select {
		case <-sc.c.done:
			return
		default:
		}

		switch frame.Type {
		case wire.FrameTypePrompt:
			sc.handlePrompt(ctx, frame)
		case wire.FrameTypeCommand:
			sc.handleCommand(ctx, frame)
		case wire.FrameTypeInterrupt:
			sc.handleInterrupt()
		case wire.FrameTypeClearHistory:
			sc.handleClearHistory(ctx)
		default:
			sc.c.Send(wire.NewError(string(errs.KindValidation), "unknown frame type: "+string(frame.Type)))
		}
	}
}

func (sc *sessionConn) handlePrompt(ctx context.Context, frame *wire.Frame) {
	var payload wire.PromptPayload
	if err := frame.ParsePayload(&payload); err != nil {
		sc.c.Send(wire.NewError(string(errs.KindValidation), "invalid prompt payload: "+err.Error()))
		return
	}
	if strings.TrimSpace(payload.Text) == "" && len(payload.Images) == 0 {
		sc.c.Send(wire.NewError(string(errs.KindValidation), "prompt is empty"))
		return
	}

	// Ack first: the pending prompt survives a dropped connection and is
	// replayed on reconnect.
	if frame.ID != "" {
		if err := sc.s.sessions.SetPendingPrompt(ctx, webNamespace, sc.c.sessionID, payload.Text); err != nil {
			sc.c.log.Warn("pending prompt persist failed", zap.Error(err))
		}
		sc.c.Send(wire.NewAck(frame.ID))
	}

	input, err := sc.buildInput(payload)
	if err != nil {
		sc.c.Send(wire.NewError(string(errs.KindOf(err)), err.Error()))
		return
	}
	sc.submitPrompt(ctx, frame.ID, input)
}

// buildInput persists inline images to the temp directory and assembles
// the multi-part adapter input.
func (sc *sessionConn) buildInput(payload wire.PromptPayload) (agent.Input, error) {
	if len(payload.Images) == 0 {
		return agent.TextInput(payload.Text), nil
	}
	paths, err := sc.s.saveImages(payload.Images)
	if err != nil {
		return agent.Input{}, err
	}
	parts := make([]agent.Part, 0, len(paths)+1)
	if payload.Text != "" {
		parts = append(parts, agent.Part{Text: payload.Text})
	}
	for _, p := range paths {
		parts = append(parts, agent.Part{LocalImagePath: p})
	}
	return agent.Input{Parts: parts}, nil
}

// submitPrompt claims the runtime's turn slot or queues behind it. The
// flush after each turn drains queued prompts FIFO.
func (sc *sessionConn) submitPrompt(ctx context.Context, messageID string, input agent.Input) {
	p := session.QueuedPrompt{MessageID: messageID, Input: input}
	rt := sc.rt
	if !rt.BeginOrEnqueue(p) {
		sc.c.log.Debug("prompt queued behind active turn", zap.Int("depth", rt.QueuedCount()))
		return
	}
	go func() {
		for {
			sc.runTurn(ctx, rt, p)
			next, more := rt.FinishTurn()
			if !more {
				return
			}
			p = next
		}
	}()
}

// runTurn executes one collaboration turn and streams its events out.
func (sc *sessionConn) runTurn(ctx context.Context, rt *session.Runtime, p session.QueuedPrompt) {
	defer cleanupAttachments(p.Input)

	res, err := sc.s.sessions.RunPrompt(ctx, rt, session.PromptRequest{
		Input:   p.Input,
		OnEvent: sc.relayEvent,
	})

	if res != nil && len(res.Explored) > 0 {
		targets := make([]string, 0, len(res.Explored))
		for _, e := range res.Explored {
			targets = append(targets, e.Tool+" "+e.Target)
		}
		if frame, ferr := wire.New(wire.FrameTypeExplored, wire.ExploredPayload{Targets: targets}); ferr == nil {
			sc.c.Send(frame)
		}
	}

	switch {
	case err == nil:
		output := ""
		if res != nil {
			output = res.Text
		}
		sc.c.Send(wire.NewResult(true, output))
	case errs.IsKind(err, errs.KindCancelled) || ctx.Err() != nil:
		sc.c.Send(wire.NewResult(false, "interrupted, output may be partial"))
	default:
		sc.c.Send(wire.NewError(string(errs.KindOf(err)), err.Error()))
		output := err.Error()
		if res != nil && res.Text != "" {
			output = res.Text
		}
		sc.c.Send(wire.NewResult(false, output))
	}

	// The turn delivered its result frame, so the prompt is no longer
	// pending regardless of outcome.
	if cerr := sc.s.sessions.ClearPendingPrompt(ctx, webNamespace, sc.c.sessionID); cerr != nil {
		sc.c.log.Warn("pending prompt clear failed", zap.Error(cerr))
	}
}

// relayEvent maps one adapter stream event onto an outbound frame.
func (sc *sessionConn) relayEvent(ev agent.Event) {
	switch ev.Phase {
	case agent.PhaseDelta:
		sc.c.Send(wire.NewDelta(ev.Text, ev.Step))
	case agent.PhaseCommand:
		if ev.Command == nil {
			return
		}
		frame, err := wire.New(wire.FrameTypeCommand, wire.CommandEventPayload{
			ID:       ev.Command.ID,
			Command:  ev.Command.Command,
			Status:   ev.Command.Status,
			ExitCode: ev.Command.ExitCode,
			Output:   ev.Command.Output,
		})
		if err == nil {
			sc.c.Send(frame)
		}
	case agent.PhasePlan:
		items := make([]wire.PlanItem, 0, len(ev.Plan))
		for _, item := range ev.Plan {
			items = append(items, wire.PlanItem{Step: item.Step, Status: item.Status})
		}
		if frame, err := wire.New(wire.FrameTypePlan, wire.PlanPayload{Items: items}); err == nil {
			sc.c.Send(frame)
		}
	case agent.PhasePatch:
		if ev.Patch == nil {
			return
		}
		frame, err := wire.New(wire.FrameTypePatch, wire.PatchPayload{
			Diff:   ev.Patch.Diff,
			Files:  ev.Patch.Files,
			Status: ev.Patch.Status,
		})
		if err == nil {
			sc.c.Send(frame)
		}
	case agent.PhaseError:
		if ev.Err != nil {
			sc.c.Send(wire.NewError(string(errs.KindOf(ev.Err)), ev.Err.Error()))
		}
	}
}

// Gateway built-ins; everything else routes to the command table.
const (
	builtinCd           = "cd"
	builtinPwd          = "pwd"
	builtinSearch       = "search"
	builtinAgent        = "agent"
	builtinClearHistory = "clear_history"
)

func (sc *sessionConn) handleCommand(ctx context.Context, frame *wire.Frame) {
	var line string
	if err := frame.ParsePayload(&line); err != nil {
		sc.c.Send(wire.NewError(string(errs.KindValidation), "invalid command payload"))
		return
	}
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "/") {
		sc.c.Send(wire.NewError(string(errs.KindValidation), "commands start with /"))
		return
	}
	sc.recordHistory(ctx, "user", "command", line)

	verb, rest := splitCommand(line)
	var res command.Result
	switch verb {
	case builtinCd, builtinPwd, builtinSearch, builtinAgent, builtinClearHistory:
		if sc.s.router.ReviewActive() && verb != builtinPwd {
			res = command.Result{OK: false, Output: "Error: review in progress; /" + verb + " is locked until /ads.review --done"}
		} else {
			res = sc.runBuiltin(ctx, verb, rest)
		}
	default:
		res = sc.s.router.Dispatch(ctx, command.Request{
			Line:   line,
			Dir:    sc.rt.Cwd(),
			UserID: sc.c.userID,
		})
	}

	sc.c.Send(wire.NewResult(res.OK, res.Output))
	kind := "status"
	if !res.OK {
		kind = "error"
	}
	sc.recordHistory(ctx, "status", kind, res.Output)

	// Routed commands can flip the review lock or mutate the queue;
	// refresh the snapshot so the console reflects it.
	if frame, err := wire.New(wire.FrameTypeWorkspace, sc.s.snapshot(ctx, sc.rt)); err == nil {
		sc.c.Send(frame)
	}
}

func (sc *sessionConn) runBuiltin(ctx context.Context, verb, rest string) command.Result {
	switch verb {
	case builtinCd:
		if rest == "" {
			return command.Result{OK: false, Output: "Error: usage: /cd <path>"}
		}
		resolved, err := sc.s.sessions.SetUserCwd(ctx, sc.c.userID, rest)
		if err != nil {
			return command.Result{OK: false, Output: "Error: " + err.Error()}
		}
		return command.Result{OK: true, Output: "cwd: " + resolved}

	case builtinPwd:
		return command.Result{OK: true, Output: sc.rt.Cwd()}

	case builtinSearch:
		if rest == "" {
			return command.Result{OK: false, Output: "Error: usage: /search <query>"}
		}
		entries, err := sc.s.sessions.SearchHistory(ctx, sc.c.userID, rest, historySearchLimit)
		if err != nil {
			return command.Result{OK: false, Output: "Error: " + err.Error()}
		}
		if len(entries) == 0 {
			return command.Result{OK: true, Output: "no history matches: " + rest}
		}
		var b strings.Builder
		for i, e := range entries {
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, e.Role, e.Text)
		}
		return command.Result{OK: true, Output: strings.TrimRight(b.String(), "\n")}

	case builtinAgent:
		if rest == "" {
			var b strings.Builder
			for _, a := range sc.rt.Orchestrator().ListAgents() {
				marker := " "
				if a.Active {
					marker = "*"
				}
				state := "ready"
				if !a.Ready {
					state = "unavailable"
				}
				fmt.Fprintf(&b, "%s %s (%s, %s)\n", marker, a.ID, a.Name, state)
			}
			return command.Result{OK: true, Output: strings.TrimRight(b.String(), "\n")}
		}
		if err := sc.s.sessions.SwitchAgent(sc.c.userID, rest); err != nil {
			return command.Result{OK: false, Output: "Error: " + err.Error()}
		}
		return command.Result{OK: true, Output: "active agent: " + rest}

	case builtinClearHistory:
		return sc.clearHistory(ctx)
	}
	return command.Result{OK: false, Output: "Unknown command: " + verb}
}

func (sc *sessionConn) handleInterrupt() {
	if !sc.rt.Interrupt() {
		sc.c.Send(wire.NewError(string(errs.KindNotFound), "nothing is running"))
	}
	// The aborted turn delivers its own terminal result frame.
}

func (sc *sessionConn) handleClearHistory(ctx context.Context) {
	res := sc.clearHistory(ctx)
	sc.c.Send(wire.NewResult(res.OK, res.Output))
}

// clearHistory purges the ring and rebuilds the runtime; the session
// manager's reset dropped the old one.
func (sc *sessionConn) clearHistory(ctx context.Context) command.Result {
	if err := sc.s.sessions.ClearHistory(ctx, sc.c.userID); err != nil {
		return command.Result{OK: false, Output: "Error: " + err.Error()}
	}
	rt, err := sc.s.sessions.GetOrCreate(ctx, sc.c.userID, "", false)
	if err != nil {
		return command.Result{OK: false, Output: "Error: " + err.Error()}
	}
	sc.rt = rt
	return command.Result{OK: true, Output: "history cleared"}
}

func (sc *sessionConn) recordHistory(ctx context.Context, role, kind, text string) {
	if text == "" {
		return
	}
	if err := sc.s.sessions.AddHistoryEntry(ctx, sc.c.userID, role, kind, text); err != nil {
		sc.c.log.Warn("history write failed", zap.Error(err))
	}
}

// splitCommand separates the leading verb (without its slash) from the
// remainder of the line.
func splitCommand(line string) (string, string) {
	line = strings.TrimPrefix(line, "/")
	verb, rest, _ := strings.Cut(line, " ")
	return strings.ToLower(verb), strings.TrimSpace(rest)
}

// cleanupAttachments removes the temp image files a prompt carried.
func cleanupAttachments(input agent.Input) {
	for _, part := range input.Parts {
		if part.LocalImagePath != "" {
			_ = os.Remove(part.LocalImagePath)
		}
	}
}
