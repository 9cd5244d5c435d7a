package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/common/config"
	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/common/logger"
	"github.com/adsdev/ads/internal/queue"
	"github.com/adsdev/ads/internal/sysprompt"
	"github.com/adsdev/ads/internal/workspace"
)

// Result is one handled command: OK false marks Output as an error line.
type Result struct {
	OK     bool
	Output string
}

// Request carries one command line with its session context.
type Request struct {
	Line   string
	Dir    string // session working directory; used when no routed root is set
	UserID string
}

// QueueControl is the scheduler surface the router drives.
type QueueControl interface {
	Run(ctx context.Context)
	Pause(ctx context.Context)
	Resume(ctx context.Context)
	Active() bool
	CancelTask(ctx context.Context, id string) error
}

// Deps wires the router. Scheduler may be nil in tooling that only needs
// the store-backed verbs.
type Deps struct {
	Config    *config.Config
	Logger    *logger.Logger
	Workspace *workspace.Workspace
	Queue     *queue.Service
	Scheduler QueueControl
	Prompts   *sysprompt.Manager
}

type handler func(ctx context.Context, req Request, p *Parsed) Result

// Router dispatches parsed commands to their handlers. A review in progress
// locks every verb outside a small safe set until released.
type Router struct {
	log     *logger.Logger
	cfg     *config.Config
	ws      *workspace.Workspace
	queue   *queue.Service
	sched   QueueControl
	prompts *sysprompt.Manager

	mu         sync.Mutex
	routedRoot string
	review     *reviewState

	handlers map[string]handler
}

type reviewState struct {
	branch string
	base   string
	since  time.Time
}

// Verbs that stay available while a review locks the router.
var reviewSafe = map[string]bool{
	"help":   true,
	"review": true,
	"status": true,
	"log":    true,
	"rules":  true,
	"tasks":  true,
}

// NewRouter builds the dispatch table. The routed root starts from the
// AD_WORKSPACE override when set.
func NewRouter(deps Deps) *Router {
	r := &Router{
		log:        deps.Logger.WithFields(zap.String("component", "command")),
		cfg:        deps.Config,
		ws:         deps.Workspace,
		queue:      deps.Queue,
		sched:      deps.Scheduler,
		prompts:    deps.Prompts,
		routedRoot: deps.Config.Workspace.RoutedRoot,
	}
	r.handlers = map[string]handler{
		"init":           r.handleInit,
		"branch":         r.handleBranch,
		"checkout":       r.handleCheckout,
		"status":         r.handleStatus,
		"log":            r.handleLog,
		"commit":         r.handleCommit,
		"sync":           r.handleSync,
		"review":         r.handleReview,
		"rules":          r.handleRules,
		"workspace":      r.handleWorkspace,
		"new":            r.handleNew,
		"tasks":          r.handleTasks,
		"run":            r.handleRun,
		"pause":          r.handlePause,
		"resume":         r.handleResume,
		"cancel":         r.handleCancel,
		"retry":          r.handleRetry,
		"move":           r.handleMove,
		"reorder":        r.handleReorder,
		"archive":        r.handleArchive,
		"purge":          r.handlePurge,
		"skill.init":     r.handleSkillInit,
		"skill.validate": r.handleSkillValidate,
		"help":           r.handleHelp,
	}
	return r
}

// Dispatch parses and runs one command line.
func (r *Router) Dispatch(ctx context.Context, req Request) Result {
	p, err := Parse(req.Line)
	if err != nil {
		return Result{OK: false, Output: errorLine(err)}
	}
	h, ok := r.handlers[p.Command]
	if !ok {
		return Result{OK: false, Output: fmt.Sprintf("Unknown command: %s", p.Command)}
	}
	if r.ReviewActive() && !reviewSafe[p.Command] {
		return Result{OK: false, Output: fmt.Sprintf("Error: review in progress; %q is locked until /ads.review --done", p.Command)}
	}
	res := h(ctx, req, p)
	return normalizeJSONError(res)
}

// ReviewActive reports whether a review currently locks the router.
func (r *Router) ReviewActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.review != nil
}

// RoutedRoot returns the directory commands currently run in, or "" when
// they follow the session directory.
func (r *Router) RoutedRoot() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routedRoot
}

// gitDir resolves where git-backed verbs run: the routed root wins, then
// the session directory, then the workspace root.
func (r *Router) gitDir(req Request) string {
	r.mu.Lock()
	routed := r.routedRoot
	r.mu.Unlock()
	if routed != "" {
		return routed
	}
	if req.Dir != "" {
		return req.Dir
	}
	return r.ws.Root()
}

// normalizeJSONError flattens handler output that is a JSON object carrying
// an error field into a single error line; anything else passes through.
func normalizeJSONError(res Result) Result {
	trimmed := strings.TrimSpace(res.Output)
	if !strings.HasPrefix(trimmed, "{") {
		return res
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return res
	}
	if msg, ok := payload["error"].(string); ok && msg != "" {
		return Result{OK: false, Output: "Error: " + msg}
	}
	return res
}

func errMessage(err error) string {
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

func errorLine(err error) string {
	return "Error: " + errMessage(err)
}

func errorResult(err error) Result {
	return Result{OK: false, Output: errorLine(err)}
}

func usageResult(usage string) Result {
	return Result{OK: false, Output: "Error: usage: " + usage}
}

// flagSet reports whether a --key option is present and not disabled.
func flagSet(p *Parsed, key string) bool {
	v, ok := p.Params[key]
	if !ok {
		return false
	}
	return v != "false" && v != "0"
}

// intParam returns a numeric option, or fallback when absent.
func intParam(p *Parsed, key string, fallback int) (int, error) {
	raw, ok := p.Params[key]
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.Newf(errs.KindValidation, "invalid --%s: %q", key, raw)
	}
	return n, nil
}

// parseAge reads a duration option, accepting a trailing "d" for days on
// top of the usual h/m/s units.
func parseAge(raw string) (time.Duration, error) {
	if strings.HasSuffix(raw, "d") {
		if n, err := strconv.Atoi(strings.TrimSuffix(raw, "d")); err == nil {
			return time.Duration(n) * 24 * time.Hour, nil
		}
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errs.Newf(errs.KindValidation, "invalid duration %q", raw)
	}
	return d, nil
}

func truncateLine(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func (r *Router) handleHelp(_ context.Context, _ Request, _ *Parsed) Result {
	return Result{OK: true, Output: strings.TrimSpace(`
Workspace commands:
  /ads.init                      Scaffold .ads/, seed the rules file, git init when absent
  /ads.status                    Git status plus a queue summary
  /ads.branch [name]             List branches, or create one
  /ads.checkout <ref> [--create] Switch branches (--create for a new one)
  /ads.log [--limit=N]           Recent commits
  /ads.commit [--message=..] [message...]  Stage everything and commit
  /ads.sync                      Pull --rebase, then push
  /ads.review [--base=ref]       Start a review (locks commands); --show prints state; --done releases
  /ads.rules                     Print the assembled rules chain
  /ads.workspace [dir] [--reset] Print or set the routed workspace root

Task queue:
  /ads.new <prompt...> [--title=..] [--model=..] [--priority=N] [--queued] [--max-retries=N] [--inherit-context]
  /ads.tasks [--limit=N] [--pending]  List tasks (newest first, or the pending set in claim order)
  /ads.run | /ads.pause | /ads.resume Control the queue
  /ads.pause <id> | /ads.resume <id>  Freeze or release one task
  /ads.cancel <id>               Cancel a task, aborting it when running
  /ads.retry <id>                Re-queue a failed or cancelled task
  /ads.move <id> up|down         Nudge a pending task within the order
  /ads.reorder <id...>           Rewrite the pending order
  /ads.archive <id>              Archive a completed task
  /ads.purge [--before=dur] [--limit=N]  Delete old archived tasks

Skills:
  /ads.skill.init <name>         Scaffold .ads/skills/<name>
  /ads.skill.validate [path]     Validate skill manifests
`)}
}
