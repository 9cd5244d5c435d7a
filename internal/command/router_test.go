package command

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adsdev/ads/internal/common/config"
	"github.com/adsdev/ads/internal/common/logger"
	"github.com/adsdev/ads/internal/queue"
	"github.com/adsdev/ads/internal/store"
	"github.com/adsdev/ads/internal/store/sqlite"
	"github.com/adsdev/ads/internal/sysprompt"
	"github.com/adsdev/ads/internal/workspace"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

type fakeSched struct {
	svc       *queue.Service
	active    bool
	cancelled []string
}

func (f *fakeSched) Run(context.Context)    { f.active = true }
func (f *fakeSched) Pause(context.Context)  { f.active = false }
func (f *fakeSched) Resume(context.Context) { f.active = true }
func (f *fakeSched) Active() bool           { return f.active }

func (f *fakeSched) CancelTask(ctx context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return f.svc.Cancel(ctx, id)
}

type routerEnv struct {
	router *Router
	st     *sqlite.Repository
	svc    *queue.Service
	sched  *fakeSched
	root   string
}

func newTestRouter(t *testing.T) *routerEnv {
	t.Helper()
	log := newTestLogger(t)
	root := t.TempDir()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "state.db"), sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ws, err := workspace.New(root)
	require.NoError(t, err)
	svc := queue.NewService(st, nil, log)
	sched := &fakeSched{svc: svc}
	router := NewRouter(Deps{
		Config:    &config.Config{},
		Logger:    log,
		Workspace: ws,
		Queue:     svc,
		Scheduler: sched,
		Prompts:   sysprompt.NewManager(root),
	})
	return &routerEnv{router: router, st: st, svc: svc, sched: sched, root: root}
}

func (env *routerEnv) dispatch(t *testing.T, line string) Result {
	t.Helper()
	return env.router.Dispatch(context.Background(), Request{Line: line, UserID: "u1"})
}

func (env *routerEnv) createTask(t *testing.T, prompt string) *store.Task {
	t.Helper()
	task, err := env.svc.Create(context.Background(), store.CreateTaskInput{Prompt: prompt, CreatedBy: "u1"})
	require.NoError(t, err)
	return task
}

func (env *routerEnv) pendingIDs(t *testing.T) []string {
	t.Helper()
	tasks, err := env.svc.Pending(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	return ids
}

// writeFakeGit installs a shell script named git ahead of the real one on
// PATH, keeping the git-backed verbs hermetic.
func writeFakeGit(t *testing.T, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake git scripts need a POSIX shell")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "git"), []byte("#!/bin/sh\n"+script+"\n"), 0755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	res := newTestRouter(t).dispatch(t, "/ads.frobnicate now")
	require.False(t, res.OK)
	require.Equal(t, "Unknown command: frobnicate", res.Output)
}

func TestDispatchReportsParseErrors(t *testing.T) {
	res := newTestRouter(t).dispatch(t, `/ads.commit "broken`)
	require.False(t, res.OK)
	require.Contains(t, res.Output, "unterminated quote")
}

func TestNormalizeJSONError(t *testing.T) {
	res := normalizeJSONError(Result{OK: true, Output: `{"error": "exploded"}`})
	require.False(t, res.OK)
	require.Equal(t, "Error: exploded", res.Output)

	passthrough := Result{OK: true, Output: `{"count": 3}`}
	require.Equal(t, passthrough, normalizeJSONError(passthrough))

	plain := Result{OK: true, Output: "all good"}
	require.Equal(t, plain, normalizeJSONError(plain))
}

func taskIDFromCreate(t *testing.T, output string) string {
	t.Helper()
	fields := strings.Fields(output)
	require.GreaterOrEqual(t, len(fields), 2)
	return fields[1]
}

func TestNewCreatesTask(t *testing.T) {
	env := newTestRouter(t)
	res := env.dispatch(t, `/ads.new fix the build --title="CI fix" --priority=2`)
	require.True(t, res.OK, res.Output)
	require.Contains(t, res.Output, "created (pending)")
	require.Contains(t, res.Output, "CI fix")

	task, err := env.st.GetTask(context.Background(), taskIDFromCreate(t, res.Output))
	require.NoError(t, err)
	require.Equal(t, "fix the build", task.Prompt)
	require.Equal(t, "CI fix", task.Title)
	require.Equal(t, 2, task.Priority)
	require.Equal(t, "u1", task.CreatedBy)
}

func TestNewQueuedTask(t *testing.T) {
	res := newTestRouter(t).dispatch(t, "/ads.new later work --queued --max-retries=1")
	require.True(t, res.OK)
	require.Contains(t, res.Output, "created (queued)")
}

func TestNewRejectsBadPriority(t *testing.T) {
	res := newTestRouter(t).dispatch(t, "/ads.new x --priority=high")
	require.False(t, res.OK)
	require.Contains(t, res.Output, "invalid --priority")
}

func TestNewRequiresPrompt(t *testing.T) {
	res := newTestRouter(t).dispatch(t, "/ads.new")
	require.False(t, res.OK)
	require.Contains(t, res.Output, "usage: new")
}

func TestTasksListing(t *testing.T) {
	env := newTestRouter(t)
	res := env.dispatch(t, "/ads.tasks")
	require.True(t, res.OK)
	require.Contains(t, res.Output, "no tasks")

	a := env.createTask(t, "first thing")
	b := env.createTask(t, "second thing")

	res = env.dispatch(t, "/ads.tasks")
	require.True(t, res.OK)
	require.Contains(t, res.Output, "tasks (2)")
	require.Contains(t, res.Output, "queue paused")
	require.Contains(t, res.Output, a.ID)
	require.Contains(t, res.Output, b.ID)

	// The pending view keeps claim order: a ahead of b.
	res = env.dispatch(t, "/ads.tasks --pending")
	require.True(t, res.OK)
	require.Less(t, strings.Index(res.Output, a.ID), strings.Index(res.Output, b.ID))
}

func TestQueueControlVerbs(t *testing.T) {
	env := newTestRouter(t)

	res := env.dispatch(t, "/ads.run")
	require.True(t, res.OK)
	require.Equal(t, "queue running", res.Output)
	require.True(t, env.sched.active)

	res = env.dispatch(t, "/ads.pause")
	require.True(t, res.OK)
	require.Equal(t, "queue paused", res.Output)
	require.False(t, env.sched.active)

	res = env.dispatch(t, "/ads.resume")
	require.True(t, res.OK)
	require.True(t, env.sched.active)
}

func TestPauseAndResumeSingleTask(t *testing.T) {
	env := newTestRouter(t)
	task := env.createTask(t, "hold me")

	res := env.dispatch(t, "/ads.pause "+task.ID)
	require.True(t, res.OK)
	got, err := env.st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusPaused, got.Status)

	res = env.dispatch(t, "/ads.resume "+task.ID)
	require.True(t, res.OK)
	got, err = env.st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusPending, got.Status)
}

func TestCancelRoutesThroughScheduler(t *testing.T) {
	env := newTestRouter(t)
	task := env.createTask(t, "doomed")

	res := env.dispatch(t, "/ads.cancel "+task.ID)
	require.True(t, res.OK)
	require.Equal(t, []string{task.ID}, env.sched.cancelled)

	got, err := env.st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusCancelled, got.Status)
}

func TestCancelUnknownTask(t *testing.T) {
	res := newTestRouter(t).dispatch(t, "/ads.cancel nope")
	require.False(t, res.OK)
	require.Contains(t, res.Output, "Error:")
}

func TestRetryVerb(t *testing.T) {
	env := newTestRouter(t)
	ctx := context.Background()
	task, err := env.svc.Create(ctx, store.CreateTaskInput{Prompt: "flaky", MaxRetries: 2, CreatedBy: "u1"})
	require.NoError(t, err)

	claimed, err := env.st.ClaimNextPendingTask(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, task.ID, claimed.ID)
	require.NoError(t, env.st.FailTask(ctx, task.ID, "boom", time.Now().UTC()))

	res := env.dispatch(t, "/ads.retry "+task.ID)
	require.True(t, res.OK, res.Output)
	require.Contains(t, res.Output, "retry 1 of 2")

	got, err := env.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
}

func TestMoveAndReorderVerbs(t *testing.T) {
	env := newTestRouter(t)
	a := env.createTask(t, "a")
	b := env.createTask(t, "b")
	c := env.createTask(t, "c")

	res := env.dispatch(t, "/ads.move "+c.ID+" up")
	require.True(t, res.OK)
	require.Equal(t, []string{a.ID, c.ID, b.ID}, env.pendingIDs(t))

	res = env.dispatch(t, "/ads.reorder "+b.ID+" "+a.ID)
	require.True(t, res.OK)
	require.Equal(t, []string{b.ID, a.ID, c.ID}, env.pendingIDs(t))

	res = env.dispatch(t, "/ads.move "+a.ID+" sideways")
	require.False(t, res.OK)
}

func TestArchiveAndPurgeVerbs(t *testing.T) {
	env := newTestRouter(t)
	ctx := context.Background()
	task := env.createTask(t, "old work")

	claimed, err := env.st.ClaimNextPendingTask(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, env.st.CompleteTask(ctx, claimed.ID, "done", time.Now().UTC()))

	// Seed a backdated stamp first: the archive verb's own stamp goes
	// through COALESCE, so the old timestamp survives and the cutoff
	// catches it.
	require.NoError(t, env.st.ArchiveTask(ctx, task.ID, time.Now().UTC().Add(-48*time.Hour)))

	res := env.dispatch(t, "/ads.archive "+task.ID)
	require.True(t, res.OK, res.Output)

	res = env.dispatch(t, "/ads.purge --before=24h")
	require.True(t, res.OK, res.Output)
	require.Contains(t, res.Output, "purged 1")

	res = env.dispatch(t, "/ads.purge --before=24h")
	require.True(t, res.OK)
	require.Equal(t, "nothing to purge", res.Output)
}

const reviewGitScript = `case "$1" in
rev-parse)
  case "$2" in
  --abbrev-ref) echo "feature/x" ;;
  --verify) exit 0 ;;
  --is-inside-work-tree) echo "true" ;;
  esac ;;
diff) echo " main.go | 4 ++--" ;;
status) echo "## feature/x" ;;
*) exit 0 ;;
esac`

func TestReviewLockFlow(t *testing.T) {
	env := newTestRouter(t)
	writeFakeGit(t, reviewGitScript)

	res := env.dispatch(t, "/ads.review")
	require.True(t, res.OK, res.Output)
	require.Contains(t, res.Output, "review started: feature/x against main")
	require.Contains(t, res.Output, "main.go")
	require.True(t, env.router.ReviewActive())

	// Mutating verbs are locked.
	res = env.dispatch(t, "/ads.new do something")
	require.False(t, res.OK)
	require.Contains(t, res.Output, "review in progress")

	// The safe set stays open.
	require.True(t, env.dispatch(t, "/ads.tasks").OK)
	require.True(t, env.dispatch(t, "/ads.help").OK)

	res = env.dispatch(t, "/ads.review --show")
	require.True(t, res.OK)
	require.Contains(t, res.Output, "feature/x against main")

	res = env.dispatch(t, "/ads.review")
	require.False(t, res.OK)
	require.Contains(t, res.Output, "already in progress")

	res = env.dispatch(t, "/ads.review --done")
	require.True(t, res.OK)
	require.False(t, env.router.ReviewActive())

	res = env.dispatch(t, "/ads.new do something")
	require.True(t, res.OK)

	res = env.dispatch(t, "/ads.review --done")
	require.False(t, res.OK)
	require.Contains(t, res.Output, "no review in progress")
}

func TestReviewHonorsBaseOption(t *testing.T) {
	env := newTestRouter(t)
	writeFakeGit(t, reviewGitScript)

	res := env.dispatch(t, "/ads.review --base=release/1.2")
	require.True(t, res.OK, res.Output)
	require.Contains(t, res.Output, "feature/x against release/1.2")
}

func TestStatusWithoutRepo(t *testing.T) {
	env := newTestRouter(t)
	writeFakeGit(t, `echo "fatal: not a git repository" >&2; exit 128`)

	res := env.dispatch(t, "/ads.status")
	require.True(t, res.OK)
	require.Contains(t, res.Output, "not a git repository")
	require.Contains(t, res.Output, "queue: empty")

	env.createTask(t, "count me")
	res = env.dispatch(t, "/ads.status")
	require.Contains(t, res.Output, "queue: 1 pending")
}

func TestWorkspaceVerb(t *testing.T) {
	env := newTestRouter(t)

	res := env.dispatch(t, "/ads.workspace")
	require.True(t, res.OK)
	require.Contains(t, res.Output, "workspace root: "+env.root)

	routed := t.TempDir()
	res = env.dispatch(t, "/ads.workspace "+routed)
	require.True(t, res.OK)
	require.Equal(t, routed, env.router.RoutedRoot())

	res = env.dispatch(t, "/ads.workspace")
	require.Contains(t, res.Output, "routed root: "+routed)

	res = env.dispatch(t, "/ads.workspace --reset")
	require.True(t, res.OK)
	require.Empty(t, env.router.RoutedRoot())

	res = env.dispatch(t, "/ads.workspace /definitely/not/here")
	require.False(t, res.OK)
	require.Contains(t, res.Output, "not a directory")
}

func TestRulesVerb(t *testing.T) {
	env := newTestRouter(t)
	res := env.dispatch(t, "/ads.rules")
	require.True(t, res.OK)
	require.Contains(t, res.Output, "no rules files found")

	require.NoError(t, os.WriteFile(filepath.Join(env.root, "AGENTS.md"), []byte("keep diffs small\n"), 0o644))
	res = env.dispatch(t, "/ads.rules")
	require.True(t, res.OK)
	require.Contains(t, res.Output, "rules chain:")
	require.Contains(t, res.Output, "keep diffs small")
}

func TestSkillVerbs(t *testing.T) {
	env := newTestRouter(t)

	res := env.dispatch(t, "/ads.skill.init")
	require.False(t, res.OK)

	res = env.dispatch(t, "/ads.skill.init triage")
	require.True(t, res.OK, res.Output)
	require.FileExists(t, filepath.Join(env.root, ".ads", "skills", "triage", "skill.yaml"))

	res = env.dispatch(t, "/ads.skill.init triage")
	require.False(t, res.OK)
	require.Contains(t, res.Output, "already exists")

	res = env.dispatch(t, "/ads.skill.validate")
	require.True(t, res.OK)
	require.Contains(t, res.Output, "ok: triage 0.1.0")

	// Relative paths resolve against the command directory.
	res = env.router.Dispatch(context.Background(), Request{Line: "/ads.skill.validate .ads/skills/triage", Dir: env.root})
	require.True(t, res.OK, res.Output)

	manifest := filepath.Join(env.root, ".ads", "skills", "triage", "skill.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("name: triage\nversion: not-semver\n"), 0o644))
	res = env.dispatch(t, "/ads.skill.validate")
	require.False(t, res.OK)
	require.Contains(t, res.Output, "bad: triage")
}

func TestHelpListsVerbs(t *testing.T) {
	res := newTestRouter(t).dispatch(t, "/ads.help")
	require.True(t, res.OK)
	for _, verb := range []string{"/ads.new", "/ads.review", "/ads.skill.init", "/ads.purge"} {
		require.Contains(t, res.Output, verb)
	}
}

func TestGitVerbsAgainstRealRepo(t *testing.T) {
	requireGit(t)
	env := newTestRouter(t)
	ctx := context.Background()

	res := env.dispatch(t, "/ads.init")
	require.True(t, res.OK, res.Output)
	require.Contains(t, res.Output, "git: initialized")
	require.FileExists(t, filepath.Join(env.root, ".ads", "rules.md"))

	_, err := workspace.Git(ctx, env.root, "config", "user.email", "dev@example.com")
	require.NoError(t, err)
	_, err = workspace.Git(ctx, env.root, "config", "user.name", "dev")
	require.NoError(t, err)

	res = env.dispatch(t, "/ads.log")
	require.True(t, res.OK)
	require.Equal(t, "no commits yet", res.Output)

	res = env.dispatch(t, `/ads.commit --message="seed workspace"`)
	require.True(t, res.OK, res.Output)

	res = env.dispatch(t, "/ads.commit more")
	require.True(t, res.OK)
	require.Equal(t, "nothing to commit", res.Output)

	res = env.dispatch(t, "/ads.log --limit=5")
	require.True(t, res.OK)
	require.Contains(t, res.Output, "seed workspace")

	res = env.dispatch(t, "/ads.branch dev")
	require.True(t, res.OK, res.Output)
	require.Equal(t, "created branch dev", res.Output)

	res = env.dispatch(t, "/ads.checkout dev")
	require.True(t, res.OK, res.Output)

	res = env.dispatch(t, "/ads.branch")
	require.True(t, res.OK)
	require.Contains(t, res.Output, "* dev")

	res = env.dispatch(t, "/ads.status")
	require.True(t, res.OK)
	require.Contains(t, res.Output, "dev")
	require.Contains(t, res.Output, "queue: empty")

	res = env.dispatch(t, "/ads.review")
	require.True(t, res.OK, res.Output)
	require.True(t, env.router.ReviewActive())
	res = env.dispatch(t, "/ads.review --done")
	require.True(t, res.OK)

	res = env.dispatch(t, "/ads.init")
	require.True(t, res.OK)
	require.Contains(t, res.Output, "already a repository")
}
