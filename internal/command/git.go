package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/workspace"
)

func (r *Router) handleInit(ctx context.Context, _ Request, _ *Parsed) Result {
	if err := r.ws.EnsureLayout(); err != nil {
		return errorResult(err)
	}
	rulesPath, err := r.ws.WriteDefaultRules()
	if err != nil {
		return errorResult(err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "workspace ready at %s\n", r.ws.Root())
	fmt.Fprintf(&b, "rules: %s\n", rulesPath)
	if workspace.IsGitRepo(ctx, r.ws.Root()) {
		b.WriteString("git: already a repository")
	} else {
		if _, err := workspace.Git(ctx, r.ws.Root(), "init"); err != nil {
			return errorResult(err)
		}
		b.WriteString("git: initialized")
	}
	return Result{OK: true, Output: b.String()}
}

func (r *Router) handleBranch(ctx context.Context, req Request, p *Parsed) Result {
	dir := r.gitDir(req)
	if len(p.Positional) == 0 {
		out, err := workspace.Git(ctx, dir, "branch", "--list")
		if err != nil {
			return errorResult(err)
		}
		out = strings.TrimRight(out, "\n")
		if out == "" {
			out = "no branches yet"
		}
		return Result{OK: true, Output: out}
	}

	name := p.Positional[0]
	if _, err := workspace.Git(ctx, dir, "branch", name); err != nil {
		return errorResult(err)
	}
	return Result{OK: true, Output: "created branch " + name}
}

func (r *Router) handleCheckout(ctx context.Context, req Request, p *Parsed) Result {
	if len(p.Positional) == 0 {
		return usageResult("checkout <ref> [--create]")
	}
	args := []string{"checkout"}
	if flagSet(p, "create") {
		args = append(args, "-b")
	}
	args = append(args, p.Positional[0])

	out, err := workspace.Git(ctx, r.gitDir(req), args...)
	if err != nil {
		return errorResult(err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		out = "switched to " + p.Positional[0]
	}
	return Result{OK: true, Output: out}
}

func (r *Router) handleStatus(ctx context.Context, req Request, _ *Parsed) Result {
	dir := r.gitDir(req)
	var b strings.Builder
	if workspace.IsGitRepo(ctx, dir) {
		out, err := workspace.Git(ctx, dir, "status", "--short", "--branch")
		if err != nil {
			return errorResult(err)
		}
		b.WriteString(strings.TrimRight(out, "\n"))
	} else {
		b.WriteString("not a git repository (run /ads.init)")
	}
	b.WriteString("\n")
	b.WriteString(r.queueSummary(ctx))
	if r.ReviewActive() {
		b.WriteString("\nreview in progress (/ads.review --show)")
	}
	return Result{OK: true, Output: b.String()}
}

func (r *Router) handleLog(ctx context.Context, req Request, p *Parsed) Result {
	limit, err := intParam(p, "limit", 10)
	if err != nil {
		return errorResult(err)
	}
	if limit <= 0 {
		limit = 10
	}
	out, gitErr := workspace.Git(ctx, r.gitDir(req), "log", "--oneline", "-n", strconv.Itoa(limit))
	if gitErr != nil {
		if strings.Contains(out, "does not have any commits") {
			return Result{OK: true, Output: "no commits yet"}
		}
		return errorResult(gitErr)
	}
	return Result{OK: true, Output: strings.TrimRight(out, "\n")}
}

func (r *Router) handleCommit(ctx context.Context, req Request, p *Parsed) Result {
	msg := p.Params["message"]
	if msg == "" {
		msg = strings.Join(p.Positional, " ")
	}
	if strings.TrimSpace(msg) == "" {
		return usageResult(`commit --message="..." (or: commit <message words>)`)
	}

	dir := r.gitDir(req)
	if _, err := workspace.Git(ctx, dir, "add", "-A"); err != nil {
		return errorResult(err)
	}
	out, err := workspace.Git(ctx, dir, "commit", "-m", msg)
	if err != nil {
		if strings.Contains(out, "nothing to commit") {
			return Result{OK: true, Output: "nothing to commit"}
		}
		return errorResult(err)
	}
	return Result{OK: true, Output: strings.TrimSpace(out)}
}

func (r *Router) handleSync(ctx context.Context, req Request, _ *Parsed) Result {
	dir := r.gitDir(req)
	pull, err := workspace.Git(ctx, dir, "pull", "--rebase")
	if err != nil {
		return errorResult(err)
	}
	push, err := workspace.Git(ctx, dir, "push")
	if err != nil {
		return errorResult(err)
	}
	out := strings.TrimSpace(pull) + "\n" + strings.TrimSpace(push)
	return Result{OK: true, Output: strings.TrimSpace(out)}
}

func (r *Router) handleReview(ctx context.Context, req Request, p *Parsed) Result {
	if flagSet(p, "show") {
		r.mu.Lock()
		rs := r.review
		r.mu.Unlock()
		if rs == nil {
			return Result{OK: true, Output: "no review in progress"}
		}
		return Result{OK: true, Output: fmt.Sprintf("review in progress: %s against %s (started %s)",
			rs.branch, rs.base, rs.since.Format(time.RFC3339))}
	}
	if flagSet(p, "done") {
		r.mu.Lock()
		active := r.review != nil
		r.review = nil
		r.mu.Unlock()
		if !active {
			return Result{OK: false, Output: "Error: no review in progress"}
		}
		r.log.Info("review finished")
		return Result{OK: true, Output: "review finished; commands unlocked"}
	}

	dir := r.gitDir(req)
	branch, err := workspace.CurrentBranch(ctx, dir)
	if err != nil {
		return errorResult(err)
	}
	base := p.Params["base"]
	if base == "" {
		base = detectBase(ctx, dir)
	}
	if base == "" {
		return Result{OK: false, Output: "Error: no main or master branch found; pass --base=<ref>"}
	}

	r.mu.Lock()
	if r.review != nil {
		locked := r.review.branch
		r.mu.Unlock()
		return Result{OK: false, Output: "Error: review already in progress on " + locked}
	}
	r.review = &reviewState{branch: branch, base: base, since: time.Now().UTC()}
	r.mu.Unlock()

	diff, err := workspace.Git(ctx, dir, "diff", "--stat", base+"...HEAD")
	if err != nil {
		r.mu.Lock()
		r.review = nil
		r.mu.Unlock()
		return errorResult(err)
	}
	diff = strings.TrimRight(diff, "\n")
	if diff == "" {
		diff = "no changes against " + base
	}
	r.log.Info("review started", zap.String("branch", branch), zap.String("base", base))
	return Result{OK: true, Output: fmt.Sprintf("review started: %s against %s\n%s\n\ncommands are locked until /ads.review --done", branch, base, diff)}
}

// detectBase picks the review base branch when none is given.
func detectBase(ctx context.Context, dir string) string {
	for _, ref := range []string{"main", "master"} {
		if _, err := workspace.Git(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+ref); err == nil {
			return ref
		}
	}
	return ""
}
