package command

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adsdev/ads/internal/skill"
)

func (r *Router) handleRules(_ context.Context, _ Request, _ *Parsed) Result {
	chain := r.prompts.RulesChain()
	if len(chain) == 0 {
		return Result{OK: true, Output: "no rules files found; run /ads.init to seed .ads/rules.md"}
	}
	var b strings.Builder
	b.WriteString("rules chain:")
	for _, path := range chain {
		b.WriteString("\n  ")
		b.WriteString(path)
	}
	b.WriteString("\n\n")
	b.WriteString(r.prompts.RulesText())
	return Result{OK: true, Output: b.String()}
}

func (r *Router) handleWorkspace(_ context.Context, req Request, p *Parsed) Result {
	if flagSet(p, "reset") {
		r.mu.Lock()
		r.routedRoot = ""
		r.mu.Unlock()
		return Result{OK: true, Output: "commands follow the session directory again"}
	}
	if len(p.Positional) == 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "workspace root: %s", r.ws.Root())
		if routed := r.RoutedRoot(); routed != "" {
			fmt.Fprintf(&b, "\nrouted root: %s", routed)
		}
		if req.Dir != "" && req.Dir != r.ws.Root() {
			fmt.Fprintf(&b, "\nsession directory: %s", req.Dir)
		}
		return Result{OK: true, Output: b.String()}
	}

	abs, err := filepath.Abs(p.Positional[0])
	if err != nil {
		return errorResult(err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return Result{OK: false, Output: "Error: not a directory: " + abs}
	}
	r.mu.Lock()
	r.routedRoot = abs
	r.mu.Unlock()
	return Result{OK: true, Output: "commands now run in " + abs}
}

func (r *Router) handleSkillInit(_ context.Context, _ Request, p *Parsed) Result {
	if len(p.Positional) == 0 {
		return usageResult("skill.init <name>")
	}
	name := p.Positional[0]
	dir, err := skill.Init(r.ws.SkillsDir(), name)
	if err != nil {
		return errorResult(err)
	}
	return Result{OK: true, Output: fmt.Sprintf("skill %q created\nedit %s to describe the workflow", name, filepath.Join(dir, skill.BodyFile))}
}

func (r *Router) handleSkillValidate(_ context.Context, req Request, p *Parsed) Result {
	if len(p.Positional) > 0 {
		path := p.Positional[0]
		if !filepath.IsAbs(path) {
			path = filepath.Join(r.gitDir(req), path)
		}
		m, err := skill.Validate(path)
		if err != nil {
			return errorResult(err)
		}
		return Result{OK: true, Output: fmt.Sprintf("ok: %s %s", m.Name, m.Version)}
	}

	names, err := skill.List(r.ws.SkillsDir())
	if err != nil {
		return errorResult(err)
	}
	if len(names) == 0 {
		return Result{OK: true, Output: "no skills found under " + r.ws.SkillsDir()}
	}

	ok := true
	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString("\n")
		}
		m, err := skill.Validate(filepath.Join(r.ws.SkillsDir(), name))
		if err != nil {
			ok = false
			fmt.Fprintf(&b, "bad: %s: %s", name, errMessage(err))
			continue
		}
		fmt.Fprintf(&b, "ok: %s %s", m.Name, m.Version)
	}
	return Result{OK: ok, Output: b.String()}
}
