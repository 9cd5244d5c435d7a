package tools

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/adsdev/ads/internal/common/errs"
)

const findDefaultMax = 200

type findPayload struct {
	Name       string `json:"name"`
	Glob       string `json:"glob"`
	Path       string `json:"path"`
	MaxResults int    `json:"maxResults"`
}

func (r *Runner) runFind(ctx context.Context, baseDir, payload string) blockResult {
	p := findPayload{}
	trimmed := strings.TrimSpace(payload)
	if looksLikeJSON(trimmed) && strings.HasPrefix(trimmed, "{") {
		if err := decodeJSON(trimmed, &p); err != nil {
			return blockResult{err: err}
		}
	} else {
		p.Name = trimmed
	}
	pattern := p.Glob
	if pattern == "" {
		pattern = p.Name
	}
	if pattern == "" {
		return blockResult{err: errs.Validation("find needs a name or glob")}
	}
	if p.MaxResults <= 0 {
		p.MaxResults = findDefaultMax
	}

	root := baseDir
	if p.Path != "" {
		var err error
		root, err = r.policy.ResolvePath(baseDir, p.Path)
		if err != nil {
			return blockResult{err: err}
		}
	}

	// A pattern without wildcards matches as a substring; "main.go"
	// should find cmd/ads/main.go without the caller spelling a glob.
	literal := !strings.ContainsAny(pattern, "*?[")

	var hits []string
	capped := false
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() && path != root && walkSkipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if path == root {
			return nil
		}
		matched := false
		if literal {
			matched = strings.Contains(d.Name(), pattern)
		} else {
			matched, _ = filepath.Match(pattern, d.Name())
		}
		if !matched {
			return nil
		}
		display := relDisplay(baseDir, path)
		if d.IsDir() {
			display += "/"
		}
		hits = append(hits, display)
		if len(hits) >= p.MaxResults {
			capped = true
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil && ctx.Err() != nil {
		return blockResult{err: errs.Cancelled("find interrupted")}
	}

	if len(hits) == 0 {
		return blockResult{output: "no files matching " + pattern, targets: []string{pattern}}
	}
	if capped {
		hits = append(hits, truncatedMarker)
	}
	return blockResult{output: strings.Join(hits, "\n"), targets: []string{pattern}}
}
