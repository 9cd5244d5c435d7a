package tools

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/common/stringutil"
)

const (
	grepDefaultMax   = 100
	grepMaxFileBytes = 512 << 10
	grepLineRunes    = 250
)

// walkSkipDirs are never descended into by grep and find.
var walkSkipDirs = map[string]bool{
	".git":         true,
	".ads":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"__pycache__":  true,
}

type grepPayload struct {
	Pattern    string `json:"pattern"`
	Path       string `json:"path"`
	Glob       string `json:"glob"`
	MaxResults int    `json:"maxResults"`
}

func (r *Runner) runGrep(ctx context.Context, baseDir, payload string) blockResult {
	p := grepPayload{}
	trimmed := strings.TrimSpace(payload)
	if looksLikeJSON(trimmed) && strings.HasPrefix(trimmed, "{") {
		if err := decodeJSON(trimmed, &p); err != nil {
			return blockResult{err: err}
		}
	} else {
		p.Pattern = trimmed
	}
	if p.Pattern == "" {
		return blockResult{err: errs.Validation("grep needs a pattern")}
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return blockResult{err: errs.Wrap(errs.KindValidation, "bad pattern", err)}
	}
	if p.MaxResults <= 0 {
		p.MaxResults = grepDefaultMax
	}

	root := baseDir
	if p.Path != "" {
		root, err = r.policy.ResolvePath(baseDir, p.Path)
		if err != nil {
			return blockResult{err: err}
		}
	}

	var lines []string
	capped := false
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			if path != root && walkSkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if p.Glob != "" {
			if ok, _ := filepath.Match(p.Glob, d.Name()); !ok {
				return nil
			}
		}
		if info, err := d.Info(); err != nil || info.Size() > grepMaxFileBytes {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil || bytes.IndexByte(data, 0) >= 0 {
			return nil
		}
		display := relDisplay(baseDir, path)
		for i, line := range strings.Split(string(data), "\n") {
			if !re.MatchString(line) {
				continue
			}
			text := stringutil.TruncateRunesWithEllipsis(strings.TrimRight(line, "\r"), grepLineRunes)
			lines = append(lines, fmt.Sprintf("%s:%d: %s", display, i+1, text))
			if len(lines) >= p.MaxResults {
				capped = true
				return fs.SkipAll
			}
		}
		return nil
	})
	if walkErr != nil && ctx.Err() != nil {
		return blockResult{err: errs.Cancelled("grep interrupted")}
	}

	target := p.Pattern
	if len(lines) == 0 {
		return blockResult{output: "no matches for " + p.Pattern, targets: []string{target}}
	}
	if capped {
		lines = append(lines, truncatedMarker)
	}
	return blockResult{output: strings.Join(lines, "\n"), targets: []string{target}}
}
