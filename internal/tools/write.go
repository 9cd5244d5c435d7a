package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/adsdev/ads/internal/common/errs"
)

type writePayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Append  bool   `json:"append"`
}

func (r *Runner) runWrite(baseDir, payload string) blockResult {
	if !r.policy.FileEnabled {
		return blockResult{err: errs.New(errs.KindToolDisabled, "file tools are disabled")}
	}
	var p writePayload
	if err := decodeJSON(payload, &p); err != nil {
		return blockResult{err: err}
	}
	if p.Path == "" {
		return blockResult{err: errs.Validation("write needs a path")}
	}
	if int64(len(p.Content)) > r.policy.WriteMaxBytes {
		return blockResult{err: errs.ToolPolicyf("content exceeds write cap (%d bytes)", r.policy.WriteMaxBytes)}
	}

	resolved, err := r.policy.ResolvePath(baseDir, p.Path)
	if err != nil {
		return blockResult{err: err}
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return blockResult{err: errs.Wrap(errs.KindToolExecutionFailed, "create parent directory", err)}
	}

	display := relDisplay(baseDir, resolved)
	if p.Append {
		f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return blockResult{err: errs.Wrap(errs.KindToolExecutionFailed, "open for append", err)}
		}
		_, werr := f.WriteString(p.Content)
		cerr := f.Close()
		if werr != nil {
			return blockResult{err: errs.Wrap(errs.KindToolExecutionFailed, "append failed", werr)}
		}
		if cerr != nil {
			return blockResult{err: errs.Wrap(errs.KindToolExecutionFailed, "append failed", cerr)}
		}
		return blockResult{output: fmt.Sprintf("Appended %d bytes to %s", len(p.Content), display)}
	}

	// Snapshot the old content for the line-delta summary.
	old, readErr := os.ReadFile(resolved)
	existed := readErr == nil

	if err := os.WriteFile(resolved, []byte(p.Content), 0644); err != nil {
		return blockResult{err: errs.Wrap(errs.KindToolExecutionFailed, "write failed", err)}
	}

	msg := fmt.Sprintf("Wrote %d bytes to %s", len(p.Content), display)
	if existed {
		added, deleted := lineDelta(string(old), p.Content)
		msg += fmt.Sprintf(" (+%d -%d lines)", added, deleted)
	}
	return blockResult{output: msg}
}

// lineDelta counts inserted and deleted lines between two revisions.
func lineDelta(old, new string) (added, deleted int) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(old, new, true)
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if !strings.HasSuffix(d.Text, "\n") && d.Text != "" {
			n++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			deleted += n
		}
	}
	return added, deleted
}
