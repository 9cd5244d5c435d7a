package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/workspace"
)

func (r *Runner) runApplyPatch(ctx context.Context, baseDir, payload string) blockResult {
	if !r.policy.PatchEnabled {
		return blockResult{err: errs.New(errs.KindToolDisabled, "apply_patch is disabled")}
	}
	diff := strings.TrimSpace(payload)
	if diff == "" {
		return blockResult{err: errs.Validation("apply_patch needs a unified diff")}
	}
	if int64(len(diff)) > r.policy.PatchMaxBytes {
		return blockResult{err: errs.ToolPolicyf("patch exceeds cap (%d bytes)", r.policy.PatchMaxBytes)}
	}

	files := patchFiles(diff)
	if len(files) == 0 {
		return blockResult{err: errs.Validation("no file headers found in patch")}
	}
	for _, f := range files {
		if err := r.checkPatchPath(baseDir, f); err != nil {
			return blockResult{err: err}
		}
	}

	gitRoot, err := workspace.GitRoot(ctx, baseDir)
	if err != nil {
		return blockResult{err: errs.New(errs.KindToolExecutionFailed, "apply_patch needs a git repository")}
	}

	args := []string{"apply", "--whitespace=nowarn"}
	if rel, err := filepath.Rel(gitRoot, baseDir); err == nil && rel != "." {
		// Paths in the diff are relative to the session directory, not
		// the repository root.
		args = append(args, "--directory="+filepath.ToSlash(rel))
	}

	tmp, err := os.CreateTemp("", "ads-patch-*.diff")
	if err != nil {
		return blockResult{err: errs.Wrap(errs.KindToolExecutionFailed, "stage patch", err)}
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(diff + "\n"); err != nil {
		tmp.Close()
		return blockResult{err: errs.Wrap(errs.KindToolExecutionFailed, "stage patch", err)}
	}
	if err := tmp.Close(); err != nil {
		return blockResult{err: errs.Wrap(errs.KindToolExecutionFailed, "stage patch", err)}
	}
	args = append(args, tmp.Name())

	if _, err := workspace.Git(ctx, gitRoot, args...); err != nil {
		if ctx.Err() != nil {
			return blockResult{err: errs.Cancelled("apply_patch interrupted")}
		}
		return blockResult{err: errs.Wrap(errs.KindToolExecutionFailed, "patch did not apply", err)}
	}
	return blockResult{output: fmt.Sprintf("Applied patch to %d file(s): %s", len(files), strings.Join(files, ", "))}
}

func (r *Runner) checkPatchPath(baseDir, path string) error {
	if strings.IndexByte(path, 0) >= 0 {
		return errs.ToolPolicy("patch path contains NUL byte")
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return errs.ToolPolicyf("patch path must be relative: %s", path)
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return errs.ToolPolicyf("patch path escapes the workspace: %s", path)
		}
	}
	if _, err := r.policy.ResolvePath(baseDir, path); err != nil {
		return err
	}
	return nil
}

// patchFiles extracts the referenced paths from a unified diff, in order
// of first mention.
func patchFiles(diff string) []string {
	seen := make(map[string]bool)
	var files []string
	add := func(path string) {
		path = strings.TrimSpace(path)
		if path == "" || path == "/dev/null" {
			return
		}
		if strings.HasPrefix(path, "a/") || strings.HasPrefix(path, "b/") {
			path = path[2:]
		}
		if path == "" || seen[path] {
			return
		}
		seen[path] = true
		files = append(files, path)
	}

	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			rest := strings.TrimPrefix(line, "diff --git ")
			if parts := strings.Fields(rest); len(parts) == 2 {
				add(parts[0])
				add(parts[1])
			}
		case strings.HasPrefix(line, "--- "):
			add(strings.TrimPrefix(line, "--- "))
		case strings.HasPrefix(line, "+++ "):
			add(strings.TrimPrefix(line, "+++ "))
		}
	}
	return files
}
