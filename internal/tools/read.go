package tools

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/adsdev/ads/internal/common/errs"
)

const truncatedMarker = "…(truncated)"

type readPayload struct {
	Path      string   `json:"path"`
	Paths     []string `json:"paths"`
	StartLine int      `json:"startLine"`
	EndLine   int      `json:"endLine"`
	MaxBytes  int64    `json:"maxBytes"`
}

// parseReadPayload accepts a bare path, a path array, or an object.
func parseReadPayload(payload string) (readPayload, error) {
	trimmed := strings.TrimSpace(payload)
	if !looksLikeJSON(trimmed) {
		return readPayload{Path: trimmed}, nil
	}
	switch trimmed[0] {
	case '[':
		var paths []string
		if err := decodeJSON(trimmed, &paths); err != nil {
			return readPayload{}, err
		}
		return readPayload{Paths: paths}, nil
	case '"':
		var path string
		if err := decodeJSON(trimmed, &path); err != nil {
			return readPayload{}, err
		}
		return readPayload{Path: path}, nil
	default:
		var p readPayload
		if err := decodeJSON(trimmed, &p); err != nil {
			return readPayload{}, err
		}
		return p, nil
	}
}

func (r *Runner) runRead(baseDir, payload string) blockResult {
	if !r.policy.FileEnabled {
		return blockResult{err: errs.New(errs.KindToolDisabled, "file tools are disabled")}
	}
	p, err := parseReadPayload(payload)
	if err != nil {
		return blockResult{err: err}
	}
	paths := p.Paths
	if p.Path != "" {
		paths = append([]string{p.Path}, paths...)
	}
	if len(paths) == 0 {
		return blockResult{err: errs.Validation("read needs a path")}
	}

	maxBytes := r.policy.FileMaxBytes
	if p.MaxBytes > 0 && p.MaxBytes < maxBytes {
		maxBytes = p.MaxBytes
	}

	var sections []string
	var targets []string
	for _, path := range paths {
		section, target, err := r.readOne(baseDir, path, p.StartLine, p.EndLine, maxBytes)
		if err != nil {
			return blockResult{err: err}
		}
		sections = append(sections, section)
		targets = append(targets, target)
	}
	return blockResult{output: strings.Join(sections, "\n\n"), targets: targets}
}

func (r *Runner) readOne(baseDir, path string, startLine, endLine int, maxBytes int64) (string, string, error) {
	resolved, err := r.policy.ResolvePath(baseDir, path)
	if err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", errs.NotFound("file", path)
		}
		return "", "", errs.Wrap(errs.KindToolExecutionFailed, "read failed", err)
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return "", "", errs.ToolPolicyf("binary file refused: %s", path)
	}

	display := relDisplay(baseDir, resolved)
	content := string(data)
	if startLine > 0 {
		lines := strings.Split(content, "\n")
		start := startLine
		end := endLine
		if end <= 0 || end > len(lines) {
			end = len(lines)
		}
		if start > len(lines) {
			return "", "", errs.Validation(fmt.Sprintf("startLine %d past end of %s (%d lines)", startLine, display, len(lines)))
		}
		content = strings.Join(lines[start-1:end], "\n")
		display = fmt.Sprintf("%s:%d-%d", display, start, end)
	}

	truncated := false
	if int64(len(content)) > maxBytes {
		content = content[:maxBytes]
		truncated = true
	}
	content = strings.TrimRight(content, "\n")

	var b strings.Builder
	b.WriteString("📄 ")
	b.WriteString(display)
	b.WriteString("\n```\n")
	b.WriteString(content)
	if truncated {
		b.WriteByte('\n')
		b.WriteString(truncatedMarker)
	}
	b.WriteString("\n```")
	return b.String(), display, nil
}
