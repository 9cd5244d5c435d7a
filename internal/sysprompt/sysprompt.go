// Package sysprompt assembles system context for agent conversations:
// the workspace rules chain and the session working directory. Injected
// content is wrapped in <ads-system> tags so surfaces can strip it
// before display.
package sysprompt

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// System tag constants for marking system-injected content.
const (
	TagStart = "<ads-system>"
	TagEnd   = "</ads-system>"
)

var systemTagRegex = regexp.MustCompile(`<ads-system>[\s\S]*?</ads-system>\s*`)

// Strip removes all <ads-system>...</ads-system> blocks from text.
func Strip(text string) string {
	return systemTagRegex.ReplaceAllString(text, "")
}

// Wrap marks content as system-injected.
func Wrap(content string) string {
	return TagStart + content + TagEnd
}

// rulesRelPath is looked up at the workspace root and again under the
// session working directory when that differs. agentsFile is root-only
// and read first.
const (
	agentsFile   = "AGENTS.md"
	rulesRelPath = ".ads/rules.md"
)

// Manager tracks the working directory routed commands and prompts see
// and assembles the rules chain for it.
type Manager struct {
	mu   sync.Mutex
	root string
	cwd  string
}

// NewManager returns a manager rooted at the workspace root.
func NewManager(root string) *Manager {
	return &Manager{root: root, cwd: root}
}

// SetCwd updates the working directory the rules chain is built for.
func (m *Manager) SetCwd(cwd string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cwd != "" {
		m.cwd = cwd
	}
}

// Cwd returns the current working directory.
func (m *Manager) Cwd() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cwd
}

// RulesChain returns the rules files that exist: root AGENTS.md, the
// root rules file, then the working directory's own rules file when it
// differs.
func (m *Manager) RulesChain() []string {
	m.mu.Lock()
	root, cwd := m.root, m.cwd
	m.mu.Unlock()

	candidates := []string{
		filepath.Join(root, agentsFile),
		filepath.Join(root, rulesRelPath),
	}
	if cwd != "" && cwd != root {
		candidates = append(candidates, filepath.Join(cwd, rulesRelPath))
	}

	var chain []string
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			chain = append(chain, path)
		}
	}
	return chain
}

// RulesText concatenates the rules chain with per-file headers. Empty
// when no rules file exists.
func (m *Manager) RulesText() string {
	var b strings.Builder
	for i, path := range m.RulesChain() {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## ")
		b.WriteString(m.displayPath(path))
		b.WriteString("\n")
		b.WriteString(strings.TrimRight(string(data), "\n"))
	}
	return b.String()
}

// SessionContext returns the wrapped system block carrying the working
// directory and the rules chain, or "" when there is nothing to inject.
func (m *Manager) SessionContext() string {
	rules := m.RulesText()
	cwd := m.Cwd()

	var b strings.Builder
	b.WriteString("Working directory: ")
	b.WriteString(cwd)
	if rules != "" {
		b.WriteString("\n\nProject rules:\n")
		b.WriteString(rules)
	}
	return Wrap(b.String())
}

func (m *Manager) displayPath(path string) string {
	m.mu.Lock()
	root := m.root
	m.mu.Unlock()
	if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}
