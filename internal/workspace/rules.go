package workspace

import (
	"os"
	"path/filepath"
)

// DefaultRulesTemplate seeds `.ads/rules.md` on `init`.
const DefaultRulesTemplate = `# Workspace rules

Add project-specific guidance for agents here. Everything in this file is
injected into the first prompt of each turn.
`

// WriteDefaultRules creates `.ads/rules.md` when absent. Existing content
// is never touched.
func (w *Workspace) WriteDefaultRules() (string, error) {
	path := filepath.Join(w.AdsDir(), "rules.md")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(w.AdsDir(), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(DefaultRulesTemplate), 0644); err != nil {
		return "", err
	}
	return path, nil
}
