// Package skill manages skill scaffolds under `.ads/skills`. A skill is a
// directory holding a `skill.yaml` manifest and a `SKILL.md` body that is
// injected into the agent prompt when the skill is used.
package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/adsdev/ads/internal/common/errs"
)

const (
	// ManifestFile is the manifest name inside each skill directory.
	ManifestFile = "skill.yaml"
	// BodyFile carries the prompt-injectable skill instructions.
	BodyFile = "SKILL.md"
)

// Manifest describes one skill. All three fields are required.
type Manifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
}

// Skill directory names double as manifest names.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Init scaffolds a new skill directory under skillsDir and returns its path.
// The name becomes the directory name and must be lowercase letters, digits
// and dashes. An existing skill is never overwritten.
func Init(skillsDir, name string) (string, error) {
	if !namePattern.MatchString(name) {
		return "", errs.Newf(errs.KindValidation, "invalid skill name %q: use lowercase letters, digits and dashes", name)
	}
	dir := filepath.Join(skillsDir, name)
	if _, err := os.Stat(dir); err == nil {
		return "", errs.Newf(errs.KindConstraint, "skill %q already exists", name)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errs.Storage("create skill directory", err)
	}

	manifest := fmt.Sprintf("name: %s\ndescription: Describe when this skill applies.\nversion: 0.1.0\n", name)
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0644); err != nil {
		return "", errs.Storage("write skill manifest", err)
	}

	body := fmt.Sprintf("# %s\n\nDescribe the workflow this skill encodes. The body of this file is\ninjected into the agent prompt when the skill is used.\n", name)
	if err := os.WriteFile(filepath.Join(dir, BodyFile), []byte(body), 0644); err != nil {
		return "", errs.Storage("write skill body", err)
	}
	return dir, nil
}

// Validate parses and checks a skill manifest. The path may point at the
// manifest file or at the skill directory containing it.
func Validate(path string) (*Manifest, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, ManifestFile)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("skill manifest", path)
		}
		return nil, errs.Storage("read skill manifest", err)
	}

	var m Manifest
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "parse skill manifest", err)
	}

	m.Name = strings.TrimSpace(m.Name)
	m.Description = strings.TrimSpace(m.Description)
	m.Version = strings.TrimSpace(m.Version)
	if m.Name == "" {
		return nil, errs.Validation("skill manifest missing name")
	}
	if !namePattern.MatchString(m.Name) {
		return nil, errs.Newf(errs.KindValidation, "invalid skill name %q: use lowercase letters, digits and dashes", m.Name)
	}
	if m.Description == "" {
		return nil, errs.Validation("skill manifest missing description")
	}
	if m.Version == "" {
		return nil, errs.Validation("skill manifest missing version")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return nil, errs.Newf(errs.KindValidation, "skill version %q is not semantic: %v", m.Version, err)
	}
	return &m, nil
}

// List returns the names of skill directories that carry a manifest,
// sorted. A missing skills directory lists as empty.
func List(skillsDir string) ([]string, error) {
	entries, err := os.ReadDir(skillsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Storage("read skills directory", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(skillsDir, entry.Name(), ManifestFile)); err != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
