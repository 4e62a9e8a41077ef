// Package servicemap resolves the service named in an error event to the
// (repository, branch) pairs whose deployments may have caused it.
package servicemap

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

// Entry maps one service onto its source repository.
type Entry struct {
	Repository string   `yaml:"repository"`
	Branches   []string `yaml:"branches"`
}

// File is the YAML root of a service map file.
type File struct {
	DefaultRepository string           `yaml:"defaultRepository"`
	DefaultBranches   []string         `yaml:"defaultBranches"`
	Services          map[string]Entry `yaml:"services"`
}

// Static is an immutable in-memory service table.
type Static struct {
	entries         map[string]Entry
	defaultRepo     string
	defaultBranches []string
}

// NewStatic builds a table. Service names are matched case-insensitively.
func NewStatic(entries map[string]Entry, defaultRepo string, defaultBranches []string) *Static {
	if len(defaultBranches) == 0 {
		defaultBranches = []string{"main"}
	}
	normalised := make(map[string]Entry, len(entries))
	for name, entry := range entries {
		normalised[normalizeService(name)] = entry
	}
	return &Static{entries: normalised, defaultRepo: defaultRepo, defaultBranches: defaultBranches}
}

// LoadFile reads a service map from YAML. A missing file yields an empty table.
func LoadFile(path string) (*Static, error) {
	if path == "" {
		return NewStatic(nil, "", nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewStatic(nil, "", nil), nil
		}
		return nil, fmt.Errorf("read service map: %w", err)
	}
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse service map: %w", err)
	}
	return NewStatic(file.Services, file.DefaultRepository, file.DefaultBranches), nil
}

// Resolve returns the watch keys an event from service may be attributed to. A repository
// hint overrides the table's repository but keeps its branches when they agree.
func (s *Static) Resolve(service, repositoryHint string) []models.WatchKey {
	entry, ok := s.lookup(service)
	repo := entry.Repository
	branches := entry.Branches
	if hint := strings.TrimSpace(repositoryHint); hint != "" {
		if !ok || !strings.EqualFold(hint, repo) {
			branches = nil
		}
		repo = hint
	}
	if repo == "" {
		repo = s.defaultRepo
	}
	if repo == "" {
		return nil
	}
	if len(branches) == 0 {
		branches = s.defaultBranches
	}

	keys := make([]models.WatchKey, 0, len(branches))
	for _, branch := range branches {
		keys = append(keys, models.NewWatchKey(repo, branch))
	}
	return keys
}

// WithFallback returns a copy using repo and branches as the default mapping when the
// table has no default repository of its own.
func (s *Static) WithFallback(repo string, branches []string) *Static {
	out := *s
	if out.defaultRepo != "" || repo == "" {
		return &out
	}
	out.defaultRepo = repo
	if len(branches) > 0 {
		out.defaultBranches = branches
	}
	return &out
}

// Len returns the number of explicitly mapped services.
func (s *Static) Len() int { return len(s.entries) }

func (s *Static) lookup(service string) (Entry, bool) {
	entry, ok := s.entries[normalizeService(service)]
	return entry, ok
}

func normalizeService(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
