// Package catalog loads plan templates from YAML files. A template binds a
// goal event type to the state machine that pursues it.
package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/semflow/workflow"
)

// DefaultPattern matches YAML files at any depth.
const DefaultPattern = "**/*.{yaml,yml}"

// Template is one plan template.
type Template struct {
	Name          string                `yaml:"name"`
	Description   string                `yaml:"description,omitempty"`
	GoalEvent     string                `yaml:"goal_event"`
	ResponseEvent string                `yaml:"response_event"`
	StateMachine  workflow.StateMachine `yaml:"states"`

	// Source is the file the template was read from.
	Source string `yaml:"-"`
}

// Validate checks the template and its graph.
func (t Template) Validate() error {
	var errs workflow.ValidationErrors
	if t.Name == "" {
		errs.Add("name", "required")
	}
	if t.GoalEvent == "" {
		errs.Add("goal_event", "required")
	}
	if t.ResponseEvent == "" {
		errs.Add("response_event", "required")
	}
	if err := errs.Err(); err != nil {
		return err
	}
	return t.StateMachine.Validate()
}

// ParseTemplate decodes and validates one template.
func ParseTemplate(data []byte, source string) (Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Template{}, fmt.Errorf("parse template %s: %w", source, err)
	}
	t.StateMachine = t.StateMachine.Normalize()
	t.Source = source
	if err := t.Validate(); err != nil {
		return Template{}, fmt.Errorf("template %s: %w", source, err)
	}
	return t, nil
}

// LoadFile reads one template file.
func LoadFile(path string) (Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("read template: %w", err)
	}
	return ParseTemplate(data, path)
}

// Catalog indexes templates by goal event.
type Catalog struct {
	dir     string
	pattern string
	logger  *slog.Logger

	mu     sync.RWMutex
	byGoal map[string]Template
}

// New creates an empty catalog over dir. An empty pattern uses
// DefaultPattern.
func New(dir, pattern string, logger *slog.Logger) *Catalog {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		dir:     dir,
		pattern: pattern,
		logger:  logger,
		byGoal:  make(map[string]Template),
	}
}

// Load creates a catalog and reads every matching file in dir.
func Load(dir, pattern string, logger *slog.Logger) (*Catalog, error) {
	c := New(dir, pattern, logger)
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Dir returns the catalog directory.
func (c *Catalog) Dir() string { return c.dir }

// Reload re-reads the directory. The catalog is only replaced when every
// file parses and no two templates claim the same goal event.
func (c *Catalog) Reload() error {
	files, err := doublestar.Glob(os.DirFS(c.dir), c.pattern, doublestar.WithFilesOnly())
	if err != nil {
		return fmt.Errorf("glob %s in %s: %w", c.pattern, c.dir, err)
	}
	sort.Strings(files)

	next := make(map[string]Template, len(files))
	for _, rel := range files {
		t, err := LoadFile(filepath.Join(c.dir, filepath.FromSlash(rel)))
		if err != nil {
			return err
		}
		if prev, dup := next[t.GoalEvent]; dup {
			return fmt.Errorf("goal event %s claimed by both %s and %s", t.GoalEvent, prev.Source, t.Source)
		}
		next[t.GoalEvent] = t
	}

	c.mu.Lock()
	c.byGoal = next
	c.mu.Unlock()
	c.logger.Info("Loaded plan templates", "dir", c.dir, "count", len(next))
	return nil
}

// Add registers a template directly. It replaces any template with the same
// goal event.
func (c *Catalog) Add(t Template) error {
	t.StateMachine = t.StateMachine.Normalize()
	if err := t.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byGoal[t.GoalEvent] = t
	return nil
}

// Get returns the template for a goal event.
func (c *Catalog) Get(goalEvent string) (Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byGoal[goalEvent]
	return t, ok
}

// All returns every template ordered by goal event.
func (c *Catalog) All() []Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Template, 0, len(c.byGoal))
	for _, t := range c.byGoal {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GoalEvent < out[j].GoalEvent })
	return out
}

// Len returns the number of templates.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byGoal)
}

// Match reports whether a path relative to the catalog dir is a template
// file.
func (c *Catalog) Match(rel string) bool {
	ok, err := doublestar.Match(c.pattern, filepath.ToSlash(rel))
	return err == nil && ok
}
