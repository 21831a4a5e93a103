// Package policy loads the default tag selection used when a scan request
// names no tags. The policy file is a YAML (or JSON) document:
//
//	tags: [wcag2a, wcag2aa, wcag21a, wcag21aa]
//
// It is read once and cached. A missing or unusable file is not an error:
// the built-in WCAG A/AA set is used instead.
package policy

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultTags covers WCAG 2.0, 2.1 and 2.2 levels A and AA.
var DefaultTags = []string{"wcag2a", "wcag2aa", "wcag21a", "wcag21aa", "wcag22aa"}

// Policy is the decoded policy document.
type Policy struct {
	Tags []string `yaml:"tags" json:"tags"`

	// Source is the file the tags came from, or "builtin".
	Source string `yaml:"-" json:"source"`
}

// Parse decodes a policy document. A document without any usable tag is
// rejected.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("policy: decode: %w", err)
	}
	p.Tags = cleanTags(p.Tags)
	if len(p.Tags) == 0 {
		return nil, fmt.Errorf("policy: no tags")
	}
	return &p, nil
}

// Builtin returns the fallback policy.
func Builtin() *Policy {
	tags := make([]string, len(DefaultTags))
	copy(tags, DefaultTags)
	return &Policy{Tags: tags, Source: "builtin"}
}

func cleanTags(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Loader reads the policy file on first use and serves the cached result
// afterwards.
type Loader struct {
	path   string
	logger *slog.Logger

	once sync.Once
	pol  *Policy
}

// NewLoader creates a Loader for path. An empty path always yields the
// builtin policy.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{path: path, logger: logger}
}

// Policy returns the cached policy, loading it on the first call.
func (l *Loader) Policy() *Policy {
	l.once.Do(func() {
		l.pol = l.load()
	})
	return l.pol
}

// Tags returns a copy of the policy tags.
func (l *Loader) Tags() []string {
	p := l.Policy()
	out := make([]string, len(p.Tags))
	copy(out, p.Tags)
	return out
}

func (l *Loader) load() *Policy {
	if l.path == "" {
		return Builtin()
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		l.logger.Info("policy: file unavailable, using builtin tags",
			"path", l.path, "error", err)
		return Builtin()
	}

	p, err := Parse(data)
	if err != nil {
		l.logger.Warn("policy: invalid file, using builtin tags",
			"path", l.path, "error", err)
		return Builtin()
	}
	p.Source = l.path
	l.logger.Info("policy: loaded", "path", l.path, "tags", len(p.Tags))
	return p
}
