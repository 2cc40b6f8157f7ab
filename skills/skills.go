// Package skills loads a directory catalog of skills: markdown documents of
// domain guidance an agent can list and pull into context on demand.
//
// A skill is either <dir>/<name>/SKILL.md or <dir>/<name>.md. The file may
// open with a YAML front matter block:
//
//	---
//	name: release-notes
//	description: How to draft release notes for this project.
//	allowed-tools: shell_exec, read_file
//	license: MIT
//	---
//
// Missing front matter fields fall back to the directory name and the first
// paragraph of the document body.
package skills

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	kestrel "github.com/kestrelai/kestrel"
)

// Skill is one catalog entry with its parsed front matter.
type Skill struct {
	Name         string
	Description  string
	AllowedTools []string // empty = no restriction
	License      string
	Path         string
	Body         string // markdown body without front matter
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets a structured logger for load diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(ix *Index) {
		if l != nil {
			ix.logger = l
		}
	}
}

// Index is a directory-backed kestrel.SkillIndex.
type Index struct {
	mu     sync.RWMutex
	dir    string
	skills map[string]Skill
	order  []string
	logger *slog.Logger
}

var _ kestrel.SkillIndex = (*Index)(nil)

// Load scans dir and builds the skill index. Files that fail to parse are
// skipped with a warning rather than failing the whole catalog.
func Load(dir string, opts ...Option) (*Index, error) {
	ix := &Index{
		dir:    dir,
		skills: make(map[string]Skill),
		logger: slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(ix)
	}
	if err := ix.Reload(); err != nil {
		return nil, err
	}
	return ix, nil
}

// Reload rescans the catalog directory, replacing the in-memory index.
func (ix *Index) Reload() error {
	entries, err := os.ReadDir(ix.dir)
	if err != nil {
		return fmt.Errorf("skills: read catalog dir: %w", err)
	}

	skills := make(map[string]Skill)
	var order []string
	for _, e := range entries {
		var path, fallback string
		switch {
		case e.IsDir():
			path = filepath.Join(ix.dir, e.Name(), "SKILL.md")
			fallback = e.Name()
		case strings.HasSuffix(e.Name(), ".md"):
			path = filepath.Join(ix.dir, e.Name())
			fallback = strings.TrimSuffix(e.Name(), ".md")
		default:
			continue
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				ix.logger.Warn("skipping unreadable skill", "path", path, "error", err)
			}
			continue
		}
		sk, err := Parse(raw, fallback)
		if err != nil {
			ix.logger.Warn("skipping malformed skill", "path", path, "error", err)
			continue
		}
		sk.Path = path
		if _, dup := skills[sk.Name]; dup {
			ix.logger.Warn("duplicate skill name, keeping first", "name", sk.Name, "path", path)
			continue
		}
		skills[sk.Name] = sk
		order = append(order, sk.Name)
	}
	sort.Strings(order)

	ix.mu.Lock()
	ix.skills, ix.order = skills, order
	ix.mu.Unlock()
	ix.logger.Debug("skill catalog loaded", "dir", ix.dir, "count", len(order))
	return nil
}

// List returns the indexed front matter of every skill, sorted by name.
func (ix *Index) List() []kestrel.SkillInfo {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]kestrel.SkillInfo, 0, len(ix.order))
	for _, name := range ix.order {
		sk := ix.skills[name]
		out = append(out, kestrel.SkillInfo{Name: sk.Name, Description: sk.Description})
	}
	return out
}

// Load returns the full markdown body of the named skill.
func (ix *Index) Load(name string) (string, error) {
	sk, ok := ix.Skill(name)
	if !ok {
		return "", fmt.Errorf("skills: unknown skill %q", name)
	}
	return sk.Body, nil
}

// Skill returns the full catalog entry for name.
func (ix *Index) Skill(name string) (Skill, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	sk, ok := ix.skills[name]
	return sk, ok
}

// frontMatter is the YAML block at the top of a SKILL.md file.
type frontMatter struct {
	Name         string     `yaml:"name"`
	Description  string     `yaml:"description"`
	AllowedTools stringList `yaml:"allowed-tools"`
	License      string     `yaml:"license"`
}

// stringList accepts either a YAML sequence or a comma-separated scalar.
type stringList []string

func (s *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*s = items
	case yaml.ScalarNode:
		var raw string
		if err := node.Decode(&raw); err != nil {
			return err
		}
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				*s = append(*s, part)
			}
		}
	default:
		return fmt.Errorf("allowed-tools: expected string or list")
	}
	return nil
}

// Parse splits front matter from body and fills fallback fields.
// fallbackName is used when the front matter has no name.
func Parse(raw []byte, fallbackName string) (Skill, error) {
	body := raw
	var fm frontMatter

	if bytes.HasPrefix(raw, []byte("---\n")) || bytes.HasPrefix(raw, []byte("---\r\n")) {
		rest := raw[bytes.IndexByte(raw, '\n')+1:]
		end := bytes.Index(rest, []byte("\n---"))
		if end < 0 {
			return Skill{}, fmt.Errorf("unterminated front matter")
		}
		if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
			return Skill{}, fmt.Errorf("parse front matter: %w", err)
		}
		body = rest[end+len("\n---"):]
		if i := bytes.IndexByte(body, '\n'); i >= 0 {
			body = body[i+1:]
		} else {
			body = nil
		}
	}

	sk := Skill{
		Name:         fm.Name,
		Description:  fm.Description,
		AllowedTools: fm.AllowedTools,
		License:      fm.License,
		Body:         strings.TrimSpace(string(body)),
	}
	if sk.Name == "" {
		sk.Name = fallbackName
	}
	if sk.Name == "" {
		return Skill{}, fmt.Errorf("skill has no name")
	}
	if sk.Description == "" {
		sk.Description = firstParagraph([]byte(sk.Body))
	}
	return sk, nil
}

// firstParagraph extracts the text of the first paragraph of a markdown
// document, used as the description when front matter omits one.
func firstParagraph(src []byte) string {
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if n.Kind() != ast.KindParagraph {
			continue
		}
		var b strings.Builder
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				b.Write(t.Segment.Value(src))
				if t.SoftLineBreak() || t.HardLineBreak() {
					b.WriteByte(' ')
				}
			}
		}
		if s := strings.TrimSpace(b.String()); s != "" {
			return s
		}
	}
	return ""
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
