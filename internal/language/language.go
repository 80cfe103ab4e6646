package language

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Spec describes how to run one language inside a sandbox.
type Spec struct {
	Name       string   `yaml:"name" json:"name"`
	Filename   string   `yaml:"filename" json:"filename"`
	Image      string   `yaml:"image" json:"image"`
	RunCommand []string `yaml:"run" json:"run"`
}

// Table maps language names to their sandbox spec.
type Table struct {
	mu       sync.RWMutex
	specs    map[string]Spec
	fallback string
}

// NewTable creates a table seeded with the built-in languages.
// Lookups for unknown languages resolve to fallback.
func NewTable(fallback string) *Table {
	t := &Table{
		specs:    make(map[string]Spec),
		fallback: strings.ToLower(fallback),
	}
	for _, s := range defaults() {
		t.Register(s)
	}
	if _, ok := t.specs[t.fallback]; !ok {
		t.fallback = "python"
	}
	return t
}

// Register adds or replaces a language.
func (t *Table) Register(s Spec) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.Name = strings.ToLower(s.Name)
	t.specs[s.Name] = s
}

// Lookup returns the spec for an exact language name.
func (t *Table) Lookup(name string) (Spec, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.specs[strings.ToLower(strings.TrimSpace(name))]
	return s, ok
}

// Resolve returns the spec for name, or the fallback language when name is unknown.
func (t *Table) Resolve(name string) Spec {
	if s, ok := t.Lookup(name); ok {
		return s
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.specs[t.fallback]
}

// Default returns the fallback language name.
func (t *Table) Default() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fallback
}

// List returns all languages sorted by name.
func (t *Table) List() []Spec {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Spec, 0, len(t.specs))
	for _, s := range t.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ForFile returns the language whose source filename has the same extension as name.
func (t *Table) ForFile(name string) (Spec, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return Spec{}, false
	}
	for _, s := range t.List() {
		if strings.ToLower(filepath.Ext(s.Filename)) == ext {
			return s, true
		}
	}
	return Spec{}, false
}

// Images returns the distinct images referenced by the table.
func (t *Table) Images() []string {
	seen := make(map[string]bool)
	var images []string
	for _, s := range t.List() {
		if !seen[s.Image] {
			seen[s.Image] = true
			images = append(images, s.Image)
		}
	}
	return images
}

type fileFormat struct {
	Languages []Spec `yaml:"languages"`
}

// LoadFile merges languages from a YAML file into the table.
//
//	languages:
//	  - name: python
//	    filename: main.py
//	    image: python:3.12-slim
//	    run: [python, main.py]
func (t *Table) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading language file: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing language file: %w", err)
	}

	for i, s := range f.Languages {
		if s.Name == "" || s.Filename == "" || s.Image == "" || len(s.RunCommand) == 0 {
			return fmt.Errorf("language entry %d: name, filename, image and run are required", i)
		}
		t.Register(s)
	}
	return nil
}

func defaults() []Spec {
	return []Spec{
		{Name: "python", Filename: "main.py", Image: "python:3.9-slim", RunCommand: []string{"python", "main.py"}},
		{Name: "javascript", Filename: "main.js", Image: "node:16-alpine", RunCommand: []string{"node", "main.js"}},
		{Name: "java", Filename: "Main.java", Image: "openjdk:11-slim", RunCommand: []string{"bash", "-c", "javac Main.java && java Main"}},
		{Name: "c", Filename: "main.c", Image: "gcc:11.2", RunCommand: []string{"bash", "-c", "gcc main.c -o main && ./main"}},
		{Name: "cpp", Filename: "main.cpp", Image: "gcc:11.2", RunCommand: []string{"bash", "-c", "g++ main.cpp -o main && ./main"}},
		{Name: "go", Filename: "main.go", Image: "golang:1.23-alpine", RunCommand: []string{"go", "run", "main.go"}},
		{Name: "ruby", Filename: "main.rb", Image: "ruby:3.3-slim", RunCommand: []string{"ruby", "main.rb"}},
	}
}
