// Package lesson holds the built-in Mandarin curriculum: each lesson pairs
// a vocabulary list with the system instruction handed to the live tutor.
package lesson

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vango-go/laoshi/pkg/core"
)

//go:embed lessons.yaml
var builtinLessons []byte

// VocabularyItem is one word or phrase taught in a lesson.
type VocabularyItem struct {
	Hanzi   string `yaml:"hanzi"`
	Pinyin  string `yaml:"pinyin"`
	English string `yaml:"english"`
}

// Lesson is one unit of the curriculum.
type Lesson struct {
	ID         string           `yaml:"id"`
	Title      string           `yaml:"title"`
	Level      string           `yaml:"level"`
	Prompt     string           `yaml:"prompt"`
	Vocabulary []VocabularyItem `yaml:"vocabulary"`
}

// SystemInstruction renders the tutor prompt for the live channel: the
// lesson script followed by its vocabulary in hanzi (pinyin) - english form.
func (l Lesson) SystemInstruction() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(l.Prompt))
	if len(l.Vocabulary) > 0 {
		b.WriteString("\n\nVocabulary for this lesson:\n")
		for _, v := range l.Vocabulary {
			fmt.Fprintf(&b, "- %s (%s) - %s\n", v.Hanzi, v.Pinyin, v.English)
		}
	}
	return b.String()
}

// Registry resolves lesson IDs.
type Registry struct {
	lessons map[string]Lesson
}

// NewRegistry builds a registry from the given lessons.
func NewRegistry(lessons []Lesson) *Registry {
	m := make(map[string]Lesson, len(lessons))
	for _, l := range lessons {
		m[l.ID] = l
	}
	return &Registry{lessons: m}
}

// Load parses a YAML lesson document.
func Load(data []byte) (*Registry, error) {
	var doc struct {
		Lessons []Lesson `yaml:"lessons"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing lessons: %w", err)
	}
	for _, l := range doc.Lessons {
		if l.ID == "" {
			return nil, fmt.Errorf("parsing lessons: lesson %q has no id", l.Title)
		}
	}
	return NewRegistry(doc.Lessons), nil
}

// Default returns the registry backed by the embedded curriculum.
func Default() *Registry {
	reg, err := Load(builtinLessons)
	if err != nil {
		// The embedded curriculum is validated by tests; a parse failure
		// here is a build defect.
		panic(err)
	}
	return reg
}

// Get resolves a lesson by ID.
func (r *Registry) Get(id string) (Lesson, error) {
	l, ok := r.lessons[id]
	if !ok {
		return Lesson{}, core.NewUnsupportedLessonError(id)
	}
	return l, nil
}

// List returns every lesson ordered by ID.
func (r *Registry) List() []Lesson {
	out := make([]Lesson, 0, len(r.lessons))
	for _, l := range r.lessons {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
