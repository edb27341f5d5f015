// Package glossary pins user-defined terminology in translated output.
// Terms are loaded from a plain-text file of `source=replacement` lines and
// applied to assistant text when an entry is finalized.
package glossary

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

type term struct {
	from string
	to   string
}

// Engine applies deterministic term substitutions.
type Engine struct {
	terms []term
}

// NewEngine loads terms from a file. A missing or empty path yields a
// disabled engine rather than an error, so the glossary stays optional.
func NewEngine(path string) (*Engine, error) {
	if strings.TrimSpace(path) == "" {
		return &Engine{}, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Engine{}, nil
		}
		return nil, fmt.Errorf("failed to read glossary file %q: %w", path, err)
	}

	terms, err := parseTerms(string(contents))
	if err != nil {
		return nil, fmt.Errorf("failed to parse glossary file %q: %w", path, err)
	}
	return &Engine{terms: terms}, nil
}

// Apply substitutes every glossary term in text, longest-loaded-first order
// preserved from the file. Never errors; an empty glossary is the identity.
func (e *Engine) Apply(text string) string {
	if e == nil || len(e.terms) == 0 {
		return text
	}
	result := text
	for _, t := range e.terms {
		result = strings.ReplaceAll(result, t.from, t.to)
	}
	return result
}

func parseTerms(contents string) ([]term, error) {
	lines := strings.Split(contents, "\n")
	terms := make([]term, 0, len(lines))

	for index, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		from, to, found := strings.Cut(line, "=")
		from = strings.TrimSpace(from)
		to = strings.TrimSpace(to)
		if !found || from == "" {
			return nil, fmt.Errorf("line %d: expected source=replacement", index+1)
		}
		terms = append(terms, term{from: from, to: to})
	}
	return terms, nil
}
