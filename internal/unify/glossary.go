package unify

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Glossary is an externally curated alias list: each phrase is resolved to the
// named category before the base equivalence runs.
type Glossary struct {
	Aliases []GlossaryAlias `yaml:"aliases"`
}

type GlossaryAlias struct {
	Phrase   string `yaml:"phrase"`
	Category string `yaml:"category"`
}

func LoadGlossary(path string) (*Glossary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read glossary: %w", err)
	}
	var g Glossary
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse glossary yaml: %w", err)
	}
	return &g, nil
}

// AppendAlias adds phrase -> category unless the phrase is already present.
func AppendAlias(path, phrase, category string) error {
	phrase = strings.TrimSpace(phrase)
	category = strings.TrimSpace(category)
	if phrase == "" || category == "" {
		return nil
	}

	var g Glossary
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &g); err != nil {
			return fmt.Errorf("parse existing glossary: %w", err)
		}
	}
	for _, a := range g.Aliases {
		if Casefold(a.Phrase) == Casefold(phrase) {
			return nil // already exists
		}
	}
	g.Aliases = append(g.Aliases, GlossaryAlias{Phrase: phrase, Category: category})

	out, err := yaml.Marshal(&g)
	if err != nil {
		return fmt.Errorf("marshal glossary: %w", err)
	}
	return os.WriteFile(path, out, 0644)
}

// WithGlossary wraps base so glossary phrases resolve to their category's key.
// Phrases are compared under base as well.
func WithGlossary(base Equivalence, g *Glossary) Equivalence {
	if g == nil || len(g.Aliases) == 0 {
		return base
	}
	aliases := make(map[string]string, len(g.Aliases))
	for _, a := range g.Aliases {
		key := base(a.Phrase)
		if key == "" {
			continue
		}
		aliases[key] = base(a.Category)
	}
	return func(name string) string {
		key := base(name)
		if target, ok := aliases[key]; ok && target != "" {
			return target
		}
		return key
	}
}
