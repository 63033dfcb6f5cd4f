package llm

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"traitconsensus/internal/domain"
)

type mappingAnswer struct {
	ID       string `json:"id"`
	Category string `json:"category"`
}

type tierAnswer struct {
	Category string `json:"category"`
	Tier     string `json:"tier"`
}

func stripFences(responseText string) string {
	responseText = strings.TrimSpace(responseText)
	responseText = strings.TrimPrefix(responseText, "```json")
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	return strings.TrimSpace(responseText)
}

func parseProposals(responseText string) ([]string, error) {
	responseText = stripFences(responseText)
	var names []string
	if err := json.Unmarshal([]byte(responseText), &names); err != nil {
		return nil, fmt.Errorf("parsing proposal response: %w (response: %s)", err, responseText)
	}
	return names, nil
}

// parseMapping returns item id -> category id. Answers naming an unknown
// category are dropped and count as abstentions.
func parseMapping(responseText string, categories []domain.Category) (map[domain.ItemID]string, error) {
	responseText = stripFences(responseText)
	var answers []mappingAnswer
	if err := json.Unmarshal([]byte(responseText), &answers); err != nil {
		return nil, fmt.Errorf("parsing mapping response: %w (response: %s)", err, responseText)
	}
	resolve := categoryResolver(categories, true)
	out := make(map[domain.ItemID]string, len(answers))
	for _, a := range answers {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			continue
		}
		label, ok := resolve(a.Category)
		if !ok {
			log.Printf("llm mapping dropped item=%s category=%q: not in category set", id, a.Category)
			continue
		}
		out[domain.ItemID(id)] = label
	}
	return out, nil
}

// parseTiers returns category id -> canonical tier symbol.
func parseTiers(responseText string, categories []domain.Category) (map[string]string, error) {
	responseText = stripFences(responseText)
	var answers []tierAnswer
	if err := json.Unmarshal([]byte(responseText), &answers); err != nil {
		return nil, fmt.Errorf("parsing classification response: %w (response: %s)", err, responseText)
	}
	resolve := categoryResolver(categories, false)
	out := make(map[string]string, len(answers))
	for _, a := range answers {
		cat, ok := resolve(a.Category)
		if !ok {
			log.Printf("llm classification dropped category=%q: not in category set", a.Category)
			continue
		}
		tier, err := domain.ParseTier(a.Tier)
		if err != nil {
			log.Printf("llm classification dropped category=%s: %v", cat, err)
			continue
		}
		out[cat] = string(tier)
	}
	return out, nil
}

// categoryResolver matches a model's answer against category ids, then display
// names, then either of them ignoring case. An answer that matches several
// categories at the first level where it matches at all is not resolved.
func categoryResolver(categories []domain.Category, allowNone bool) func(string) (string, bool) {
	byID := make(map[string][]string, len(categories))
	byName := make(map[string][]string, len(categories))
	folded := make(map[string][]string, len(categories)*2)
	for _, c := range categories {
		byID[c.ID] = appendUnique(byID[c.ID], c.ID)
		folded[strings.ToLower(c.ID)] = appendUnique(folded[strings.ToLower(c.ID)], c.ID)
		if n := strings.TrimSpace(c.Name); n != "" {
			byName[n] = appendUnique(byName[n], c.ID)
			folded[strings.ToLower(n)] = appendUnique(folded[strings.ToLower(n)], c.ID)
		}
	}
	return func(raw string) (string, bool) {
		key := strings.TrimSpace(raw)
		for _, index := range []map[string][]string{byID, byName} {
			if ids := index[key]; len(ids) > 0 {
				return pickOne(raw, ids)
			}
		}
		lower := strings.ToLower(key)
		if ids := folded[lower]; len(ids) > 0 {
			return pickOne(raw, ids)
		}
		if allowNone {
			switch lower {
			case "none", "no mapping", "no_mapping", "n/a":
				return domain.NoMapping, true
			}
		}
		return "", false
	}
}

func pickOne(raw string, ids []string) (string, bool) {
	if len(ids) == 1 {
		return ids[0], true
	}
	log.Printf("llm answer %q is ambiguous between categories %s", raw, strings.Join(ids, ", "))
	return "", false
}

func appendUnique(ids []string, id string) []string {
	for _, have := range ids {
		if have == id {
			return ids
		}
	}
	return append(ids, id)
}
