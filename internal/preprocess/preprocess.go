// Package preprocess cleans raw eligibility traits before they become items.
package preprocess

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"traitconsensus/internal/domain"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// NormalizeTrait lowercases, collapses whitespace and strips leading or trailing
// ".,;:" so trivially different spellings compare equal.
func NormalizeTrait(trait string) string {
	s := strings.ToLower(strings.TrimSpace(trait))
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.Trim(s, ".,;:")
}

// Deduplicate returns the sorted unique normalised traits. Blank traits are dropped.
func Deduplicate(traits []string) []string {
	seen := make(map[string]struct{}, len(traits))
	out := make([]string, 0, len(traits))
	for _, t := range traits {
		n := NormalizeTrait(t)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

type Stats struct {
	InitialCount int
	FinalCount   int
	Removed      int
	ReductionPct float64
}

func (s Stats) String() string {
	return fmt.Sprintf("initial=%d final=%d removed=%d (%.1f%%)", s.InitialCount, s.FinalCount, s.Removed, s.ReductionPct)
}

// Items deduplicates raw traits and assigns stable ids T0001, T0002, ... in sorted order.
func Items(raw []string) ([]domain.Item, Stats) {
	unique := Deduplicate(raw)
	items := make([]domain.Item, 0, len(unique))
	for i, t := range unique {
		items = append(items, domain.NewItem(domain.ItemID(fmt.Sprintf("T%04d", i+1)), t))
	}
	stats := Stats{InitialCount: len(raw), FinalCount: len(unique), Removed: len(raw) - len(unique)}
	if len(raw) > 0 {
		stats.ReductionPct = math.Round(float64(stats.Removed)/float64(len(raw))*1000) / 10
	}
	return items, stats
}
