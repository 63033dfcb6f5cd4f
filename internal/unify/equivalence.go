package unify

import (
	"fmt"
	"strings"

	"traitconsensus/internal/preprocess"
)

// Equivalence maps a proposed category name to the key of its equivalence class.
// Two proposals are the same category iff their keys are equal. An empty key
// means the proposal is ignored.
type Equivalence func(name string) string

// Exact treats names as identical only when they match byte for byte.
func Exact(name string) string {
	return name
}

// Casefold ignores case and surrounding whitespace.
func Casefold(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Normalized additionally collapses inner whitespace and strips edge punctuation.
func Normalized(name string) string {
	return preprocess.NormalizeTrait(name)
}

// EquivalenceByName resolves the strategy names accepted in configuration.
func EquivalenceByName(name string) (Equivalence, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "exact":
		return Exact, nil
	case "casefold":
		return Casefold, nil
	case "normalized":
		return Normalized, nil
	default:
		return nil, fmt.Errorf("unknown equivalence %q (want exact, casefold or normalized)", name)
	}
}
