package consensus

import (
	"fmt"

	"traitconsensus/internal/domain"
)

// Thresholds are absolute winning-vote counts for the Green and Yellow bands.
// Zero values are derived from the roster size.
type Thresholds struct {
	Green  int
	Yellow int
}

// DefaultThresholds scales the 4-of-5 / 3-of-5 bands to any roster: Yellow is a
// bare majority and Green is ceil(4n/5), never below Yellow.
func DefaultThresholds(rosterSize int) Thresholds {
	yellow := rosterSize/2 + 1
	green := (4*rosterSize + 4) / 5
	if green < yellow {
		green = yellow
	}
	return Thresholds{Green: green, Yellow: yellow}
}

// Resolve fills unset thresholds for rosterSize and checks they are satisfiable.
func (t Thresholds) Resolve(rosterSize int) (Thresholds, error) {
	def := DefaultThresholds(rosterSize)
	if t.Yellow == 0 {
		t.Yellow = def.Yellow
	}
	if t.Green == 0 {
		t.Green = def.Green
		if t.Green < t.Yellow {
			t.Green = t.Yellow
		}
	}
	if t.Yellow < 1 || t.Green < 1 {
		return t, fmt.Errorf("thresholds must be positive: green=%d yellow=%d", t.Green, t.Yellow)
	}
	if t.Green < t.Yellow {
		return t, fmt.Errorf("green_threshold %d must be >= yellow_threshold %d", t.Green, t.Yellow)
	}
	if t.Yellow > rosterSize {
		return t, &domain.DegenerateThresholdError{Name: "yellow_threshold", Threshold: t.Yellow, Voters: rosterSize}
	}
	if t.Green > rosterSize {
		return t, &domain.DegenerateThresholdError{Name: "green_threshold", Threshold: t.Green, Voters: rosterSize}
	}
	return t, nil
}

// Band classifies a decision. Ties and no-consensus results are always Red.
func (t Thresholds) Band(count int, resolved bool) domain.Confidence {
	switch {
	case !resolved:
		return domain.ConfidenceRed
	case count >= t.Green:
		return domain.ConfidenceGreen
	case count >= t.Yellow:
		return domain.ConfidenceYellow
	default:
		return domain.ConfidenceRed
	}
}
