package domain

import (
	"fmt"
	"strings"
)

// Tier is the predictability tier assigned to a category in Phase 3.
type Tier string

const (
	TierPredictableNecessary    Tier = "P&N"
	TierPredictableNotNecessary Tier = "P-NN"
	TierNotPredictable          Tier = "NP"
	TierUnresolved              Tier = "unresolved"
)

// Tiers lists the Phase-3 label domain in canonical order.
var Tiers = []Tier{TierPredictableNecessary, TierPredictableNotNecessary, TierNotPredictable}

// ParseTier accepts the short symbols and the long-form names some models emit.
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "P&N", "PREDICTABLE_AND_NECESSARY":
		return TierPredictableNecessary, nil
	case "P-NN", "PREDICTABLE_BUT_NOT_NECESSARY":
		return TierPredictableNotNecessary, nil
	case "NP", "NOT_PREDICTABLE":
		return TierNotPredictable, nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

const (
	// NoConsensus marks a decision where no label won a strict plurality.
	NoConsensus = "no consensus"
	// NoMapping is the Phase-2 label a voter uses when no category fits an item.
	NoMapping = "no mapping"
)

// Confidence is the agreement band of a consensus decision.
type Confidence string

const (
	ConfidenceGreen  Confidence = "green"
	ConfidenceYellow Confidence = "yellow"
	ConfidenceRed    Confidence = "red"
)

func (c Confidence) Flag() string {
	switch c {
	case ConfidenceGreen:
		return "🟢"
	case ConfidenceYellow:
		return "🟡"
	default:
		return "🔴"
	}
}

// Decision is one row of a Phase-2 or Phase-3 consensus table.
type Decision struct {
	Phase         Phase              `json:"phase"`
	ItemID        ItemID             `json:"item_id"`
	Label         string             `json:"label"`
	Count         int                `json:"count"`
	Participating int                `json:"participating"`
	RosterSize    int                `json:"roster_size"`
	Distribution  map[string]int     `json:"distribution"`
	Abstained     []VoterID          `json:"abstained,omitempty"`
	Tied          []string           `json:"tied,omitempty"`
	Votes         map[VoterID]string `json:"votes"`
	Confidence    Confidence         `json:"confidence"`
}

// Resolved reports whether a single label won.
func (d Decision) Resolved() bool {
	return d.Label != NoConsensus
}

// Agreement renders the winning count over participating voters, e.g. "3/5".
func (d Decision) Agreement() string {
	return fmt.Sprintf("%d/%d", d.Count, d.Participating)
}

// FinalRecord is the per-item outcome after tier propagation.
type FinalRecord struct {
	ItemID        ItemID     `json:"item_id"`
	Text          string     `json:"text"`
	CategoryID    string     `json:"category_id"`
	Tier          Tier       `json:"tier"`
	MappingBand   Confidence `json:"mapping_confidence"`
	MappingVotes  string     `json:"mapping_agreement"`
	TierBand      Confidence `json:"tier_confidence,omitempty"`
	TierVotes     string     `json:"tier_agreement,omitempty"`
	UnresolvedWhy string     `json:"unresolved_reason,omitempty"`
}

// BandStats summarises a consensus table by confidence band.
type BandStats struct {
	Total     int     `json:"total"`
	Green     int     `json:"green"`
	GreenPct  float64 `json:"green_pct"`
	Yellow    int     `json:"yellow"`
	YellowPct float64 `json:"yellow_pct"`
	Red       int     `json:"red"`
	RedPct    float64 `json:"red_pct"`
}
