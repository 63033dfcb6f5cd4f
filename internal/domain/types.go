package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Phase identifies which stage of the pipeline a vote belongs to.
type Phase int

const (
	PhaseProposal       Phase = 1 // voter proposes free-form category names
	PhaseMapping        Phase = 2 // voter maps an item to a unified category id
	PhaseClassification Phase = 3 // voter assigns a tier symbol to a category
)

func (p Phase) String() string {
	switch p {
	case PhaseProposal:
		return "proposal"
	case PhaseMapping:
		return "mapping"
	case PhaseClassification:
		return "classification"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ParsePhase accepts a phase name or its number.
func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "proposal":
		return PhaseProposal, nil
	case "2", "mapping":
		return PhaseMapping, nil
	case "3", "classification":
		return PhaseClassification, nil
	}
	return 0, fmt.Errorf("unknown phase %q (want proposal, mapping or classification)", s)
}

// Valid reports whether p is one of the three pipeline phases.
func (p Phase) Valid() bool {
	return p >= PhaseProposal && p <= PhaseClassification
}

type VoterID string

type ItemID string

// Item is a unit being classified: a trait in Phase 2, a category in Phase 3.
type Item struct {
	ID     ItemID
	Text   string
	parent string
}

func NewItem(id ItemID, text string) Item {
	return Item{ID: id, Text: text}
}

// Parent returns the Phase-2 category assignment, if one has been made.
func (i Item) Parent() (string, bool) {
	return i.parent, i.parent != ""
}

// SetParent records the parent category. It may only be called once.
func (i *Item) SetParent(categoryID string) error {
	if strings.TrimSpace(categoryID) == "" {
		return fmt.Errorf("item %s: empty parent category", i.ID)
	}
	if i.parent != "" {
		return fmt.Errorf("item %s: parent already set to %q", i.ID, i.parent)
	}
	i.parent = categoryID
	return nil
}

// Vote is one voter's judgment on one item in one phase. Abstained votes carry no
// label and are distinct from a vote for any label, including NoMapping.
type Vote struct {
	Phase     Phase
	ItemID    ItemID
	Voter     VoterID
	Label     string
	Abstained bool
}

func Abstention(phase Phase, item ItemID, voter VoterID) Vote {
	return Vote{Phase: phase, ItemID: item, Voter: voter, Abstained: true}
}

// VotePair identifies an (item, voter) slot within a phase.
type VotePair struct {
	ItemID ItemID  `json:"item_id"`
	Voter  VoterID `json:"voter"`
}

func (p VotePair) String() string {
	return fmt.Sprintf("%s/%s", p.ItemID, p.Voter)
}

func (v Vote) Pair() VotePair {
	return VotePair{ItemID: v.ItemID, Voter: v.Voter}
}

// Category is a unified umbrella category produced by Phase 1.
type Category struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Sources []string  `json:"sources"`
	Voters  []VoterID `json:"voters"`
	Support int       `json:"support"`
}

// RejectedProposal is a Phase-1 equivalence class that fell below min_support.
type RejectedProposal struct {
	Key     string    `json:"key"`
	Name    string    `json:"name"`
	Sources []string  `json:"sources"`
	Voters  []VoterID `json:"voters"`
	Support int       `json:"support"`
}

// SortVoters returns a sorted copy of ids.
func SortVoters(ids []VoterID) []VoterID {
	out := append([]VoterID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
