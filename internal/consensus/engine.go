// Package consensus turns per-voter categorical votes into one plurality label
// per item, with a confidence band and a full audit of who voted for what.
package consensus

import (
	"sort"

	"traitconsensus/internal/domain"
	"traitconsensus/internal/votes"
)

// Engine is a pure function of its inputs; it holds no mutable state and is
// safe to reuse across runs and goroutines.
type Engine struct {
	Roster     []domain.VoterID
	Thresholds Thresholds
	// Quorum is the minimum number of voters that must cast at least one
	// non-abstaining vote in the phase. Zero means a strict majority.
	Quorum int
}

type Request struct {
	Items  []domain.ItemID
	Domain votes.Domain
	Votes  []domain.Vote
}

// Decide returns one decision per distinct item, in the order items were given.
// Votes for items outside req.Items are ignored.
func (e Engine) Decide(req Request) ([]domain.Decision, error) {
	phase := req.Domain.Phase()
	if len(req.Items) == 0 {
		return nil, &domain.EmptyInputError{Phase: phase, Detail: "no items to decide"}
	}
	if len(req.Votes) == 0 {
		return nil, &domain.EmptyInputError{Phase: phase, Detail: "no votes supplied"}
	}
	n := len(e.Roster)
	if n == 0 {
		return nil, &domain.EmptyInputError{Phase: phase, Detail: "empty voter roster"}
	}
	thresholds, err := e.Thresholds.Resolve(n)
	if err != nil {
		return nil, err
	}

	validated, err := votes.Validate(req.Domain, e.Roster, req.Votes)
	if err != nil {
		return nil, err
	}

	wanted := make(map[domain.ItemID]struct{}, len(req.Items))
	for _, id := range req.Items {
		wanted[id] = struct{}{}
	}
	byItem := make(map[domain.ItemID]map[domain.VoterID]string, len(req.Items))
	responded := make(map[domain.VoterID]struct{}, n)
	for _, v := range validated {
		if _, ok := wanted[v.ItemID]; !ok || v.Abstained {
			continue
		}
		if byItem[v.ItemID] == nil {
			byItem[v.ItemID] = make(map[domain.VoterID]string, n)
		}
		byItem[v.ItemID][v.Voter] = v.Label
		responded[v.Voter] = struct{}{}
	}

	if err := e.checkQuorum(phase, responded); err != nil {
		return nil, err
	}

	out := make([]domain.Decision, 0, len(req.Items))
	done := make(map[domain.ItemID]struct{}, len(req.Items))
	for _, id := range req.Items {
		if _, ok := done[id]; ok {
			continue
		}
		done[id] = struct{}{}
		out = append(out, e.decide(phase, id, byItem[id], thresholds))
	}
	return out, nil
}

// Unvoted records a no-consensus decision for each item with every voter
// abstaining. It is used when a phase has nothing voters could choose from.
// Thresholds are still checked so a config is valid or invalid regardless of
// what the voters proposed.
func (e Engine) Unvoted(phase domain.Phase, items []domain.ItemID) ([]domain.Decision, error) {
	if len(e.Roster) == 0 {
		return nil, &domain.EmptyInputError{Phase: phase, Detail: "empty voter roster"}
	}
	t, err := e.Thresholds.Resolve(len(e.Roster))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Decision, 0, len(items))
	for _, id := range items {
		out = append(out, e.decide(phase, id, nil, t))
	}
	return out, nil
}

// RequiredQuorum is the number of responding voters a phase needs. Zero means
// a strict majority of the roster; larger values are capped at the roster.
func RequiredQuorum(quorum, rosterSize int) int {
	switch {
	case quorum <= 0:
		return rosterSize/2 + 1
	case quorum > rosterSize:
		return rosterSize
	}
	return quorum
}

func (e Engine) checkQuorum(phase domain.Phase, responded map[domain.VoterID]struct{}) error {
	required := RequiredQuorum(e.Quorum, len(e.Roster))
	if len(responded) >= required {
		return nil
	}
	var missing []domain.VoterID
	for _, v := range e.Roster {
		if _, ok := responded[v]; !ok {
			missing = append(missing, v)
		}
	}
	return &domain.QuorumNotMetError{
		Phase:    phase,
		Required: required,
		Present:  len(responded),
		Missing:  domain.SortVoters(missing),
	}
}

func (e Engine) decide(phase domain.Phase, id domain.ItemID, cast map[domain.VoterID]string, t Thresholds) domain.Decision {
	d := domain.Decision{
		Phase:         phase,
		ItemID:        id,
		RosterSize:    len(e.Roster),
		Participating: len(cast),
		Distribution:  make(map[string]int),
		Votes:         make(map[domain.VoterID]string, len(cast)),
	}
	for _, voter := range e.Roster {
		label, ok := cast[voter]
		if !ok {
			d.Abstained = append(d.Abstained, voter)
			continue
		}
		d.Votes[voter] = label
		d.Distribution[label]++
	}
	d.Abstained = domain.SortVoters(d.Abstained)

	top := 0
	var leaders []string
	for label, count := range d.Distribution {
		switch {
		case count > top:
			top = count
			leaders = []string{label}
		case count == top:
			leaders = append(leaders, label)
		}
	}
	sort.Strings(leaders)

	d.Count = top
	switch {
	case len(leaders) == 1:
		d.Label = leaders[0]
	case len(leaders) > 1:
		d.Label = domain.NoConsensus
		d.Tied = leaders
	default:
		d.Label = domain.NoConsensus
	}
	d.Confidence = t.Band(d.Count, d.Resolved())
	return d
}
