package votes

import (
	"sort"
	"strings"

	"traitconsensus/internal/domain"
)

// Domain is the finite set of labels a phase accepts.
type Domain struct {
	phase  domain.Phase
	labels []string
	index  map[string]struct{}
}

func NewDomain(phase domain.Phase, labels []string) Domain {
	d := Domain{phase: phase, index: make(map[string]struct{}, len(labels))}
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if _, ok := d.index[l]; ok {
			continue
		}
		d.index[l] = struct{}{}
		d.labels = append(d.labels, l)
	}
	return d
}

// TierDomain is the Phase-3 domain {P&N, P-NN, NP}.
func TierDomain() Domain {
	labels := make([]string, 0, len(domain.Tiers))
	for _, t := range domain.Tiers {
		labels = append(labels, string(t))
	}
	return NewDomain(domain.PhaseClassification, labels)
}

// CategoryDomain is the Phase-2 domain: every unified category id plus NoMapping.
func CategoryDomain(categories []domain.Category) Domain {
	labels := make([]string, 0, len(categories)+1)
	for _, c := range categories {
		labels = append(labels, c.ID)
	}
	labels = append(labels, domain.NoMapping)
	return NewDomain(domain.PhaseMapping, labels)
}

func (d Domain) Phase() domain.Phase { return d.phase }

func (d Domain) Labels() []string {
	return append([]string(nil), d.labels...)
}

// Canonical maps a raw label onto its domain spelling.
func (d Domain) Canonical(label string) (string, bool) {
	label = strings.TrimSpace(label)
	if d.phase == domain.PhaseClassification {
		tier, err := domain.ParseTier(label)
		if err != nil {
			return "", false
		}
		label = string(tier)
	}
	_, ok := d.index[label]
	return label, ok
}

// Validate is the shared step every phase's votes pass before consensus. It
// canonicalises labels and rejects votes from unknown voters, labels outside the
// domain, and repeated (item, voter) pairs. Duplicates are reported all at once.
func Validate(d Domain, roster []domain.VoterID, in []domain.Vote) ([]domain.Vote, error) {
	members := make(map[domain.VoterID]struct{}, len(roster))
	for _, v := range roster {
		members[v] = struct{}{}
	}

	out := make([]domain.Vote, 0, len(in))
	seen := make(map[domain.VotePair]int, len(in))
	for _, v := range in {
		if _, ok := members[v.Voter]; !ok {
			return nil, &domain.UnknownVoterError{Phase: d.phase, ItemID: v.ItemID, Voter: v.Voter}
		}
		seen[v.Pair()]++
		if !v.Abstained {
			label, ok := d.Canonical(v.Label)
			if !ok {
				return nil, &domain.UnknownLabelError{Phase: d.phase, ItemID: v.ItemID, Voter: v.Voter, Label: v.Label}
			}
			v.Label = label
		}
		v.Phase = d.phase
		out = append(out, v)
	}

	var dups []domain.VotePair
	for pair, n := range seen {
		if n > 1 {
			dups = append(dups, pair)
		}
	}
	if len(dups) > 0 {
		sort.Slice(dups, func(i, j int) bool {
			if dups[i].ItemID != dups[j].ItemID {
				return dups[i].ItemID < dups[j].ItemID
			}
			return dups[i].Voter < dups[j].Voter
		})
		return nil, &domain.DuplicateVoteError{Phase: d.phase, Pairs: dups}
	}
	return out, nil
}
