// Package votes holds the append-only record of every voter's judgment and the
// validation step all phases go through before reaching the consensus engine.
package votes

import (
	"fmt"
	"strings"
	"sync"

	"traitconsensus/internal/domain"
)

type slot struct {
	phase domain.Phase
	pair  domain.VotePair
}

// Store is an append-only vote record. Records are never mutated; a pair can be
// superseded, which hides the records it has so far from later reads.
type Store struct {
	mu      sync.Mutex
	roster  []domain.VoterID
	records []domain.Vote
	// superseded maps a slot to the index before which its records are hidden.
	superseded map[slot]int
}

func NewStore(roster []domain.VoterID) *Store {
	return &Store{
		roster:     append([]domain.VoterID(nil), roster...),
		superseded: make(map[slot]int),
	}
}

func (s *Store) Roster() []domain.VoterID {
	return append([]domain.VoterID(nil), s.roster...)
}

// Record appends a vote. Duplicates are kept; the engine refuses them later.
func (s *Store) Record(v domain.Vote) error {
	if !v.Phase.Valid() {
		return fmt.Errorf("record vote: invalid phase %d", int(v.Phase))
	}
	if strings.TrimSpace(string(v.Voter)) == "" {
		return fmt.Errorf("record vote: empty voter for item %s", v.ItemID)
	}
	if v.Phase != domain.PhaseProposal && strings.TrimSpace(string(v.ItemID)) == "" {
		return fmt.Errorf("record vote: empty item id for voter %s", v.Voter)
	}
	if v.Abstained {
		v.Label = ""
	}
	s.mu.Lock()
	s.records = append(s.records, v)
	s.mu.Unlock()
	return nil
}

func (s *Store) Abstain(phase domain.Phase, item domain.ItemID, voter domain.VoterID) error {
	return s.Record(domain.Abstention(phase, item, voter))
}

// Supersede hides every record for pair in phase recorded so far. Records
// appended afterwards are live again.
func (s *Store) Supersede(phase domain.Phase, pair domain.VotePair) {
	s.mu.Lock()
	s.superseded[slot{phase: phase, pair: pair}] = len(s.records)
	s.mu.Unlock()
}

// Votes returns the live records of a phase in insertion order.
func (s *Store) Votes(phase domain.Phase) []domain.Vote {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Vote
	for i, v := range s.records {
		if v.Phase != phase {
			continue
		}
		if cut, ok := s.superseded[slot{phase: phase, pair: v.Pair()}]; ok && i < cut {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Proposals regroups Phase-1 records as voter -> proposed names. Voters that
// only abstained are absent from the map.
func (s *Store) Proposals() map[domain.VoterID][]string {
	out := make(map[domain.VoterID][]string)
	for _, v := range s.Votes(domain.PhaseProposal) {
		if v.Abstained {
			continue
		}
		out[v.Voter] = append(out[v.Voter], v.Label)
	}
	return out
}

// Len counts every record, superseded or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
