package sqlitedb

import (
	"context"
	"database/sql"

	"traitconsensus/internal/domain"
)

// VoteSource replays the live votes stored for a run, so a finished run can be
// re-decided under different thresholds without asking the voters again.
type VoteSource struct {
	db    *sql.DB
	runID string
}

func NewVoteSource(db *sql.DB, runID string) *VoteSource {
	return &VoteSource{db: db, runID: runID}
}

func (s *VoteSource) Proposals(ctx context.Context, items []domain.Item) (map[domain.VoterID][]string, error) {
	recs, err := GetVotes(s.db, s.runID, domain.PhaseProposal)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.VoterID][]string)
	for _, v := range recs {
		if v.Abstained {
			continue
		}
		out[v.Voter] = append(out[v.Voter], v.Label)
	}
	return out, nil
}

func (s *VoteSource) MappingVotes(ctx context.Context, items []domain.Item, categories []domain.Category) ([]domain.Vote, error) {
	return GetVotes(s.db, s.runID, domain.PhaseMapping)
}

func (s *VoteSource) ClassificationVotes(ctx context.Context, categories []domain.Category) ([]domain.Vote, error) {
	return GetVotes(s.db, s.runID, domain.PhaseClassification)
}
