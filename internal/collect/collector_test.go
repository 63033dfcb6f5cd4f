package collect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traitconsensus/internal/consensus"
	"traitconsensus/internal/domain"
	"traitconsensus/internal/votes"
)

type stubVoter struct {
	id        domain.VoterID
	proposals []string
	mapping   map[domain.ItemID]string
	tiers     map[string]string
	err       error
	delay     time.Duration
	panics    bool
}

func (s *stubVoter) ID() domain.VoterID { return s.id }

func (s *stubVoter) wait(ctx context.Context) error {
	if s.panics {
		panic("boom")
	}
	if s.delay == 0 {
		return s.err
	}
	select {
	case <-time.After(s.delay):
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stubVoter) ProposeCategories(ctx context.Context, items []domain.Item) ([]string, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.proposals, nil
}

func (s *stubVoter) MapItems(ctx context.Context, items []domain.Item, categories []domain.Category) (map[domain.ItemID]string, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.mapping, nil
}

func (s *stubVoter) ClassifyCategories(ctx context.Context, categories []domain.Category) (map[string]string, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.tiers, nil
}

var (
	testItems = []domain.Item{domain.NewItem("T0001", "age 18-65"), domain.NewItem("T0002", "smoker")}
	testCats  = []domain.Category{{ID: "age", Name: "Age"}, {ID: "smoking", Name: "Smoking"}}
)

func TestNewRejectsBadRosters(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)
	_, err = New([]Voter{&stubVoter{id: "a"}, &stubVoter{id: "a"}}, Options{})
	assert.Error(t, err)
	_, err = New([]Voter{&stubVoter{id: " "}}, Options{})
	assert.Error(t, err)
}

func TestProposalsFailedVoterIsAbsent(t *testing.T) {
	c, err := New([]Voter{
		&stubVoter{id: "a", proposals: []string{"Age", " ", "Smoking"}},
		&stubVoter{id: "b", err: errors.New("rate limited")},
		&stubVoter{id: "c", proposals: []string{"age"}},
	}, Options{})
	require.NoError(t, err)

	got, err := c.Proposals(context.Background(), testItems)
	require.NoError(t, err)
	assert.Equal(t, map[domain.VoterID][]string{
		"a": {"Age", "Smoking"},
		"c": {"age"},
	}, got)

	var abstained []domain.VoterID
	for _, v := range c.Store().Votes(domain.PhaseProposal) {
		if v.Abstained {
			abstained = append(abstained, v.Voter)
		}
	}
	assert.Equal(t, []domain.VoterID{"b"}, abstained)
}

func TestMappingVotesCoverEveryItem(t *testing.T) {
	c, err := New([]Voter{
		&stubVoter{id: "a", mapping: map[domain.ItemID]string{"T0001": "age", "T0002": "smoking"}},
		&stubVoter{id: "b", mapping: map[domain.ItemID]string{"T0001": "age"}},
		&stubVoter{id: "c", err: errors.New("bad gateway")},
	}, Options{})
	require.NoError(t, err)

	got, err := c.MappingVotes(context.Background(), testItems, testCats)
	require.NoError(t, err)
	require.Len(t, got, 6, "one record per voter per item")

	byPair := map[domain.VotePair]domain.Vote{}
	for _, v := range got {
		byPair[v.Pair()] = v
	}
	assert.Equal(t, "smoking", byPair[domain.VotePair{ItemID: "T0002", Voter: "a"}].Label)
	assert.True(t, byPair[domain.VotePair{ItemID: "T0002", Voter: "b"}].Abstained)
	assert.True(t, byPair[domain.VotePair{ItemID: "T0001", Voter: "c"}].Abstained)

	// The collected votes feed the engine without further massaging.
	decisions, err := consensus.Engine{Roster: c.Roster(), Quorum: 2}.Decide(consensus.Request{
		Items:  []domain.ItemID{"T0001", "T0002"},
		Domain: votes.CategoryDomain(testCats),
		Votes:  got,
	})
	require.NoError(t, err)
	assert.Equal(t, "age", decisions[0].Label)
	assert.Equal(t, "2/2", decisions[0].Agreement())
}

func TestRecollectingSupersedesEarlierAnswers(t *testing.T) {
	a := &stubVoter{id: "a", proposals: []string{"Age"}, mapping: map[domain.ItemID]string{"T0001": "age", "T0002": "age"}}
	b := &stubVoter{id: "b", proposals: []string{"Smoking"}, mapping: map[domain.ItemID]string{"T0001": "age"}}
	c, err := New([]Voter{a, b}, Options{})
	require.NoError(t, err)

	_, err = c.MappingVotes(context.Background(), testItems, testCats)
	require.NoError(t, err)
	a.mapping = map[domain.ItemID]string{"T0001": "age", "T0002": "smoking"}
	b.err = errors.New("rate limited")
	got, err := c.MappingVotes(context.Background(), testItems, testCats)
	require.NoError(t, err)

	require.Len(t, got, 4, "one live record per voter per item")
	assert.Equal(t, 8, c.Store().Len())
	byPair := map[domain.VotePair]domain.Vote{}
	for _, v := range got {
		byPair[v.Pair()] = v
	}
	assert.Equal(t, "smoking", byPair[domain.VotePair{ItemID: "T0002", Voter: "a"}].Label)
	assert.True(t, byPair[domain.VotePair{ItemID: "T0001", Voter: "b"}].Abstained)

	_, err = consensus.Engine{Roster: c.Roster(), Quorum: 1}.Decide(consensus.Request{
		Items:  []domain.ItemID{"T0001", "T0002"},
		Domain: votes.CategoryDomain(testCats),
		Votes:  got,
	})
	require.NoError(t, err, "re-collected votes are not duplicates")

	_, err = c.Proposals(context.Background(), testItems)
	require.NoError(t, err)
	a.proposals = []string{"Age", "Demographics"}
	proposals, err := c.Proposals(context.Background(), testItems)
	require.NoError(t, err)
	assert.Equal(t, map[domain.VoterID][]string{"a": {"Age", "Demographics"}}, proposals)
}

func TestClassificationTimeoutAndPanicBecomeAbstentions(t *testing.T) {
	var mu sync.Mutex
	calls := map[domain.VoterID]error{}
	c, err := New([]Voter{
		&stubVoter{id: "fast", tiers: map[string]string{"age": "NP", "smoking": "P&N"}},
		&stubVoter{id: "slow", tiers: map[string]string{"age": "NP"}, delay: time.Second},
		&stubVoter{id: "broken", panics: true},
	}, Options{
		Timeout: 20 * time.Millisecond,
		OnCall: func(voter domain.VoterID, phase domain.Phase, elapsed time.Duration, err error) {
			mu.Lock()
			defer mu.Unlock()
			calls[voter] = err
		},
	})
	require.NoError(t, err)

	got, err := c.ClassificationVotes(context.Background(), testCats)
	require.NoError(t, err)
	abstentions := 0
	for _, v := range got {
		if v.Abstained {
			abstentions++
		}
	}
	assert.Equal(t, 4, abstentions)
	require.Len(t, calls, 3)
	assert.NoError(t, calls["fast"])
	assert.ErrorIs(t, calls["slow"], context.DeadlineExceeded)
	assert.ErrorContains(t, calls["broken"], "panicked")
}

func TestCancelledContextAbortsCollection(t *testing.T) {
	c, err := New([]Voter{&stubVoter{id: "a", delay: time.Second}}, Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.MappingVotes(ctx, testItems, testCats)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.Store().Len())
}
