// Package collect fans each phase out to every voter in the roster and records
// the answers, including absences, in a vote store.
package collect

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"traitconsensus/internal/domain"
	"traitconsensus/internal/votes"
)

// Voter is one independent judge. Implementations must be safe to call from
// multiple goroutines and should honor ctx cancellation.
type Voter interface {
	ID() domain.VoterID
	ProposeCategories(ctx context.Context, items []domain.Item) ([]string, error)
	// MapItems returns item id -> category id or domain.NoMapping. Items left
	// out of the map are abstentions.
	MapItems(ctx context.Context, items []domain.Item, categories []domain.Category) (map[domain.ItemID]string, error)
	// ClassifyCategories returns category id -> tier symbol.
	ClassifyCategories(ctx context.Context, categories []domain.Category) (map[string]string, error)
}

// CallFunc observes every voter call once it finishes.
type CallFunc func(voter domain.VoterID, phase domain.Phase, elapsed time.Duration, err error)

type Options struct {
	// Timeout bounds each voter call. Zero means no limit beyond ctx.
	Timeout time.Duration
	Store   *votes.Store
	OnCall  CallFunc
}

// Collector implements pipeline.Source over a set of live voters.
type Collector struct {
	voters  []Voter
	store   *votes.Store
	timeout time.Duration
	onCall  CallFunc
}

func New(voters []Voter, opts Options) (*Collector, error) {
	if len(voters) == 0 {
		return nil, fmt.Errorf("collect: no voters")
	}
	seen := make(map[domain.VoterID]bool, len(voters))
	roster := make([]domain.VoterID, 0, len(voters))
	for _, v := range voters {
		id := v.ID()
		if strings.TrimSpace(string(id)) == "" {
			return nil, fmt.Errorf("collect: voter with empty id")
		}
		if seen[id] {
			return nil, fmt.Errorf("collect: duplicate voter %s", id)
		}
		seen[id] = true
		roster = append(roster, id)
	}
	store := opts.Store
	if store == nil {
		store = votes.NewStore(roster)
	}
	return &Collector{voters: voters, store: store, timeout: opts.Timeout, onCall: opts.OnCall}, nil
}

// Roster lists voter ids in registration order.
func (c *Collector) Roster() []domain.VoterID {
	out := make([]domain.VoterID, 0, len(c.voters))
	for _, v := range c.voters {
		out = append(out, v.ID())
	}
	return out
}

// Store exposes the record of everything collected so far.
func (c *Collector) Store() *votes.Store { return c.store }

type answer[T any] struct {
	value T
	err   error
}

// fanOut calls fn once per voter concurrently and returns the answers in
// roster order once every call has finished.
func fanOut[T any](ctx context.Context, c *Collector, phase domain.Phase, fn func(context.Context, Voter) (T, error)) []answer[T] {
	results := make([]answer[T], len(c.voters))
	var wg sync.WaitGroup
	for i, v := range c.voters {
		wg.Add(1)
		go func(idx int, v Voter) {
			defer wg.Done()
			callCtx := ctx
			if c.timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, c.timeout)
				defer cancel()
			}
			started := time.Now()
			defer func() {
				if r := recover(); r != nil {
					results[idx].err = fmt.Errorf("voter %s panicked: %v", v.ID(), r)
				}
				if c.onCall != nil {
					c.onCall(v.ID(), phase, time.Since(started), results[idx].err)
				}
			}()
			value, err := fn(callCtx, v)
			results[idx] = answer[T]{value: value, err: err}
		}(i, v)
	}
	wg.Wait()

	for i, r := range results {
		if r.err != nil {
			log.Printf("collect phase=%s voter=%s status=absent err=%v", phase, c.voters[i].ID(), r.err)
		}
	}
	return results
}

func (c *Collector) Proposals(ctx context.Context, items []domain.Item) (map[domain.VoterID][]string, error) {
	results := fanOut(ctx, c, domain.PhaseProposal, func(ctx context.Context, v Voter) ([]string, error) {
		return v.ProposeCategories(ctx, items)
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i, r := range results {
		voter := c.voters[i].ID()
		c.store.Supersede(domain.PhaseProposal, domain.VotePair{Voter: voter})
		named := 0
		if r.err == nil {
			for _, name := range r.value {
				if strings.TrimSpace(name) == "" {
					continue
				}
				if err := c.store.Record(domain.Vote{Phase: domain.PhaseProposal, Voter: voter, Label: name}); err != nil {
					return nil, err
				}
				named++
			}
		}
		if named == 0 {
			if err := c.store.Abstain(domain.PhaseProposal, "", voter); err != nil {
				return nil, err
			}
		}
		log.Printf("collect phase=%s voter=%s proposals=%d", domain.PhaseProposal, voter, named)
	}
	return c.store.Proposals(), nil
}

func (c *Collector) MappingVotes(ctx context.Context, items []domain.Item, categories []domain.Category) ([]domain.Vote, error) {
	results := fanOut(ctx, c, domain.PhaseMapping, func(ctx context.Context, v Voter) (map[domain.ItemID]string, error) {
		return v.MapItems(ctx, items, categories)
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := make([]domain.ItemID, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	for i, r := range results {
		if err := c.record(domain.PhaseMapping, c.voters[i].ID(), ids, r.value, r.err); err != nil {
			return nil, err
		}
	}
	return c.store.Votes(domain.PhaseMapping), nil
}

func (c *Collector) ClassificationVotes(ctx context.Context, categories []domain.Category) ([]domain.Vote, error) {
	results := fanOut(ctx, c, domain.PhaseClassification, func(ctx context.Context, v Voter) (map[string]string, error) {
		return v.ClassifyCategories(ctx, categories)
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := make([]domain.ItemID, 0, len(categories))
	for _, cat := range categories {
		ids = append(ids, domain.ItemID(cat.ID))
	}
	for i, r := range results {
		labels := make(map[domain.ItemID]string, len(r.value))
		for k, v := range r.value {
			labels[domain.ItemID(k)] = v
		}
		if err := c.record(domain.PhaseClassification, c.voters[i].ID(), ids, labels, r.err); err != nil {
			return nil, err
		}
	}
	return c.store.Votes(domain.PhaseClassification), nil
}

// record stores one voter's answers for a phase. Every id in ids ends up with
// exactly one live record: a vote, or an abstention when the call failed or the
// voter skipped it. Asking a voter again supersedes its earlier answers. Labels
// for ids outside the set are kept as given.
func (c *Collector) record(phase domain.Phase, voter domain.VoterID, ids []domain.ItemID, labels map[domain.ItemID]string, callErr error) error {
	known := make(map[domain.ItemID]bool, len(ids))
	voted := 0
	for _, id := range ids {
		known[id] = true
		c.store.Supersede(phase, domain.VotePair{ItemID: id, Voter: voter})
		label := strings.TrimSpace(labels[id])
		if callErr != nil || label == "" {
			if err := c.store.Abstain(phase, id, voter); err != nil {
				return err
			}
			continue
		}
		if err := c.store.Record(domain.Vote{Phase: phase, ItemID: id, Voter: voter, Label: label}); err != nil {
			return err
		}
		voted++
	}
	if callErr == nil {
		var extra []string
		for id := range labels {
			if !known[id] && strings.TrimSpace(string(id)) != "" {
				extra = append(extra, string(id))
			}
		}
		sort.Strings(extra)
		for _, id := range extra {
			c.store.Supersede(phase, domain.VotePair{ItemID: domain.ItemID(id), Voter: voter})
			if err := c.store.Record(domain.Vote{Phase: phase, ItemID: domain.ItemID(id), Voter: voter, Label: labels[domain.ItemID(id)]}); err != nil {
				return err
			}
		}
	}
	log.Printf("collect phase=%s voter=%s voted=%d abstained=%d records=%d", phase, voter, voted, len(ids)-voted, c.store.Len())
	return nil
}
