// Package pipeline sequences category unification, item-to-category consensus,
// category-to-tier consensus and the propagation of tiers back to items.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"traitconsensus/internal/consensus"
	"traitconsensus/internal/domain"
	"traitconsensus/internal/unify"
	"traitconsensus/internal/votes"
)

// Source yields the collected votes of each phase. Every call must return only
// once all voters have answered or been marked absent.
type Source interface {
	Proposals(ctx context.Context, items []domain.Item) (map[domain.VoterID][]string, error)
	MappingVotes(ctx context.Context, items []domain.Item, categories []domain.Category) ([]domain.Vote, error)
	ClassificationVotes(ctx context.Context, categories []domain.Category) ([]domain.Vote, error)
}

// Options is the run-wide configuration. It is passed by value so concurrent
// runs with different thresholds never share state.
type Options struct {
	Roster      []domain.VoterID
	MinSupport  int
	Thresholds  consensus.Thresholds
	Quorum      int
	Equivalence unify.Equivalence
	// Categories, when set, skips Phase 1 and reuses a previously unified set.
	Categories []domain.Category
}

// PhaseError reports which phase halted the run.
type PhaseError struct {
	Phase domain.Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

type Result struct {
	Items          []domain.Item
	Unification    *unify.Result
	Mapping        []domain.Decision
	Classification []domain.Decision
	Final          []domain.FinalRecord
	Resumed        bool
}

// Categories returns the category set the run used.
func (r *Result) Categories() []domain.Category {
	if r.Unification == nil {
		return nil
	}
	return r.Unification.Categories
}

type Coordinator struct {
	source Source
	opts   Options
}

func NewCoordinator(source Source, opts Options) *Coordinator {
	opts.Roster = append([]domain.VoterID(nil), opts.Roster...)
	return &Coordinator{source: source, opts: opts}
}

// Run executes all phases in order. Any phase error halts the run and no
// partial result is returned.
func (c *Coordinator) Run(ctx context.Context, items []domain.Item) (*Result, error) {
	if len(items) == 0 {
		return nil, &PhaseError{Phase: domain.PhaseProposal, Err: &domain.EmptyInputError{Phase: domain.PhaseProposal, Detail: "no items"}}
	}
	if len(c.opts.Roster) == 0 {
		return nil, &PhaseError{Phase: domain.PhaseProposal, Err: &domain.EmptyInputError{Phase: domain.PhaseProposal, Detail: "empty voter roster"}}
	}
	// Thresholds only matter from Phase 2 on, but an unsatisfiable config must
	// fail before any votes are collected and whatever Phase 1 produces.
	if _, err := c.opts.Thresholds.Resolve(len(c.opts.Roster)); err != nil {
		return nil, &PhaseError{Phase: domain.PhaseMapping, Err: err}
	}
	quorum := consensus.RequiredQuorum(c.opts.Quorum, len(c.opts.Roster))
	if quorum < len(c.opts.Roster) {
		log.Printf("pipeline quorum=%d roster=%d: up to %d silent voters per phase are tolerated", quorum, len(c.opts.Roster), len(c.opts.Roster)-quorum)
	}
	items = append([]domain.Item(nil), items...)
	res := &Result{}

	unified, resumed, err := c.unify(ctx, items)
	if err != nil {
		return nil, &PhaseError{Phase: domain.PhaseProposal, Err: err}
	}
	res.Unification = unified
	res.Resumed = resumed
	log.Printf("pipeline phase=%s categories=%d rejected=%d resumed=%t", domain.PhaseProposal, len(unified.Categories), len(unified.Rejected), resumed)

	engine := consensus.Engine{Roster: c.opts.Roster, Thresholds: c.opts.Thresholds, Quorum: c.opts.Quorum}

	itemIDs := make([]domain.ItemID, 0, len(items))
	for _, it := range items {
		itemIDs = append(itemIDs, it.ID)
	}
	if len(unified.Categories) == 0 {
		res.Mapping, err = engine.Unvoted(domain.PhaseMapping, itemIDs)
		if err != nil {
			return nil, &PhaseError{Phase: domain.PhaseMapping, Err: err}
		}
		log.Printf("pipeline phase=%s skipped: no unified categories, items=%d left unresolved", domain.PhaseMapping, len(itemIDs))
	} else {
		mappingVotes, err := c.source.MappingVotes(ctx, items, unified.Categories)
		if err != nil {
			return nil, &PhaseError{Phase: domain.PhaseMapping, Err: err}
		}
		res.Mapping, err = engine.Decide(consensus.Request{
			Items:  itemIDs,
			Domain: votes.CategoryDomain(unified.Categories),
			Votes:  mappingVotes,
		})
		if err != nil {
			return nil, &PhaseError{Phase: domain.PhaseMapping, Err: err}
		}
		log.Printf("pipeline phase=%s decisions=%d %s", domain.PhaseMapping, len(res.Mapping), statsLine(res.Mapping))

		classVotes, err := c.source.ClassificationVotes(ctx, unified.Categories)
		if err != nil {
			return nil, &PhaseError{Phase: domain.PhaseClassification, Err: err}
		}
		catIDs := make([]domain.ItemID, 0, len(unified.Categories))
		for _, cat := range unified.Categories {
			catIDs = append(catIDs, domain.ItemID(cat.ID))
		}
		res.Classification, err = engine.Decide(consensus.Request{
			Items:  catIDs,
			Domain: votes.TierDomain(),
			Votes:  classVotes,
		})
		if err != nil {
			return nil, &PhaseError{Phase: domain.PhaseClassification, Err: err}
		}
		log.Printf("pipeline phase=%s decisions=%d %s", domain.PhaseClassification, len(res.Classification), statsLine(res.Classification))
	}

	final, err := propagate(items, res.Mapping, res.Classification)
	if err != nil {
		return nil, err
	}
	res.Items = items
	res.Final = final
	return res, nil
}

func (c *Coordinator) unify(ctx context.Context, items []domain.Item) (*unify.Result, bool, error) {
	if len(c.opts.Categories) > 0 {
		return &unify.Result{
			Categories: append([]domain.Category(nil), c.opts.Categories...),
			Voters:     len(c.opts.Roster),
			MinSupport: c.opts.MinSupport,
		}, true, nil
	}

	proposals, err := c.source.Proposals(ctx, items)
	if err != nil {
		return nil, false, err
	}
	if err := c.checkProposalRoster(proposals); err != nil {
		return nil, false, err
	}
	res, err := unify.Unify(proposals, unify.Options{
		MinSupport:  c.opts.MinSupport,
		Voters:      len(c.opts.Roster),
		Equivalence: c.opts.Equivalence,
	})
	if err != nil {
		return nil, false, err
	}
	return res, false, nil
}

// checkProposalRoster applies the same roster and quorum rules to Phase 1 that
// the consensus engine applies to Phases 2 and 3.
func (c *Coordinator) checkProposalRoster(proposals map[domain.VoterID][]string) error {
	members := make(map[domain.VoterID]struct{}, len(c.opts.Roster))
	for _, v := range c.opts.Roster {
		members[v] = struct{}{}
	}
	for v := range proposals {
		if _, ok := members[v]; !ok {
			return &domain.UnknownVoterError{Phase: domain.PhaseProposal, Voter: v}
		}
	}
	if len(proposals) == 0 {
		return &domain.EmptyInputError{Phase: domain.PhaseProposal, Detail: "no voter supplied proposals"}
	}

	required := consensus.RequiredQuorum(c.opts.Quorum, len(c.opts.Roster))
	var missing []domain.VoterID
	for _, v := range c.opts.Roster {
		if len(proposals[v]) == 0 {
			missing = append(missing, v)
		}
	}
	if present := len(c.opts.Roster) - len(missing); present < required {
		return &domain.QuorumNotMetError{
			Phase:    domain.PhaseProposal,
			Required: required,
			Present:  present,
			Missing:  domain.SortVoters(missing),
		}
	}
	return nil
}

// propagate completes Phase 3 by handing category tiers down to items; its
// failures are reported as classification-phase failures.
func propagate(items []domain.Item, mapping, classification []domain.Decision) ([]domain.FinalRecord, error) {
	final, err := Propagate(items, mapping, classification)
	if err != nil {
		return nil, &PhaseError{Phase: domain.PhaseClassification, Err: err}
	}
	return final, nil
}

// IsPhase reports whether err halted the given phase.
func IsPhase(err error, phase domain.Phase) bool {
	var pe *PhaseError
	return errors.As(err, &pe) && pe.Phase == phase
}

func statsLine(decisions []domain.Decision) string {
	s := consensus.Summarize(decisions)
	return fmt.Sprintf("green=%d yellow=%d red=%d", s.Green, s.Yellow, s.Red)
}
