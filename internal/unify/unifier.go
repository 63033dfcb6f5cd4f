// Package unify merges the category lists proposed by each voter into one
// canonical umbrella category set.
package unify

import (
	"sort"
	"strings"

	"traitconsensus/internal/domain"
)

type Options struct {
	// MinSupport is the number of distinct voters a class needs to be kept.
	// Zero means a strict majority of Voters.
	MinSupport int
	// Voters is the roster size. Zero means the number of proposing voters.
	Voters      int
	Equivalence Equivalence
}

type Result struct {
	Categories []domain.Category
	Rejected   []domain.RejectedProposal
	Voters     int
	MinSupport int
}

// CategoryIDs returns the ids of the unified categories in order.
func (r *Result) CategoryIDs() []string {
	ids := make([]string, 0, len(r.Categories))
	for _, c := range r.Categories {
		ids = append(ids, c.ID)
	}
	return ids
}

type class struct {
	key      string
	voters   map[domain.VoterID]struct{}
	spelling map[string]int
}

// Unify groups every proposal into equivalence classes and keeps the classes
// proposed by at least MinSupport distinct voters. Dropped classes are returned
// in Result.Rejected. Output order is by class key, independent of map order.
func Unify(proposals map[domain.VoterID][]string, opts Options) (*Result, error) {
	if len(proposals) == 0 {
		return nil, &domain.EmptyInputError{Phase: domain.PhaseProposal, Detail: "no voter supplied proposals"}
	}
	voters := opts.Voters
	if voters < len(proposals) {
		voters = len(proposals)
	}
	minSupport := opts.MinSupport
	if minSupport <= 0 {
		minSupport = voters/2 + 1
	}
	if minSupport > voters {
		return nil, &domain.DegenerateThresholdError{Name: "min_support", Threshold: minSupport, Voters: voters}
	}
	equiv := opts.Equivalence
	if equiv == nil {
		equiv = Exact
	}

	classes := make(map[string]*class)
	for voter, names := range proposals {
		for _, name := range names {
			if strings.TrimSpace(name) == "" {
				continue
			}
			key := equiv(name)
			if key == "" {
				continue
			}
			c, ok := classes[key]
			if !ok {
				c = &class{key: key, voters: make(map[domain.VoterID]struct{}), spelling: make(map[string]int)}
				classes[key] = c
			}
			c.voters[voter] = struct{}{}
			c.spelling[strings.TrimSpace(name)]++
		}
	}

	keys := make([]string, 0, len(classes))
	for k := range classes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	res := &Result{Voters: voters, MinSupport: minSupport}
	for _, k := range keys {
		c := classes[k]
		contributors := make([]domain.VoterID, 0, len(c.voters))
		for v := range c.voters {
			contributors = append(contributors, v)
		}
		contributors = domain.SortVoters(contributors)
		sources := make([]string, 0, len(c.spelling))
		for s := range c.spelling {
			sources = append(sources, s)
		}
		sort.Strings(sources)

		if len(contributors) >= minSupport {
			res.Categories = append(res.Categories, domain.Category{
				ID:      k,
				Name:    displayName(c.spelling),
				Sources: sources,
				Voters:  contributors,
				Support: len(contributors),
			})
			continue
		}
		res.Rejected = append(res.Rejected, domain.RejectedProposal{
			Key:     k,
			Name:    displayName(c.spelling),
			Sources: sources,
			Voters:  contributors,
			Support: len(contributors),
		})
	}
	return res, nil
}

// displayName picks the most frequent spelling; ties go to the smallest string.
func displayName(spelling map[string]int) string {
	best, bestN := "", -1
	for s, n := range spelling {
		if n > bestN || (n == bestN && s < best) {
			best, bestN = s, n
		}
	}
	return best
}
