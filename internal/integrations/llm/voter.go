package llm

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"traitconsensus/internal/domain"
)

const (
	defaultBatchSize     = 50
	maxConcurrentBatches = 4
)

// Voter asks one model for its judgment in every phase. Large item sets are
// split into batches that run concurrently; any failed batch fails the call so
// the collector records the voter as absent.
type Voter struct {
	id        domain.VoterID
	llm       Completer
	batchSize int

	mu    sync.Mutex
	usage Usage
}

func NewVoter(id domain.VoterID, llm Completer, batchSize int) *Voter {
	if batchSize < 1 {
		batchSize = defaultBatchSize
	}
	return &Voter{id: id, llm: llm, batchSize: batchSize}
}

func (v *Voter) ID() domain.VoterID { return v.id }

// Usage returns the tokens spent so far.
func (v *Voter) Usage() Usage {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.usage
}

func (v *Voter) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	text, usage, err := v.llm.Complete(ctx, systemPrompt, userPrompt)
	v.mu.Lock()
	v.usage.Add(usage)
	v.mu.Unlock()
	return text, err
}

func (v *Voter) ProposeCategories(ctx context.Context, items []domain.Item) ([]string, error) {
	batches := splitBatches(items, v.batchSize)
	results := make([][]string, len(batches))
	err := runBatches(ctx, len(batches), func(ctx context.Context, idx int) error {
		log.Printf("llm propose voter=%s items=%d batch=%d", v.id, len(batches[idx]), idx)
		text, err := v.complete(ctx, proposalSystemPrompt, buildProposalPrompt(batches[idx]))
		if err != nil {
			return err
		}
		names, err := parseProposals(text)
		if err != nil {
			return err
		}
		results[idx] = names
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("voter %s propose: %w", v.id, err)
	}

	seen := make(map[string]bool)
	var out []string
	for _, names := range results {
		for _, name := range names {
			name = strings.TrimSpace(name)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}

func (v *Voter) MapItems(ctx context.Context, items []domain.Item, categories []domain.Category) (map[domain.ItemID]string, error) {
	batches := splitBatches(items, v.batchSize)
	results := make([]map[domain.ItemID]string, len(batches))
	err := runBatches(ctx, len(batches), func(ctx context.Context, idx int) error {
		log.Printf("llm map voter=%s items=%d categories=%d batch=%d", v.id, len(batches[idx]), len(categories), idx)
		text, err := v.complete(ctx, mappingSystemPrompt, buildMappingPrompt(batches[idx], categories))
		if err != nil {
			return err
		}
		m, err := parseMapping(text, categories)
		if err != nil {
			return err
		}
		results[idx] = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("voter %s map: %w", v.id, err)
	}

	out := make(map[domain.ItemID]string, len(items))
	for i, batch := range batches {
		for _, it := range batch {
			if label, ok := results[i][it.ID]; ok {
				out[it.ID] = label
			}
		}
	}
	return out, nil
}

func (v *Voter) ClassifyCategories(ctx context.Context, categories []domain.Category) (map[string]string, error) {
	log.Printf("llm classify voter=%s categories=%d", v.id, len(categories))
	text, err := v.complete(ctx, classificationSystemPrompt, buildClassificationPrompt(categories))
	if err != nil {
		return nil, fmt.Errorf("voter %s classify: %w", v.id, err)
	}
	tiers, err := parseTiers(text, categories)
	if err != nil {
		return nil, fmt.Errorf("voter %s classify: %w", v.id, err)
	}
	return tiers, nil
}

func splitBatches(items []domain.Item, size int) [][]domain.Item {
	var batches [][]domain.Item
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}

func llmBatchConcurrencyLimit(total int) int {
	if total < 1 {
		return 1
	}
	if total > maxConcurrentBatches {
		return maxConcurrentBatches
	}
	return total
}

// runBatches runs fn for every batch index with bounded concurrency and
// returns the first error once all batches have finished.
func runBatches(ctx context.Context, total int, fn func(context.Context, int) error) error {
	errs := make([]error, total)
	sem := make(chan struct{}, llmBatchConcurrencyLimit(total))
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[idx] = ctx.Err()
				return
			}
			defer func() { <-sem }()
			errs[idx] = fn(ctx, idx)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}
	}
	return nil
}
