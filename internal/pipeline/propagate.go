package pipeline

import (
	"fmt"

	"traitconsensus/internal/domain"
)

// Propagate assigns every item the Phase-3 tier of its Phase-2 category. Items
// without a category, or whose category has no tier consensus, are unresolved.
// items is updated in place with each resolved parent category.
func Propagate(items []domain.Item, mapping, classification []domain.Decision) ([]domain.FinalRecord, error) {
	byItem := make(map[domain.ItemID]domain.Decision, len(mapping))
	for _, d := range mapping {
		byItem[d.ItemID] = d
	}
	byCategory := make(map[string]domain.Decision, len(classification))
	for _, d := range classification {
		byCategory[string(d.ItemID)] = d
	}

	out := make([]domain.FinalRecord, 0, len(items))
	for i := range items {
		item := &items[i]
		m, ok := byItem[item.ID]
		if !ok {
			return nil, fmt.Errorf("propagate: item %s has no mapping decision", item.ID)
		}
		rec := domain.FinalRecord{
			ItemID:       item.ID,
			Text:         item.Text,
			Tier:         domain.TierUnresolved,
			MappingBand:  m.Confidence,
			MappingVotes: m.Agreement(),
		}

		switch {
		case !m.Resolved():
			rec.UnresolvedWhy = "no mapping consensus"
		case m.Label == domain.NoMapping:
			rec.UnresolvedWhy = "voters agreed no category fits"
		default:
			rec.CategoryID = m.Label
			if _, set := item.Parent(); !set {
				if err := item.SetParent(m.Label); err != nil {
					return nil, fmt.Errorf("propagate: %w", err)
				}
			}
			c, ok := byCategory[m.Label]
			if !ok {
				return nil, fmt.Errorf("propagate: category %q has no classification decision", m.Label)
			}
			rec.TierBand = c.Confidence
			rec.TierVotes = c.Agreement()
			if c.Resolved() {
				rec.Tier = domain.Tier(c.Label)
			} else {
				rec.UnresolvedWhy = "no tier consensus for category"
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
