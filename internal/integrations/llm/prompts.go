package llm

import (
	"fmt"
	"strings"

	"traitconsensus/internal/domain"
)

const proposalSystemPrompt = `You group clinical eligibility traits into umbrella categories.
Read the traits and propose a short list of umbrella category names that together cover them.
Prefer broad, reusable names (for example "Age", "Smoking status", "Renal function") over one-off labels.
Respond with a JSON array of strings and nothing else.`

const mappingSystemPrompt = `You assign clinical eligibility traits to umbrella categories.
For each trait pick exactly one category id from the list, or "none" if no category fits.
Respond with a JSON array of objects {"id": "<trait id>", "category": "<category id or none>"} and nothing else.
Include every trait id exactly once.`

const classificationSystemPrompt = `You classify umbrella categories of clinical eligibility traits by predictability from routine patient records.
Use exactly one tier per category:
- P&N: predictable from records AND necessary to decide eligibility
- P-NN: predictable from records but not necessary
- NP: not predictable from records
Respond with a JSON array of objects {"category": "<category id>", "tier": "P&N|P-NN|NP"} and nothing else.
Include every category id exactly once.`

func buildProposalPrompt(items []domain.Item) string {
	var b strings.Builder
	b.WriteString("Traits:\n")
	for _, it := range items {
		b.WriteString(fmt.Sprintf("- %s\n", strings.TrimSpace(it.Text)))
	}
	return b.String()
}

func buildMappingPrompt(items []domain.Item, categories []domain.Category) string {
	var b strings.Builder
	b.WriteString("Categories:\n")
	writeCategories(&b, categories)
	b.WriteString("\nTraits:\n")
	for _, it := range items {
		b.WriteString(fmt.Sprintf("ID:%s - %s\n", it.ID, strings.TrimSpace(it.Text)))
	}
	return b.String()
}

func buildClassificationPrompt(categories []domain.Category) string {
	var b strings.Builder
	b.WriteString("Categories:\n")
	writeCategories(&b, categories)
	return b.String()
}

func writeCategories(b *strings.Builder, categories []domain.Category) {
	for _, c := range categories {
		name := c.Name
		if name == "" {
			name = c.ID
		}
		b.WriteString(fmt.Sprintf("- %s: %s\n", c.ID, name))
	}
}
