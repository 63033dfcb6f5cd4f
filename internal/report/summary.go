// Package report renders a finished consensus run as files and as a short
// summary for chat.
package report

import (
	"fmt"
	"sort"
	"strings"

	"traitconsensus/internal/consensus"
	"traitconsensus/internal/domain"
	"traitconsensus/internal/pipeline"
)

type Summary struct {
	RunID          string              `json:"run_id"`
	Items          int                 `json:"items"`
	Categories     int                 `json:"categories"`
	Rejected       int                 `json:"rejected_proposals"`
	Resumed        bool                `json:"resumed"`
	Mapping        domain.BandStats    `json:"mapping"`
	Classification domain.BandStats    `json:"classification"`
	Tiers          map[domain.Tier]int `json:"tiers"`
}

func BuildSummary(runID string, res *pipeline.Result) Summary {
	s := Summary{
		RunID:          runID,
		Items:          len(res.Final),
		Categories:     len(res.Categories()),
		Resumed:        res.Resumed,
		Mapping:        consensus.Summarize(res.Mapping),
		Classification: consensus.Summarize(res.Classification),
		Tiers:          make(map[domain.Tier]int),
	}
	if res.Unification != nil {
		s.Rejected = len(res.Unification.Rejected)
	}
	for _, f := range res.Final {
		s.Tiers[f.Tier]++
	}
	return s
}

// FormatMarkdown renders the summary as a standalone Markdown document.
func FormatMarkdown(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Trait consensus run %s\n\n", s.RunID)
	fmt.Fprintf(&b, "- Items: %d\n", s.Items)
	fmt.Fprintf(&b, "- Categories: %d (%d proposals rejected)\n", s.Categories, s.Rejected)
	if s.Resumed {
		b.WriteString("- Categories reused from a previous run\n")
	}
	b.WriteString("\n## Agreement\n\n")
	b.WriteString("| Phase | Total | 🟢 Green | 🟡 Yellow | 🔴 Red |\n")
	b.WriteString("|---|---|---|---|---|\n")
	writeBandRow(&b, "Item → category", s.Mapping)
	writeBandRow(&b, "Category → tier", s.Classification)
	b.WriteString("\n## Final tiers\n\n")
	for _, line := range tierLines(s) {
		fmt.Fprintf(&b, "- %s\n", line)
	}
	return b.String()
}

// FormatSlack renders the summary body in Slack mrkdwn.
func FormatSlack(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Items:* %d   *Categories:* %d   *Rejected proposals:* %d\n", s.Items, s.Categories, s.Rejected)
	fmt.Fprintf(&b, "*Item → category:* %s\n", bandLine(s.Mapping))
	fmt.Fprintf(&b, "*Category → tier:* %s\n", bandLine(s.Classification))
	fmt.Fprintf(&b, "*Tiers:* %s", strings.Join(tierLines(s), ", "))
	return b.String()
}

func writeBandRow(b *strings.Builder, name string, st domain.BandStats) {
	fmt.Fprintf(b, "| %s | %d | %d (%.1f%%) | %d (%.1f%%) | %d (%.1f%%) |\n",
		name, st.Total, st.Green, st.GreenPct, st.Yellow, st.YellowPct, st.Red, st.RedPct)
}

func bandLine(st domain.BandStats) string {
	return fmt.Sprintf("%s %d (%.1f%%)  %s %d (%.1f%%)  %s %d (%.1f%%)",
		domain.ConfidenceGreen.Flag(), st.Green, st.GreenPct,
		domain.ConfidenceYellow.Flag(), st.Yellow, st.YellowPct,
		domain.ConfidenceRed.Flag(), st.Red, st.RedPct)
}

// tierLines lists known tiers in canonical order, then unresolved.
func tierLines(s Summary) []string {
	order := append(append([]domain.Tier(nil), domain.Tiers...), domain.TierUnresolved)
	known := make(map[domain.Tier]bool, len(order))
	var lines []string
	for _, t := range order {
		known[t] = true
		lines = append(lines, fmt.Sprintf("%s: %d", t, s.Tiers[t]))
	}
	var extra []string
	for t, n := range s.Tiers {
		if !known[t] {
			extra = append(extra, fmt.Sprintf("%s: %d", t, n))
		}
	}
	sort.Strings(extra)
	return append(lines, extra...)
}
