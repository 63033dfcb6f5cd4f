package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"traitconsensus/internal/domain"
	"traitconsensus/internal/pipeline"
)

// Artifacts names the files written for one run.
type Artifacts struct {
	Dir            string
	Categories     string
	Rejected       string
	Mapping        string
	Classification string
	Final          string
	JSON           string
	Summary        string
}

func (a Artifacts) Paths() []string {
	return []string{a.Categories, a.Rejected, a.Mapping, a.Classification, a.Final, a.JSON, a.Summary}
}

type runDocument struct {
	Summary        Summary                   `json:"summary"`
	Voters         []domain.VoterID          `json:"voters"`
	Categories     []domain.Category         `json:"categories"`
	Rejected       []domain.RejectedProposal `json:"rejected_proposals"`
	Mapping        []domain.Decision         `json:"mapping"`
	Classification []domain.Decision         `json:"classification"`
	Final          []domain.FinalRecord      `json:"final"`
}

// WriteRun writes every table of a run under outputDir/runID.
func WriteRun(outputDir, runID string, roster []domain.VoterID, res *pipeline.Result) (Artifacts, error) {
	dir := filepath.Join(outputDir, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Artifacts{}, err
	}
	a := Artifacts{
		Dir:            dir,
		Categories:     filepath.Join(dir, "categories.csv"),
		Rejected:       filepath.Join(dir, "rejected_proposals.csv"),
		Mapping:        filepath.Join(dir, "phase2_mapping.csv"),
		Classification: filepath.Join(dir, "phase3_tiers.csv"),
		Final:          filepath.Join(dir, "final_items.csv"),
		JSON:           filepath.Join(dir, "run.json"),
		Summary:        filepath.Join(dir, "summary.md"),
	}

	var rejected []domain.RejectedProposal
	if res.Unification != nil {
		rejected = res.Unification.Rejected
	}
	summary := BuildSummary(runID, res)

	if err := writeCSV(a.Categories, categoryRows(res.Categories())); err != nil {
		return a, err
	}
	if err := writeCSV(a.Rejected, rejectedRows(rejected)); err != nil {
		return a, err
	}
	texts := make(map[domain.ItemID]string, len(res.Items))
	for _, it := range res.Items {
		texts[it.ID] = it.Text
	}
	if err := writeCSV(a.Mapping, decisionRows("item_id", "trait", texts, roster, res.Mapping)); err != nil {
		return a, err
	}
	names := make(map[domain.ItemID]string, len(res.Categories()))
	for _, c := range res.Categories() {
		names[domain.ItemID(c.ID)] = c.Name
	}
	if err := writeCSV(a.Classification, decisionRows("category_id", "category", names, roster, res.Classification)); err != nil {
		return a, err
	}
	if err := writeCSV(a.Final, finalRows(res.Final)); err != nil {
		return a, err
	}

	doc, err := json.MarshalIndent(runDocument{
		Summary:        summary,
		Voters:         roster,
		Categories:     res.Categories(),
		Rejected:       rejected,
		Mapping:        res.Mapping,
		Classification: res.Classification,
		Final:          res.Final,
	}, "", "  ")
	if err != nil {
		return a, fmt.Errorf("encoding run document: %w", err)
	}
	if err := os.WriteFile(a.JSON, doc, 0644); err != nil {
		return a, err
	}
	if err := os.WriteFile(a.Summary, []byte(FormatMarkdown(summary)), 0644); err != nil {
		return a, err
	}
	return a, nil
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func voterList(ids []domain.VoterID) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, string(id))
	}
	return strings.Join(parts, ";")
}

func categoryRows(cats []domain.Category) [][]string {
	rows := [][]string{{"category_id", "name", "support", "voters", "sources"}}
	for _, c := range cats {
		rows = append(rows, []string{c.ID, c.Name, strconv.Itoa(c.Support), voterList(c.Voters), strings.Join(c.Sources, ";")})
	}
	return rows
}

func rejectedRows(rejected []domain.RejectedProposal) [][]string {
	rows := [][]string{{"key", "name", "support", "voters", "sources"}}
	for _, r := range rejected {
		rows = append(rows, []string{r.Key, r.Name, strconv.Itoa(r.Support), voterList(r.Voters), strings.Join(r.Sources, ";")})
	}
	return rows
}

// decisionRows lays out one row per decision with a column per voter, the way
// reviewers compare model answers side by side. Abstentions are left blank.
func decisionRows(idHeader, textHeader string, texts map[domain.ItemID]string, roster []domain.VoterID, decisions []domain.Decision) [][]string {
	header := []string{idHeader, textHeader}
	for _, v := range roster {
		header = append(header, string(v))
	}
	header = append(header, "consensus", "agreement", "flag", "confidence")
	rows := [][]string{header}
	for _, d := range decisions {
		row := []string{string(d.ItemID), texts[d.ItemID]}
		for _, v := range roster {
			row = append(row, d.Votes[v])
		}
		row = append(row, d.Label, d.Agreement(), d.Confidence.Flag(), string(d.Confidence))
		rows = append(rows, row)
	}
	return rows
}

func finalRows(final []domain.FinalRecord) [][]string {
	rows := [][]string{{"item_id", "trait", "category_id", "tier", "mapping_agreement", "mapping_confidence", "tier_agreement", "tier_confidence", "unresolved_reason"}}
	for _, f := range final {
		rows = append(rows, []string{
			string(f.ItemID), f.Text, f.CategoryID, string(f.Tier),
			f.MappingVotes, string(f.MappingBand), f.TierVotes, string(f.TierBand), f.UnresolvedWhy,
		})
	}
	return rows
}
