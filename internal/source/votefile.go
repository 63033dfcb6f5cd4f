package source

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"traitconsensus/internal/domain"
)

// VoteFile holds every voter's answers for a run recorded ahead of time.
// A null answer is an explicit abstention; a missing one is treated the same.
//
//	voters: [claude, gpt5]
//	proposals:
//	  claude: [Age, Smoking]
//	mapping:
//	  claude: {T0001: age, T0002: null}
//	classification:
//	  claude: {age: NP}
type VoteFile struct {
	Voters         []string                      `yaml:"voters,omitempty"`
	Proposals      map[string][]string           `yaml:"proposals,omitempty"`
	Mapping        map[string]map[string]*string `yaml:"mapping,omitempty"`
	Classification map[string]map[string]*string `yaml:"classification,omitempty"`
}

// LoadVoteFile parses YAML (or JSON, which YAML accepts) vote records.
func LoadVoteFile(path string) (*VoteFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vote file: %w", err)
	}
	var vf VoteFile
	if err := yaml.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("parse vote file %s: %w", path, err)
	}
	return &vf, nil
}

// Roster returns the declared voters, or every voter named anywhere in the
// file in sorted order when none are declared.
func (vf *VoteFile) Roster() []domain.VoterID {
	if len(vf.Voters) > 0 {
		out := make([]domain.VoterID, 0, len(vf.Voters))
		for _, v := range vf.Voters {
			out = append(out, domain.VoterID(strings.TrimSpace(v)))
		}
		return out
	}
	seen := make(map[string]bool)
	for v := range vf.Proposals {
		seen[v] = true
	}
	for v := range vf.Mapping {
		seen[v] = true
	}
	for v := range vf.Classification {
		seen[v] = true
	}
	names := make([]string, 0, len(seen))
	for v := range seen {
		names = append(names, v)
	}
	sort.Strings(names)
	out := make([]domain.VoterID, 0, len(names))
	for _, v := range names {
		out = append(out, domain.VoterID(v))
	}
	return out
}

// FileVoters returns one replaying voter per roster entry.
func (vf *VoteFile) FileVoters() []*FileVoter {
	roster := vf.Roster()
	out := make([]*FileVoter, 0, len(roster))
	for _, id := range roster {
		out = append(out, &FileVoter{id: id, file: vf})
	}
	return out
}

// FileVoter replays one voter's recorded answers.
type FileVoter struct {
	id   domain.VoterID
	file *VoteFile
}

func (v *FileVoter) ID() domain.VoterID { return v.id }

func (v *FileVoter) ProposeCategories(ctx context.Context, items []domain.Item) ([]string, error) {
	names, ok := v.file.Proposals[string(v.id)]
	if !ok {
		return nil, fmt.Errorf("no recorded proposals for %s", v.id)
	}
	return append([]string(nil), names...), nil
}

func (v *FileVoter) MapItems(ctx context.Context, items []domain.Item, categories []domain.Category) (map[domain.ItemID]string, error) {
	answers, ok := v.file.Mapping[string(v.id)]
	if !ok {
		return nil, fmt.Errorf("no recorded mapping votes for %s", v.id)
	}
	out := make(map[domain.ItemID]string, len(answers))
	for item, label := range answers {
		if label != nil {
			out[domain.ItemID(item)] = *label
		}
	}
	return out, nil
}

func (v *FileVoter) ClassifyCategories(ctx context.Context, categories []domain.Category) (map[string]string, error) {
	answers, ok := v.file.Classification[string(v.id)]
	if !ok {
		return nil, fmt.Errorf("no recorded classification votes for %s", v.id)
	}
	out := make(map[string]string, len(answers))
	for cat, label := range answers {
		if label != nil {
			out[cat] = *label
		}
	}
	return out, nil
}
