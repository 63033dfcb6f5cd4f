package sqlitedb

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"traitconsensus/internal/domain"
	"traitconsensus/internal/pipeline"
)

// SaveResult writes the category set and every decision table of a finished
// run in one transaction.
func SaveResult(db *sql.DB, runID string, res *pipeline.Result) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if res.Unification != nil {
		if err := insertCategories(tx, runID, res.Unification.Categories); err != nil {
			return fmt.Errorf("save categories: %w", err)
		}
		if err := insertRejected(tx, runID, res.Unification.Rejected); err != nil {
			return fmt.Errorf("save rejected proposals: %w", err)
		}
	}
	if err := insertDecisions(tx, runID, res.Mapping); err != nil {
		return fmt.Errorf("save mapping decisions: %w", err)
	}
	if err := insertDecisions(tx, runID, res.Classification); err != nil {
		return fmt.Errorf("save classification decisions: %w", err)
	}
	if err := insertFinal(tx, runID, res.Final); err != nil {
		return fmt.Errorf("save final items: %w", err)
	}
	return tx.Commit()
}

func insertCategories(tx *sql.Tx, runID string, cats []domain.Category) error {
	stmt, err := tx.Prepare(
		`INSERT INTO categories (run_id, category_id, name, support, voters, sources) VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range cats {
		sources, err := json.Marshal(c.Sources)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(runID, c.ID, c.Name, c.Support, joinVoters(c.Voters), string(sources)); err != nil {
			return err
		}
	}
	return nil
}

func insertRejected(tx *sql.Tx, runID string, rejected []domain.RejectedProposal) error {
	stmt, err := tx.Prepare(
		`INSERT INTO rejected_proposals (run_id, key, name, support, voters, sources) VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rejected {
		sources, err := json.Marshal(r.Sources)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(runID, r.Key, r.Name, r.Support, joinVoters(r.Voters), string(sources)); err != nil {
			return err
		}
	}
	return nil
}

func insertDecisions(tx *sql.Tx, runID string, decisions []domain.Decision) error {
	stmt, err := tx.Prepare(
		`INSERT INTO decisions (run_id, phase, item_id, position, label, confidence, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, d := range decisions {
		payload, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(runID, int(d.Phase), string(d.ItemID), i, d.Label, string(d.Confidence), string(payload)); err != nil {
			return err
		}
	}
	return nil
}

func insertFinal(tx *sql.Tx, runID string, final []domain.FinalRecord) error {
	stmt, err := tx.Prepare(
		`INSERT INTO final_items (run_id, item_id, position, text, category_id, tier, mapping_band, mapping_votes, tier_band, tier_votes, unresolved_why)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, f := range final {
		_, err := stmt.Exec(runID, string(f.ItemID), i, f.Text, f.CategoryID, string(f.Tier),
			string(f.MappingBand), f.MappingVotes, string(f.TierBand), f.TierVotes, f.UnresolvedWhy)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetCategories returns a run's unified categories sorted by id.
func GetCategories(db *sql.DB, runID string) ([]domain.Category, error) {
	rows, err := db.Query(
		`SELECT category_id, name, support, voters, sources FROM categories WHERE run_id = ? ORDER BY category_id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cats []domain.Category
	for rows.Next() {
		var c domain.Category
		var voters, sources string
		if err := rows.Scan(&c.ID, &c.Name, &c.Support, &voters, &sources); err != nil {
			return nil, err
		}
		c.Voters = splitVoters(voters)
		if err := json.Unmarshal([]byte(sources), &c.Sources); err != nil {
			return nil, fmt.Errorf("category %s sources: %w", c.ID, err)
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

func GetRejected(db *sql.DB, runID string) ([]domain.RejectedProposal, error) {
	rows, err := db.Query(
		`SELECT key, name, support, voters, sources FROM rejected_proposals WHERE run_id = ? ORDER BY key`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RejectedProposal
	for rows.Next() {
		var r domain.RejectedProposal
		var voters, sources string
		if err := rows.Scan(&r.Key, &r.Name, &r.Support, &voters, &sources); err != nil {
			return nil, err
		}
		r.Voters = splitVoters(voters)
		if err := json.Unmarshal([]byte(sources), &r.Sources); err != nil {
			return nil, fmt.Errorf("rejected %s sources: %w", r.Key, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetDecisions returns a phase's decision table in its original order.
func GetDecisions(db *sql.DB, runID string, phase domain.Phase) ([]domain.Decision, error) {
	rows, err := db.Query(
		`SELECT payload FROM decisions WHERE run_id = ? AND phase = ? ORDER BY position`,
		runID, int(phase),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Decision
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var d domain.Decision
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func GetFinal(db *sql.DB, runID string) ([]domain.FinalRecord, error) {
	rows, err := db.Query(
		`SELECT item_id, text, category_id, tier, mapping_band, mapping_votes, tier_band, tier_votes, unresolved_why
		 FROM final_items WHERE run_id = ? ORDER BY position`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.FinalRecord
	for rows.Next() {
		var f domain.FinalRecord
		var item, tier, mappingBand, tierBand string
		if err := rows.Scan(&item, &f.Text, &f.CategoryID, &tier, &mappingBand, &f.MappingVotes, &tierBand, &f.TierVotes, &f.UnresolvedWhy); err != nil {
			return nil, err
		}
		f.ItemID = domain.ItemID(item)
		f.Tier = domain.Tier(tier)
		f.MappingBand = domain.Confidence(mappingBand)
		f.TierBand = domain.Confidence(tierBand)
		out = append(out, f)
	}
	return out, rows.Err()
}

// TierCounts returns how many items of a run ended in each tier.
func TierCounts(db *sql.DB, runID string) (map[domain.Tier]int, error) {
	rows, err := db.Query(`SELECT tier, COUNT(*) FROM final_items WHERE run_id = ? GROUP BY tier`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.Tier]int)
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, err
		}
		out[domain.Tier(tier)] = n
	}
	return out, rows.Err()
}
