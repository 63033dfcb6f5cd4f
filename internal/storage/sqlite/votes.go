package sqlitedb

import (
	"database/sql"

	"traitconsensus/internal/domain"
)

func InsertItems(db *sql.DB, runID string, items []domain.Item) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO items (run_id, item_id, text) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, it := range items {
		if _, err := stmt.Exec(runID, string(it.ID), it.Text); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func GetItems(db *sql.DB, runID string) ([]domain.Item, error) {
	rows, err := db.Query(`SELECT item_id, text FROM items WHERE run_id = ? ORDER BY item_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.Item
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, err
		}
		items = append(items, domain.NewItem(domain.ItemID(id), text))
	}
	return items, rows.Err()
}

// InsertVotes appends vote records. Existing rows are never updated except to
// mark them superseded.
func InsertVotes(db *sql.DB, runID string, votes []domain.Vote) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO votes (run_id, phase, item_id, voter, label, abstained)
		 VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, v := range votes {
		if _, err := stmt.Exec(runID, int(v.Phase), string(v.ItemID), string(v.Voter), v.Label, v.Abstained); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, tx.Commit()
}

// SupersedeVotes hides every live record of pair in phase. It returns how
// many records were affected.
func SupersedeVotes(db *sql.DB, runID string, phase domain.Phase, pair domain.VotePair) (int64, error) {
	res, err := db.Exec(
		`UPDATE votes SET superseded = 1
		 WHERE run_id = ? AND phase = ? AND item_id = ? AND voter = ? AND superseded = 0`,
		runID, int(phase), string(pair.ItemID), string(pair.Voter),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetVotes returns the live records of a phase in insertion order.
func GetVotes(db *sql.DB, runID string, phase domain.Phase) ([]domain.Vote, error) {
	rows, err := db.Query(
		`SELECT phase, item_id, voter, label, abstained FROM votes
		 WHERE run_id = ? AND phase = ? AND superseded = 0 ORDER BY id`,
		runID, int(phase),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Vote
	for rows.Next() {
		var v domain.Vote
		var phase int
		var item, voter string
		if err := rows.Scan(&phase, &item, &voter, &v.Label, &v.Abstained); err != nil {
			return nil, err
		}
		v.Phase = domain.Phase(phase)
		v.ItemID = domain.ItemID(item)
		v.Voter = domain.VoterID(voter)
		out = append(out, v)
	}
	return out, rows.Err()
}

func CountVotes(db *sql.DB, runID string) (live, superseded int, err error) {
	err = db.QueryRow(
		`SELECT COALESCE(SUM(superseded = 0), 0), COALESCE(SUM(superseded = 1), 0) FROM votes WHERE run_id = ?`,
		runID,
	).Scan(&live, &superseded)
	return live, superseded, err
}
