// Package sqlitedb persists consensus runs: the append-only vote log, the
// unified categories and every decision table.
package sqlitedb

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"traitconsensus/internal/domain"
)

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

var ErrRunNotFound = errors.New("run not found")

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		voters       TEXT NOT NULL,
		min_support  INTEGER NOT NULL DEFAULT 0,
		green        INTEGER NOT NULL DEFAULT 0,
		yellow       INTEGER NOT NULL DEFAULT 0,
		quorum       INTEGER NOT NULL DEFAULT 0,
		equivalence  TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'running',
		error        TEXT DEFAULT '',
		resumed_from TEXT DEFAULT '',
		started_at   DATETIME NOT NULL,
		finished_at  DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

	CREATE TABLE IF NOT EXISTS items (
		run_id  TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		item_id TEXT NOT NULL,
		text    TEXT NOT NULL,
		PRIMARY KEY (run_id, item_id)
	);

	CREATE TABLE IF NOT EXISTS votes (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		phase       INTEGER NOT NULL,
		item_id     TEXT NOT NULL DEFAULT '',
		voter       TEXT NOT NULL,
		label       TEXT NOT NULL DEFAULT '',
		abstained   INTEGER NOT NULL DEFAULT 0,
		superseded  INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_votes_run_phase ON votes(run_id, phase);

	CREATE TABLE IF NOT EXISTS categories (
		run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		category_id TEXT NOT NULL,
		name        TEXT NOT NULL,
		support     INTEGER NOT NULL,
		voters      TEXT NOT NULL DEFAULT '',
		sources     TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (run_id, category_id)
	);

	CREATE TABLE IF NOT EXISTS rejected_proposals (
		run_id  TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		key     TEXT NOT NULL,
		name    TEXT NOT NULL,
		support INTEGER NOT NULL,
		voters  TEXT NOT NULL DEFAULT '',
		sources TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (run_id, key)
	);

	CREATE TABLE IF NOT EXISTS decisions (
		run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		phase      INTEGER NOT NULL,
		item_id    TEXT NOT NULL,
		position   INTEGER NOT NULL,
		label      TEXT NOT NULL,
		confidence TEXT NOT NULL,
		payload    TEXT NOT NULL,
		PRIMARY KEY (run_id, phase, item_id)
	);

	CREATE TABLE IF NOT EXISTS final_items (
		run_id         TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		item_id        TEXT NOT NULL,
		position       INTEGER NOT NULL,
		text           TEXT NOT NULL,
		category_id    TEXT DEFAULT '',
		tier           TEXT NOT NULL,
		mapping_band   TEXT DEFAULT '',
		mapping_votes  TEXT DEFAULT '',
		tier_band      TEXT DEFAULT '',
		tier_votes     TEXT DEFAULT '',
		unresolved_why TEXT DEFAULT '',
		PRIMARY KEY (run_id, item_id)
	);
	CREATE INDEX IF NOT EXISTS idx_final_items_tier ON final_items(run_id, tier);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Run is the header row of one pipeline execution.
type Run struct {
	ID          string
	Voters      []domain.VoterID
	MinSupport  int
	Green       int
	Yellow      int
	Quorum      int
	Equivalence string
	Status      string
	Error       string
	ResumedFrom string
	StartedAt   time.Time
	FinishedAt  sql.NullTime
}

func CreateRun(db *sql.DB, run Run) error {
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	_, err := db.Exec(
		`INSERT INTO runs (id, voters, min_support, green, yellow, quorum, equivalence, status, resumed_from, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, joinVoters(run.Voters), run.MinSupport, run.Green, run.Yellow, run.Quorum,
		run.Equivalence, run.Status, run.ResumedFrom, run.StartedAt,
	)
	return err
}

func FinishRun(db *sql.DB, id, status, errMsg string, finishedAt time.Time) error {
	res, err := db.Exec(`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`, status, errMsg, finishedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

const runColumns = `id, voters, min_support, green, yellow, quorum, equivalence, status, error, resumed_from, started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var run Run
	var voters string
	err := row.Scan(&run.ID, &voters, &run.MinSupport, &run.Green, &run.Yellow, &run.Quorum,
		&run.Equivalence, &run.Status, &run.Error, &run.ResumedFrom, &run.StartedAt, &run.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, err
	}
	run.Voters = splitVoters(voters)
	return run, nil
}

func GetRun(db *sql.DB, id string) (Run, error) {
	return scanRun(db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
}

// LatestCompletedRun returns the most recently started completed run.
func LatestCompletedRun(db *sql.DB) (Run, error) {
	return scanRun(db.QueryRow(
		`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY started_at DESC, id DESC LIMIT 1`,
		RunStatusCompleted,
	))
}

func ListRuns(db *sql.DB, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func joinVoters(ids []domain.VoterID) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, string(id))
	}
	return strings.Join(parts, ",")
}

func splitVoters(s string) []domain.VoterID {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]domain.VoterID, 0, len(parts))
	for _, p := range parts {
		out = append(out, domain.VoterID(p))
	}
	return out
}
