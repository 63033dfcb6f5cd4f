package app

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traitconsensus/internal/config"
	"traitconsensus/internal/domain"
	slackbot "traitconsensus/internal/integrations/slack"
	sqlitedb "traitconsensus/internal/storage/sqlite"
)

const traitsCSV = "trait\nAge 18-65\nage over 18\nAged 65 or older\nCurrent smoker\nage 18-65.\n"

const scenarioVotes = `
voters: [claude, gpt5, gemini, deepseek, grok]
proposals:
  claude: [Age, Smoking]
  gpt5: [age]
  gemini: [AGE, smoking]
  deepseek: [Age]
  grok: [Smoking]
mapping:
  claude:   {T0001: age, T0002: age, T0003: age, T0004: smoking}
  gpt5:     {T0001: age, T0002: age, T0003: age, T0004: smoking}
  gemini:   {T0001: age, T0002: age, T0003: age, T0004: smoking}
  deepseek: {T0001: age, T0002: null, T0003: age, T0004: age}
  grok:     {T0001: age, T0002: age, T0003: no mapping, T0004: smoking}
classification:
  claude:   {age: NP, smoking: P&N}
  gpt5:     {age: NP, smoking: P&N}
  gemini:   {age: NP, smoking: P-NN}
  deepseek: {age: NP, smoking: P-NN}
  grok:     {age: P&N, smoking: null}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

type fixture struct {
	dir    string
	cfg    config.Config
	db     *sql.DB
	traits string
	votes  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlitedb.InitDB(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &fixture{
		dir: dir,
		cfg: config.Config{
			MinSupport:          3,
			Equivalence:         "casefold",
			VoterTimeoutSeconds: 5,
			OutputDir:           filepath.Join(dir, "results"),
			MetricsTextfile:     filepath.Join(dir, "traitconsensus.prom"),
		},
		db:     db,
		traits: writeFile(t, dir, "traits.csv", traitsCSV),
		votes:  writeFile(t, dir, "votes.yaml", scenarioVotes),
	}
}

func assertScenarioFinal(t *testing.T, final []domain.FinalRecord) {
	t.Helper()
	require.Len(t, final, 4)
	for _, f := range final[:3] {
		assert.Equal(t, "age", f.CategoryID, "item %s", f.ItemID)
		assert.Equal(t, domain.TierNotPredictable, f.Tier, "item %s", f.ItemID)
	}
	assert.Equal(t, "smoking", final[3].CategoryID)
	assert.Equal(t, domain.TierUnresolved, final[3].Tier)
}

func TestExecuteFromVoteFile(t *testing.T) {
	fx := newFixture(t)
	out, err := NewRunner(fx.cfg, fx.db, nil).Execute(context.Background(), RunRequest{
		InputPath: fx.traits,
		VotesPath: fx.votes,
	})
	require.NoError(t, err)

	assertScenarioFinal(t, out.Result.Final)
	assert.Equal(t, 4, out.Summary.Items)
	assert.Equal(t, 2, out.Summary.Categories)

	run, err := sqlitedb.GetRun(fx.db, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, sqlitedb.RunStatusCompleted, run.Status)
	assert.Len(t, run.Voters, 5)

	mapping, err := sqlitedb.GetVotes(fx.db, out.RunID, domain.PhaseMapping)
	require.NoError(t, err)
	assert.Len(t, mapping, 20)
	classification, err := sqlitedb.GetVotes(fx.db, out.RunID, domain.PhaseClassification)
	require.NoError(t, err)
	assert.Len(t, classification, 10)

	final, err := sqlitedb.GetFinal(fx.db, out.RunID)
	require.NoError(t, err)
	assertScenarioFinal(t, final)

	for _, p := range out.Artifacts.Paths() {
		assert.FileExists(t, p)
	}
	metrics, err := os.ReadFile(fx.cfg.MetricsTextfile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `runs_total{status="completed"} 1`)
}

func TestExecuteReplaysStoredRun(t *testing.T) {
	fx := newFixture(t)
	runner := NewRunner(fx.cfg, fx.db, nil)
	first, err := runner.Execute(context.Background(), RunRequest{InputPath: fx.traits, VotesPath: fx.votes})
	require.NoError(t, err)

	replayID, err := resolveRunID(fx.db, "latest")
	require.NoError(t, err)
	require.Equal(t, first.RunID, replayID)

	second, err := runner.Execute(context.Background(), RunRequest{ReplayRunID: replayID})
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assertScenarioFinal(t, second.Result.Final)

	mapping, err := sqlitedb.GetVotes(fx.db, second.RunID, domain.PhaseMapping)
	require.NoError(t, err)
	assert.Len(t, mapping, 20)
}

func TestExecuteResumesCategories(t *testing.T) {
	fx := newFixture(t)
	runner := NewRunner(fx.cfg, fx.db, nil)
	first, err := runner.Execute(context.Background(), RunRequest{InputPath: fx.traits, VotesPath: fx.votes})
	require.NoError(t, err)

	resumed, err := runner.Execute(context.Background(), RunRequest{
		InputPath:   fx.traits,
		VotesPath:   fx.votes,
		ResumeRunID: first.RunID,
	})
	require.NoError(t, err)
	assert.True(t, resumed.Result.Resumed)
	assert.Equal(t, first.Result.Unification.CategoryIDs(), resumed.Result.Unification.CategoryIDs())
	assertScenarioFinal(t, resumed.Result.Final)

	run, err := sqlitedb.GetRun(fx.db, resumed.RunID)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, run.ResumedFrom)

	_, err = runner.Execute(context.Background(), RunRequest{InputPath: fx.traits, VotesPath: fx.votes, ResumeRunID: "no-such-run"})
	assert.Error(t, err)
}

func TestExecuteRecordsFailedRun(t *testing.T) {
	fx := newFixture(t)
	bad := strings.Replace(scenarioVotes, "claude:   {T0001: age, T0002: age", "claude:   {T0001: diet, T0002: age", 1)
	votes := writeFile(t, fx.dir, "bad.yaml", bad)

	_, err := NewRunner(fx.cfg, fx.db, nil).Execute(context.Background(), RunRequest{InputPath: fx.traits, VotesPath: votes})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapping phase failed")

	runs, err := sqlitedb.ListRuns(fx.db, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, sqlitedb.RunStatusFailed, runs[0].Status)
	assert.NotEmpty(t, runs[0].Error)

	// Votes stay auditable even though no decisions were saved.
	live, _, err := sqlitedb.CountVotes(fx.db, runs[0].ID)
	require.NoError(t, err)
	assert.Positive(t, live)
	final, err := sqlitedb.GetFinal(fx.db, runs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, final)
}

func TestExecuteRejectsConflictingSources(t *testing.T) {
	fx := newFixture(t)
	_, err := NewRunner(fx.cfg, fx.db, nil).Execute(context.Background(), RunRequest{
		InputPath:   fx.traits,
		VotesPath:   fx.votes,
		ReplayRunID: "abc",
	})
	assert.ErrorContains(t, err, "mutually exclusive")

	_, err = NewRunner(fx.cfg, fx.db, nil).Execute(context.Background(), RunRequest{VotesPath: fx.votes})
	assert.ErrorContains(t, err, "no traits file")
}

func TestExecutePostsSlackSummary(t *testing.T) {
	fx := newFixture(t)
	var posts int
	var gotBlocks string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat.postMessage" {
			posts++
			_ = r.ParseForm()
			gotBlocks = r.FormValue("blocks")
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true,"channel":"C123","ts":"1700000000.000100"}`)
	}))
	defer srv.Close()

	notifier := slackbot.NewNotifier("xoxb-test", "C123", slack.OptionAPIURL(srv.URL+"/"))
	runner := NewRunner(fx.cfg, fx.db, notifier)

	_, err := runner.Execute(context.Background(), RunRequest{InputPath: fx.traits, VotesPath: fx.votes})
	require.NoError(t, err)
	assert.Equal(t, 1, posts)
	assert.Contains(t, gotBlocks, "Trait consensus run")

	_, err = runner.Execute(context.Background(), RunRequest{InputPath: fx.traits, VotesPath: fx.votes, NoNotify: true})
	require.NoError(t, err)
	assert.Equal(t, 1, posts)
}

func isolateEnv(t *testing.T, dir string) {
	t.Helper()
	t.Setenv("CONFIG_PATH", filepath.Join(dir, "missing-config.yaml"))
	for _, key := range []string{
		"MIN_SUPPORT", "GREEN_THRESHOLD", "YELLOW_THRESHOLD", "QUORUM", "EQUIVALENCE", "GLOSSARY_PATH",
		"LLM_BATCH_SIZE", "VOTER_TIMEOUT_SECONDS", "INPUT_PATH", "EXTERNAL_HTTP_TIMEOUT_SECONDS",
		"METRICS_TEXTFILE", "SLACK_BOT_TOKEN", "SLACK_CHANNEL_ID", "RUN_SCHEDULE", "VOTERS",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("DB_PATH", filepath.Join(dir, "cli.db"))
	t.Setenv("OUTPUT_DIR", filepath.Join(dir, "results"))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "traitconsensus version "+Version+" (build: dev)\n", out)
}

func TestPreprocessCommand(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "raw.csv", traitsCSV)
	outPath := filepath.Join(dir, "clean.csv")

	out, err := execute(t, "preprocess", in, outPath)
	require.NoError(t, err)
	assert.Contains(t, out, "5")

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "trait\nage 18-65\nage over 18\naged 65 or older\ncurrent smoker\n", string(data))
}

func TestRunAndRunsCommands(t *testing.T) {
	dir := t.TempDir()
	isolateEnv(t, dir)
	traits := writeFile(t, dir, "traits.csv", traitsCSV)
	votes := writeFile(t, dir, "votes.yaml", scenarioVotes)

	out, err := execute(t, "run", traits, "--votes", votes, "--min-support", "3", "--equivalence", "casefold")
	require.NoError(t, err)
	assert.Contains(t, out, "complete: 4 items, 2 categories")
	assert.Contains(t, out, "final_items.csv")

	out, err = execute(t, "runs")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], sqlitedb.RunStatusCompleted)
}

func TestUnifyCommand(t *testing.T) {
	dir := t.TempDir()
	isolateEnv(t, dir)
	votes := writeFile(t, dir, "votes.yaml", scenarioVotes)

	out, err := execute(t, "unify", votes, "--min-support", "3", "--equivalence", "casefold")
	require.NoError(t, err)
	assert.Contains(t, out, "2 categories kept, 0 rejected (min support 3 of 5 voters)")

	out, err = execute(t, "unify", votes, "--min-support", "4", "--equivalence", "casefold")
	require.NoError(t, err)
	assert.Contains(t, out, "1 categories kept, 1 rejected")
}

func TestVotesSupersedeUnblocksReplay(t *testing.T) {
	dir := t.TempDir()
	isolateEnv(t, dir)
	traits := writeFile(t, dir, "traits.csv", traitsCSV)
	votes := writeFile(t, dir, "votes.yaml", scenarioVotes)
	flags := []string{"--min-support", "3", "--equivalence", "casefold"}

	_, err := execute(t, append([]string{"run", traits, "--votes", votes}, flags...)...)
	require.NoError(t, err)

	db, err := sqlitedb.InitDB(filepath.Join(dir, "cli.db"))
	require.NoError(t, err)
	defer db.Close()
	run, err := sqlitedb.LatestCompletedRun(db)
	require.NoError(t, err)
	_, err = sqlitedb.InsertVotes(db, run.ID, []domain.Vote{
		{Phase: domain.PhaseMapping, ItemID: "T0001", Voter: "claude", Label: "smoking"},
	})
	require.NoError(t, err)

	_, err = execute(t, append([]string{"run", "--replay", run.ID}, flags...)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapping phase failed")
	assert.Contains(t, err.Error(), string(domain.ErrDuplicateVote))

	out, err := execute(t, "votes", "supersede", run.ID, "mapping", "T0001", "claude", "--label", "age")
	require.NoError(t, err)
	assert.Contains(t, out, "superseded 2 mapping records for T0001/claude")
	live, superseded, err := sqlitedb.CountVotes(db, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, superseded)
	assert.Equal(t, 7+20+10, live, "one proposal record per name, one mapping and tier record per pair")

	out, err = execute(t, append([]string{"run", "--replay", run.ID}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "complete: 4 items, 2 categories")

	_, err = execute(t, "votes", "supersede", run.ID, "mapping", "T0001", "nobody")
	assert.ErrorContains(t, err, "no live mapping records")
	_, err = execute(t, "votes", "supersede", run.ID, "tiering", "age", "claude")
	assert.ErrorContains(t, err, "unknown phase")
}

func TestThresholdFlagsAreValidated(t *testing.T) {
	dir := t.TempDir()
	isolateEnv(t, dir)
	traits := writeFile(t, dir, "traits.csv", traitsCSV)
	votes := writeFile(t, dir, "votes.yaml", scenarioVotes)

	_, err := execute(t, "run", traits, "--votes", votes, "--green", "2", "--yellow", "3")
	assert.ErrorContains(t, err, "green_threshold 2 must be >= yellow_threshold 3")
	_, err = execute(t, "run", traits, "--votes", votes, "--quorum=-1")
	assert.ErrorContains(t, err, "invalid quorum")
	_, err = execute(t, "unify", votes, "--equivalence", "fuzzy")
	assert.ErrorContains(t, err, "equivalence must be")
	_, err = execute(t, "unify", votes, "--min-support=-2")
	assert.ErrorContains(t, err, "invalid min_support")
	assert.NoFileExists(t, filepath.Join(dir, "cli.db"), "no run is started on rejected overrides")
}

func TestGlossaryAddCommand(t *testing.T) {
	dir := t.TempDir()
	isolateEnv(t, dir)
	path := filepath.Join(dir, "glossary.yaml")

	_, err := execute(t, "glossary", "add", "tobacco use", "smoking", "--file", path)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tobacco use")
	assert.Contains(t, string(data), "category: smoking")
}
