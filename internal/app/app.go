// Package app wires configuration, storage, voters and reporting into the
// traitconsensus command line.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"traitconsensus/internal/collect"
	"traitconsensus/internal/config"
	"traitconsensus/internal/domain"
	"traitconsensus/internal/httpx"
	slackbot "traitconsensus/internal/integrations/slack"
	"traitconsensus/internal/preprocess"
	"traitconsensus/internal/scheduler"
	"traitconsensus/internal/source"
	sqlitedb "traitconsensus/internal/storage/sqlite"
	"traitconsensus/internal/unify"
)

const (
	Version   = "0.3.0"
	BuildTime = "dev"
	appName   = "traitconsensus"
)

func Main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Multi-model consensus classification of traits into risk tiers",
		Long: `traitconsensus asks several independent voters to propose umbrella
categories for a list of traits, map every trait to one category and classify
every category as P&N, P-NN or NP. Only agreement between voters is kept.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if configPath != "" {
				_ = os.Setenv("CONFIG_PATH", configPath)
			}
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML, default $CONFIG_PATH or config.yaml)")

	cmd.AddCommand(
		runCmd(),
		unifyCmd(),
		preprocessCmd(),
		scheduleCmd(),
		runsCmd(),
		votesCmd(),
		glossaryCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}

// thresholdFlags lets a single invocation override the configured thresholds.
type thresholdFlags struct {
	minSupport, green, yellow, quorum int
	equivalence                       string
}

func (f *thresholdFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.minSupport, "min-support", 0, "Voters required to keep a proposed category (0 = majority)")
	cmd.Flags().IntVar(&f.green, "green", 0, "Winning votes for a Green (high confidence) decision")
	cmd.Flags().IntVar(&f.yellow, "yellow", 0, "Winning votes for a Yellow (medium confidence) decision")
	cmd.Flags().IntVar(&f.quorum, "quorum", 0, "Responding voters required per phase (0 = majority)")
	cmd.Flags().StringVar(&f.equivalence, "equivalence", "", "Category name equivalence: exact, casefold or normalized")
}

// apply copies the flags that were set onto cfg and validates the result.
func (f *thresholdFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("min-support") {
		cfg.MinSupport = f.minSupport
	}
	if flags.Changed("green") {
		cfg.GreenThreshold = f.green
	}
	if flags.Changed("yellow") {
		cfg.YellowThreshold = f.yellow
	}
	if flags.Changed("quorum") {
		cfg.Quorum = f.quorum
	}
	if flags.Changed("equivalence") {
		cfg.Equivalence = f.equivalence
	}
	for _, name := range []string{"min-support", "green", "yellow", "quorum", "equivalence"} {
		if flags.Changed(name) {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("command line overrides: %w", err)
			}
			break
		}
	}
	return nil
}

// env is what every storage-backed command opens first.
type env struct {
	cfg config.Config
	db  *sql.DB
}

func openEnv(cmd *cobra.Command, overrides *thresholdFlags) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if overrides != nil {
		if err := overrides.apply(cmd, &cfg); err != nil {
			return nil, err
		}
	}
	appliedHTTPTimeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSeconds)
	log.Printf(
		"Config loaded. Voters=%v MinSupport=%d Green=%d Yellow=%d Quorum=%d Equivalence=%s GlossaryPath=%s LLMBatchSize=%d ExternalHTTPTimeout=%s",
		cfg.VoterIDs(),
		cfg.MinSupport,
		cfg.GreenThreshold,
		cfg.YellowThreshold,
		cfg.Quorum,
		cfg.Equivalence,
		cfg.GlossaryPath,
		cfg.LLMBatchSize,
		appliedHTTPTimeout,
	)

	db, err := sqlitedb.InitDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	log.Printf("Database initialized at %s", cfg.DBPath)
	return &env{cfg: cfg, db: db}, nil
}

func (e *env) Close() { _ = e.db.Close() }

func (e *env) runner() *Runner {
	var notifier *slackbot.Notifier
	if e.cfg.SlackConfigured() {
		notifier = slackbot.NewNotifier(e.cfg.SlackBotToken, e.cfg.SlackChannelID)
	}
	return NewRunner(e.cfg, e.db, notifier)
}

func runCmd() *cobra.Command {
	var (
		req        RunRequest
		thresholds thresholdFlags
	)
	cmd := &cobra.Command{
		Use:   "run [traits.csv]",
		Short: "Run all three consensus phases over a traits file",
		Long: `Run unifies categories, maps every trait to a category and classifies
every category into a tier. Votes come from the configured models, from a
recorded vote file (--votes) or from a stored run (--replay).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, &thresholds)
			if err != nil {
				return err
			}
			defer e.Close()

			if len(args) == 1 {
				req.InputPath = args[0]
			} else if req.ReplayRunID == "" {
				req.InputPath = e.cfg.InputPath
			}
			if req.ReplayRunID, err = resolveRunID(e.db, req.ReplayRunID); err != nil {
				return err
			}
			if req.ResumeRunID, err = resolveRunID(e.db, req.ResumeRunID); err != nil {
				return err
			}

			out, err := e.runner().Execute(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s complete: %d items, %d categories\n", out.RunID, out.Summary.Items, out.Summary.Categories)
			for _, p := range out.Artifacts.Paths() {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.VotesPath, "votes", "", "Replay votes recorded in a YAML or JSON vote file")
	cmd.Flags().StringVar(&req.ReplayRunID, "replay", "", "Re-decide the votes of a stored run (id or 'latest')")
	cmd.Flags().StringVar(&req.ResumeRunID, "resume", "", "Reuse the categories of a stored run and skip unification (id or 'latest')")
	cmd.Flags().BoolVar(&req.NoNotify, "no-notify", false, "Do not post the summary to Slack")
	thresholds.register(cmd)
	return cmd
}

func unifyCmd() *cobra.Command {
	var thresholds thresholdFlags
	cmd := &cobra.Command{
		Use:   "unify <votes-file>",
		Short: "Run only category unification over recorded proposals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := thresholds.apply(cmd, &cfg); err != nil {
				return err
			}
			return unifyFile(cmd.Context(), cmd.OutOrStdout(), cfg, args[0])
		},
	}
	thresholds.register(cmd)
	return cmd
}

func unifyFile(ctx context.Context, w io.Writer, cfg config.Config, path string) error {
	vf, err := source.LoadVoteFile(path)
	if err != nil {
		return err
	}
	var voters []collect.Voter
	for _, v := range vf.FileVoters() {
		voters = append(voters, v)
	}
	c, err := collect.New(voters, collect.Options{})
	if err != nil {
		return err
	}
	proposals, err := c.Proposals(ctx, nil)
	if err != nil {
		return err
	}
	equiv, err := unify.EquivalenceByName(cfg.Equivalence)
	if err != nil {
		return err
	}
	if cfg.GlossaryPath != "" {
		g, err := unify.LoadGlossary(cfg.GlossaryPath)
		if err != nil {
			return err
		}
		equiv = unify.WithGlossary(equiv, g)
	}
	res, err := unify.Unify(proposals, unify.Options{
		MinSupport:  cfg.MinSupport,
		Voters:      len(c.Roster()),
		Equivalence: equiv,
	})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tNAME\tSUPPORT\tVOTERS\n")
	for _, cat := range res.Categories {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%v\n", cat.ID, cat.Name, cat.Support, cat.Voters)
	}
	for _, rej := range res.Rejected {
		fmt.Fprintf(tw, "-\t%s\t%d\t%v (rejected)\n", rej.Name, rej.Support, rej.Voters)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d categories kept, %d rejected (min support %d of %d voters)\n", len(res.Categories), len(res.Rejected), res.MinSupport, res.Voters)
	return nil
}

func preprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preprocess <in.csv> <out.csv>",
		Short: "Normalize and deduplicate a traits file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := source.ReadTraitsCSV(args[0])
			if err != nil {
				return err
			}
			items, stats := preprocess.Items(raw)
			traits := make([]string, 0, len(items))
			for _, it := range items {
				traits = append(traits, it.Text)
			}
			if err := source.WriteTraitsCSV(args[1], traits); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", stats)
			return nil
		},
	}
}

func scheduleCmd() *cobra.Command {
	var req RunRequest
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the pipeline on the configured cron schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, nil)
			if err != nil {
				return err
			}
			defer e.Close()
			if e.cfg.RunSchedule == "" {
				return fmt.Errorf("run_schedule is not configured")
			}
			if req.InputPath == "" {
				req.InputPath = e.cfg.InputPath
			}
			runner := e.runner()
			s, err := scheduler.New(e.cfg.RunSchedule, e.cfg.Location, func(ctx context.Context) error {
				_, err := runner.Execute(ctx, req)
				return err
			})
			if err != nil {
				return err
			}
			if err := s.Run(cmd.Context()); err != nil && cmd.Context().Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.InputPath, "input", "", "Traits file (default input_path)")
	cmd.Flags().StringVar(&req.VotesPath, "votes", "", "Replay a vote file on every run instead of asking the models")
	return cmd
}

func runsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, nil)
			if err != nil {
				return err
			}
			defer e.Close()
			return listRuns(cmd.OutOrStdout(), e.db, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to show")
	return cmd
}

func listRuns(w io.Writer, db *sql.DB, limit int) error {
	runs, err := sqlitedb.ListRuns(db, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tSTATUS\tSTARTED\tVOTERS\tTIERS\n")
	for _, run := range runs {
		tiers := "-"
		if run.Status == sqlitedb.RunStatusCompleted {
			counts, err := sqlitedb.TierCounts(db, run.ID)
			if err != nil {
				return err
			}
			tiers = fmt.Sprint(counts)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", run.ID, run.Status, run.StartedAt.Format("2006-01-02 15:04"), len(run.Voters), tiers)
	}
	return tw.Flush()
}

func votesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "votes",
		Short: "Inspect and correct the stored votes of a run",
	}
	var (
		label   string
		abstain bool
	)
	supersede := &cobra.Command{
		Use:   "supersede <run-id|latest> <phase> <item> <voter>",
		Short: "Hide a voter's records for one item so the run can be replayed",
		Long: `Supersede marks every live record of (item, voter) in a phase as superseded.
Records are never deleted. With --label or --abstain a corrected record is
appended in their place. Use "-" as the item of a proposal.`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			if label != "" && abstain {
				return fmt.Errorf("--label and --abstain are mutually exclusive")
			}
			phase, err := domain.ParsePhase(args[1])
			if err != nil {
				return err
			}
			e, err := openEnv(cmd, nil)
			if err != nil {
				return err
			}
			defer e.Close()
			runID, err := resolveRunID(e.db, args[0])
			if err != nil {
				return err
			}
			return supersedeVote(cmd.OutOrStdout(), e.db, runID, phase, args[2], domain.VoterID(args[3]), label, abstain)
		},
	}
	supersede.Flags().StringVar(&label, "label", "", "Append a corrected vote with this label")
	supersede.Flags().BoolVar(&abstain, "abstain", false, "Append an abstention in place of the superseded records")
	cmd.AddCommand(supersede)
	return cmd
}

func supersedeVote(w io.Writer, db *sql.DB, runID string, phase domain.Phase, item string, voter domain.VoterID, label string, abstain bool) error {
	if _, err := sqlitedb.GetRun(db, runID); err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	if item == "-" {
		item = ""
	}
	pair := domain.VotePair{ItemID: domain.ItemID(item), Voter: voter}
	affected, err := sqlitedb.SupersedeVotes(db, runID, phase, pair)
	if err != nil {
		return fmt.Errorf("supersede %s: %w", pair, err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s has no live %s records for %s", runID, phase, pair)
	}
	if label != "" || abstain {
		v := domain.Vote{Phase: phase, ItemID: pair.ItemID, Voter: voter, Label: label}
		if abstain {
			v = domain.Abstention(phase, pair.ItemID, voter)
		}
		if _, err := sqlitedb.InsertVotes(db, runID, []domain.Vote{v}); err != nil {
			return fmt.Errorf("record corrected vote: %w", err)
		}
	}
	live, superseded, err := sqlitedb.CountVotes(db, runID)
	if err != nil {
		return err
	}
	log.Printf("votes supersede run=%s phase=%s pair=%s affected=%d", runID, phase, pair, affected)
	fmt.Fprintf(w, "superseded %d %s records for %s in run %s (live=%d superseded=%d)\n", affected, phase, pair, runID, live, superseded)
	return nil
}

func glossaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "glossary",
		Short: "Manage category aliases used during unification",
	}
	var path string
	add := &cobra.Command{
		Use:   "add <phrase> <category>",
		Short: "Record that a proposed phrase means an existing category",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// --file may name a glossary that does not exist yet, which
			// config validation would reject.
			if path == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				path = cfg.GlossaryPath
			}
			if path == "" {
				return fmt.Errorf("glossary_path is not configured (use --file)")
			}
			if err := unify.AppendAlias(path, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "alias %q -> %q added to %s\n", args[0], args[1], path)
			return nil
		},
	}
	add.Flags().StringVar(&path, "file", "", "Glossary file (default glossary_path)")
	cmd.AddCommand(add)
	return cmd
}
