package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"traitconsensus/internal/collect"
	"traitconsensus/internal/config"
	"traitconsensus/internal/consensus"
	"traitconsensus/internal/domain"
	"traitconsensus/internal/integrations/llm"
	slackbot "traitconsensus/internal/integrations/slack"
	"traitconsensus/internal/metrics"
	"traitconsensus/internal/pipeline"
	"traitconsensus/internal/report"
	"traitconsensus/internal/source"
	sqlitedb "traitconsensus/internal/storage/sqlite"
	"traitconsensus/internal/unify"
)

// RunRequest selects where items and votes come from. Exactly one of
// VotesPath and ReplayRunID may be set; with neither, the configured models
// are asked live.
type RunRequest struct {
	InputPath   string
	VotesPath   string
	ReplayRunID string
	ResumeRunID string
	NoNotify    bool
}

type RunOutcome struct {
	RunID     string
	Result    *pipeline.Result
	Artifacts report.Artifacts
	Summary   report.Summary
}

type Runner struct {
	cfg      config.Config
	db       *sql.DB
	metrics  *metrics.Recorder
	notifier *slackbot.Notifier
	now      func() time.Time
}

func NewRunner(cfg config.Config, db *sql.DB, notifier *slackbot.Notifier) *Runner {
	return &Runner{cfg: cfg, db: db, metrics: metrics.NewRecorder(), notifier: notifier, now: time.Now}
}

// runSource is everything a run needs besides the items.
type runSource struct {
	source    pipeline.Source
	roster    []domain.VoterID
	collector *collect.Collector
	usage     func()
}

func (r *Runner) Execute(ctx context.Context, req RunRequest) (*RunOutcome, error) {
	if req.VotesPath != "" && req.ReplayRunID != "" {
		return nil, fmt.Errorf("--votes and --replay are mutually exclusive")
	}

	items, err := r.loadItems(req)
	if err != nil {
		return nil, err
	}
	src, err := r.buildSource(req)
	if err != nil {
		return nil, err
	}
	opts, err := r.options(src.roster, req.ResumeRunID)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	if err := sqlitedb.CreateRun(r.db, sqlitedb.Run{
		ID:          runID,
		Voters:      src.roster,
		MinSupport:  r.cfg.MinSupport,
		Green:       r.cfg.GreenThreshold,
		Yellow:      r.cfg.YellowThreshold,
		Quorum:      r.cfg.Quorum,
		Equivalence: r.cfg.Equivalence,
		ResumedFrom: req.ResumeRunID,
		StartedAt:   r.now(),
	}); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if err := sqlitedb.InsertItems(r.db, runID, items); err != nil {
		return nil, fmt.Errorf("save items: %w", err)
	}
	log.Printf("run start id=%s items=%d voters=%d resume=%q", runID, len(items), len(src.roster), req.ResumeRunID)

	res, runErr := pipeline.NewCoordinator(src.source, opts).Run(ctx, items)
	if err := r.saveVotes(runID, req, src); err != nil {
		log.Printf("run id=%s saving votes failed: %v", runID, err)
	}
	if src.usage != nil {
		src.usage()
	}
	if runErr != nil {
		r.finish(runID, sqlitedb.RunStatusFailed, runErr.Error())
		logCorrectionHint(runID, runErr)
		return nil, fmt.Errorf("run %s: %w", runID, runErr)
	}

	if err := sqlitedb.SaveResult(r.db, runID, res); err != nil {
		r.finish(runID, sqlitedb.RunStatusFailed, err.Error())
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	artifacts, err := report.WriteRun(r.cfg.OutputDir, runID, src.roster, res)
	if err != nil {
		r.finish(runID, sqlitedb.RunStatusFailed, err.Error())
		return nil, fmt.Errorf("run %s: writing report: %w", runID, err)
	}
	r.metrics.ObserveResult(res)
	r.finish(runID, sqlitedb.RunStatusCompleted, "")

	summary := report.BuildSummary(runID, res)
	log.Printf("run complete id=%s items=%d categories=%v output=%s", runID, summary.Items, res.Unification.CategoryIDs(), artifacts.Dir)

	if r.notifier != nil && !req.NoNotify {
		title := fmt.Sprintf("Trait consensus run %s", shortID(runID))
		if _, err := r.notifier.PostSummary(ctx, title, report.FormatSlack(summary)); err != nil {
			log.Printf("run id=%s slack notify failed: %v", runID, err)
		}
	}
	return &RunOutcome{RunID: runID, Result: res, Artifacts: artifacts, Summary: summary}, nil
}

func (r *Runner) loadItems(req RunRequest) ([]domain.Item, error) {
	if req.InputPath == "" && req.ReplayRunID != "" {
		items, err := sqlitedb.GetItems(r.db, req.ReplayRunID)
		if err != nil {
			return nil, fmt.Errorf("load items of run %s: %w", req.ReplayRunID, err)
		}
		return items, nil
	}
	if req.InputPath == "" {
		return nil, fmt.Errorf("no traits file given (argument or input_path)")
	}
	items, stats, err := source.LoadItems(req.InputPath)
	if err != nil {
		return nil, err
	}
	log.Printf("preprocess %s %s", req.InputPath, stats)
	return items, nil
}

func (r *Runner) buildSource(req RunRequest) (*runSource, error) {
	timeout := time.Duration(r.cfg.VoterTimeoutSeconds) * time.Second
	switch {
	case req.ReplayRunID != "":
		run, err := sqlitedb.GetRun(r.db, req.ReplayRunID)
		if err != nil {
			return nil, fmt.Errorf("replay run %s: %w", req.ReplayRunID, err)
		}
		return &runSource{source: sqlitedb.NewVoteSource(r.db, run.ID), roster: run.Voters}, nil

	case req.VotesPath != "":
		vf, err := source.LoadVoteFile(req.VotesPath)
		if err != nil {
			return nil, err
		}
		var voters []collect.Voter
		for _, v := range vf.FileVoters() {
			voters = append(voters, v)
		}
		return r.collectorSource(voters, timeout)

	default:
		if err := r.cfg.CheckVoterKeys(); err != nil {
			return nil, err
		}
		var voters []collect.Voter
		var llmVoters []*llm.Voter
		for _, vc := range r.cfg.Voters {
			v := llm.NewVoter(domain.VoterID(vc.ID), newCompleter(r.cfg, vc), r.cfg.LLMBatchSize)
			voters = append(voters, v)
			llmVoters = append(llmVoters, v)
		}
		src, err := r.collectorSource(voters, timeout)
		if err != nil {
			return nil, err
		}
		src.usage = func() {
			var total llm.Usage
			for _, v := range llmVoters {
				u := v.Usage()
				total.Add(u)
				log.Printf("llm usage voter=%s calls=%d tokens_in=%d tokens_out=%d", v.ID(), u.Calls, u.InputTokens, u.OutputTokens)
			}
			log.Printf("llm usage total calls=%d tokens=%d", total.Calls, total.TotalTokens())
		}
		return src, nil
	}
}

func (r *Runner) collectorSource(voters []collect.Voter, timeout time.Duration) (*runSource, error) {
	c, err := collect.New(voters, collect.Options{Timeout: timeout, OnCall: r.metrics.ObserveCall})
	if err != nil {
		return nil, err
	}
	return &runSource{source: c, roster: c.Roster(), collector: c}, nil
}

func newCompleter(cfg config.Config, vc config.VoterConfig) llm.Completer {
	key := cfg.APIKey(vc)
	if vc.Provider == config.ProviderAnthropic {
		var opts []option.RequestOption
		if vc.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(vc.BaseURL))
		}
		return llm.NewAnthropicClient(key, vc.Model, opts...)
	}
	return llm.NewOpenAIClient(key, vc.Model, vc.BaseURL)
}

func (r *Runner) options(roster []domain.VoterID, resumeRunID string) (pipeline.Options, error) {
	equiv, err := unify.EquivalenceByName(r.cfg.Equivalence)
	if err != nil {
		return pipeline.Options{}, err
	}
	if r.cfg.GlossaryPath != "" {
		g, err := unify.LoadGlossary(r.cfg.GlossaryPath)
		if err != nil {
			return pipeline.Options{}, err
		}
		equiv = unify.WithGlossary(equiv, g)
	}
	opts := pipeline.Options{
		Roster:      roster,
		MinSupport:  r.cfg.MinSupport,
		Thresholds:  consensus.Thresholds{Green: r.cfg.GreenThreshold, Yellow: r.cfg.YellowThreshold},
		Quorum:      r.cfg.Quorum,
		Equivalence: equiv,
	}
	if resumeRunID != "" {
		cats, err := sqlitedb.GetCategories(r.db, resumeRunID)
		if err != nil {
			return opts, fmt.Errorf("resume from %s: %w", resumeRunID, err)
		}
		if len(cats) == 0 {
			return opts, fmt.Errorf("resume from %s: run has no stored categories", resumeRunID)
		}
		opts.Categories = cats
	}
	return opts, nil
}

// saveVotes persists whatever was collected, including for failed runs, so
// every run keeps its audit trail.
func (r *Runner) saveVotes(runID string, req RunRequest, src *runSource) error {
	phases := []domain.Phase{domain.PhaseProposal, domain.PhaseMapping, domain.PhaseClassification}
	var all []domain.Vote
	for _, phase := range phases {
		switch {
		case src.collector != nil:
			all = append(all, src.collector.Store().Votes(phase)...)
		case req.ReplayRunID != "":
			votes, err := sqlitedb.GetVotes(r.db, req.ReplayRunID, phase)
			if err != nil {
				return err
			}
			all = append(all, votes...)
		}
	}
	n, err := sqlitedb.InsertVotes(r.db, runID, all)
	if err != nil {
		return err
	}
	if src.collector != nil {
		log.Printf("run id=%s votes saved=%d recorded=%d", runID, n, src.collector.Store().Len())
		return nil
	}
	log.Printf("run id=%s votes saved=%d", runID, n)
	return nil
}

func (r *Runner) finish(runID, status, errMsg string) {
	finished := r.now()
	if err := sqlitedb.FinishRun(r.db, runID, status, errMsg, finished); err != nil {
		log.Printf("run id=%s finish failed: %v", runID, err)
	}
	r.metrics.ObserveRun(status, finished)
	if r.cfg.MetricsTextfile != "" {
		if err := r.metrics.WriteTextfile(r.cfg.MetricsTextfile); err != nil {
			log.Printf("metrics textfile %s: %v", r.cfg.MetricsTextfile, err)
		}
	}
}

// logCorrectionHint points at the stored votes when a run failed on them.
// Votes of failed runs are kept, so they can be corrected and replayed.
func logCorrectionHint(runID string, runErr error) {
	var dup *domain.DuplicateVoteError
	if !errors.As(runErr, &dup) {
		return
	}
	for _, phase := range []domain.Phase{domain.PhaseProposal, domain.PhaseMapping, domain.PhaseClassification} {
		if pipeline.IsPhase(runErr, phase) {
			log.Printf("run id=%s: %d duplicate %s votes; fix with 'votes supersede %s %s <item> <voter>' then 'run --replay %s'", runID, len(dup.Pairs), phase, runID, phase, runID)
			return
		}
	}
}

// resolveRunID expands "latest" to the most recent completed run.
func resolveRunID(db *sql.DB, id string) (string, error) {
	if id != "latest" {
		return id, nil
	}
	run, err := sqlitedb.LatestCompletedRun(db)
	if errors.Is(err, sqlitedb.ErrRunNotFound) {
		return "", fmt.Errorf("no completed run to use as 'latest'")
	}
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
