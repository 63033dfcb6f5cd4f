// Package metrics exposes run and voter health as Prometheus metrics. Runs are
// batch jobs, so the registry is written to a node-exporter textfile rather
// than served.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"traitconsensus/internal/domain"
	"traitconsensus/internal/pipeline"
)

const namespace = "traitconsensus"

type Recorder struct {
	registry     *prometheus.Registry
	voterCalls   *prometheus.CounterVec
	voterLatency *prometheus.HistogramVec
	decisions    *prometheus.CounterVec
	finalTiers   *prometheus.GaugeVec
	runs         *prometheus.CounterVec
	lastRun      *prometheus.GaugeVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		voterCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voter_calls_total",
			Help:      "Voter calls by phase and outcome.",
		}, []string{"voter", "phase", "outcome"}),
		voterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "voter_call_seconds",
			Help:      "Voter call latency by phase.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"voter", "phase"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Consensus decisions by phase and confidence band.",
		}, []string{"phase", "confidence"}),
		finalTiers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "final_items",
			Help:      "Items per final tier in the last completed run.",
		}, []string{"tier"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by final status.",
		}, []string{"status"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished, by status.",
		}, []string{"status"}),
	}
	r.registry.MustRegister(r.voterCalls, r.voterLatency, r.decisions, r.finalTiers, r.runs, r.lastRun)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveCall has the shape of collect.CallFunc.
func (r *Recorder) ObserveCall(voter domain.VoterID, phase domain.Phase, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.voterCalls.WithLabelValues(string(voter), phase.String(), outcome).Inc()
	r.voterLatency.WithLabelValues(string(voter), phase.String()).Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveResult(res *pipeline.Result) {
	for _, d := range res.Mapping {
		r.decisions.WithLabelValues(domain.PhaseMapping.String(), string(d.Confidence)).Inc()
	}
	for _, d := range res.Classification {
		r.decisions.WithLabelValues(domain.PhaseClassification.String(), string(d.Confidence)).Inc()
	}
	r.finalTiers.Reset()
	for _, t := range append(append([]domain.Tier(nil), domain.Tiers...), domain.TierUnresolved) {
		r.finalTiers.WithLabelValues(string(t)).Set(0)
	}
	for _, f := range res.Final {
		r.finalTiers.WithLabelValues(string(f.Tier)).Inc()
	}
}

func (r *Recorder) ObserveRun(status string, finishedAt time.Time) {
	r.runs.WithLabelValues(status).Inc()
	r.lastRun.WithLabelValues(status).Set(float64(finishedAt.Unix()))
}

// WriteTextfile atomically writes the registry in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
