// Package scheduler re-runs the consensus pipeline on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled execution. A failing job is logged and the schedule
// continues.
type Job func(ctx context.Context) error

type Scheduler struct {
	expr     string
	schedule cron.Schedule
	loc      *time.Location
	job      Job

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New parses a standard 5-field cron expression (minute hour day-of-month
// month day-of-week), e.g. "0 6 * * 1" for Mondays at 06:00.
func New(expr string, loc *time.Location, job Job) (*Scheduler, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		expr:     expr,
		schedule: sched,
		loc:      loc,
		job:      job,
		now:      time.Now,
		after:    time.After,
	}, nil
}

func (s *Scheduler) Next(now time.Time) time.Time {
	return s.schedule.Next(now.In(s.loc))
}

// Run blocks, executing the job at every scheduled time until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Printf("scheduler started cron=%q tz=%s", s.expr, s.loc)
	for {
		if err := ctx.Err(); err != nil {
			log.Printf("scheduler stopped: %v", err)
			return err
		}
		now := s.now().In(s.loc)
		next := s.Next(now)
		wait := next.Sub(now)
		log.Printf("scheduler next run at %s (in %s)", next.Format("Mon Jan 2 15:04"), wait.Round(time.Minute))

		select {
		case <-ctx.Done():
			log.Printf("scheduler stopped: %v", ctx.Err())
			return ctx.Err()
		case <-s.after(wait):
		}

		started := time.Now()
		if err := s.job(ctx); err != nil {
			log.Printf("scheduler run error after %s: %v", time.Since(started).Round(time.Millisecond), err)
			continue
		}
		log.Printf("scheduler run complete in %s", time.Since(started).Round(time.Millisecond))
	}
}
