// Package sweeps runs the periodic appointment-economy jobs: the no-show
// sweep, the refund deadline report and pickup reminders.
package sweeps

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/clinic-appointments/internal/observability/metrics"
	"github.com/wolfman30/clinic-appointments/pkg/logging"
)

// Job is one named periodic task. Runs of the same job never overlap.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner drives a set of jobs, each on its own ticker.
type Runner struct {
	jobs    []Job
	metrics *metrics.EconomyMetrics
	logger  *logging.Logger
}

func NewRunner(logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Runner{logger: logger.Component("sweeps")}
}

func (r *Runner) WithMetrics(m *metrics.EconomyMetrics) *Runner {
	r.metrics = m
	return r
}

// Add registers a job. Jobs without a positive interval or a run func are
// ignored.
func (r *Runner) Add(job Job) *Runner {
	if job.Interval <= 0 || job.Run == nil {
		r.logger.Warn("ignoring job without interval", "job", job.Name)
		return r
	}
	r.jobs = append(r.jobs, job)
	return r
}

// Jobs returns the registered job names.
func (r *Runner) Jobs() []string {
	names := make([]string, len(r.jobs))
	for i, j := range r.jobs {
		names[i] = j.Name
	}
	return names
}

// Run starts every job and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range r.jobs {
		job := job
		g.Go(func() error {
			r.loop(ctx, job)
			return nil
		})
	}
	r.logger.Info("sweeps started", "jobs", r.Jobs())
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	r.runOnce(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, job)
		}
	}
}

// RunOnce runs the named job a single time, e.g. from an admin command.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	for _, job := range r.jobs {
		if job.Name == name {
			return r.runOnce(ctx, job)
		}
	}
	return fmt.Errorf("sweeps: unknown job %q", name)
}

func (r *Runner) runOnce(ctx context.Context, job Job) (err error) {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	started := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sweeps: %s panicked: %v", job.Name, p)
		}
		r.metrics.ObserveJob(job.Name, time.Since(started).Seconds(), err)
		if err != nil {
			r.logger.Error("job failed", "job", job.Name, "error", err)
		}
	}()
	return job.Run(ctx)
}
