// Package autosnapshot runs a cron-scheduled background snapshot
// writer, so a coordinator with no clean shutdown still has a recent
// durable checkpoint. The teacher uses robfig/cron to schedule daily
// backup jobs; here it schedules periodic scan-state checkpoints.
package autosnapshot

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/distscan/dscan/internal/scheduler"
)

// Snapshotter matches *scheduler.Context's durable checkpoint. An
// interface keeps this package testable without a real Context.
type Snapshotter interface {
	IsFinished() bool
	SaveSnapshot(path string) error
}

// Runner periodically writes sched's snapshot to path on the schedule
// described by expr (e.g. "@every 30s").
type Runner struct {
	c      *cron.Cron
	sched  Snapshotter
	path   string
	logger *slog.Logger
}

// New builds a Runner. It does not start the schedule; call Start.
func New(expr string, sched Snapshotter, path string, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{c: cron.New(), sched: sched, path: path, logger: logger}
	if _, err := r.c.AddFunc(expr, r.tick); err != nil {
		return nil, fmt.Errorf("parsing autosnapshot schedule %q: %w", expr, err)
	}
	return r, nil
}

func (r *Runner) tick() {
	if r.sched.IsFinished() {
		return
	}
	if err := r.sched.SaveSnapshot(r.path); err != nil {
		r.logger.Error("periodic snapshot failed", "path", r.path, "error", err)
		return
	}
	r.logger.Debug("wrote periodic snapshot", "path", r.path)
}

// Start begins running the schedule in the background.
func (r *Runner) Start() {
	r.c.Start()
}

// Stop ends the schedule and blocks until any in-flight tick finishes.
func (r *Runner) Stop() {
	<-r.c.Stop().Done()
}

var _ Snapshotter = (*scheduler.Context)(nil)
