package hlssession

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Default housekeeping policy.
const (
	DefaultStallTimeout = 2 * time.Minute
	DefaultRetention    = 6 * time.Hour
)

// SweepResult summarizes one housekeeping pass.
type SweepResult struct {
	Killed  int `json:"killed"`
	Removed int `json:"removed"`
}

// Janitor stops stalled transcoders and removes stale session directories.
type Janitor struct {
	registry  *Registry
	stall     time.Duration
	retention time.Duration
	log       *slog.Logger
	cron      *cron.Cron
}

// NewJanitor returns a Janitor. Non-positive durations use the defaults.
func NewJanitor(reg *Registry, stall, retention time.Duration, log *slog.Logger) *Janitor {
	if stall <= 0 {
		stall = DefaultStallTimeout
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{registry: reg, stall: stall, retention: retention, log: log}
}

// Sweep runs one pass. Active sessions are never removed; a stalled one is
// first killed and marked Dead, and its directory then ages out normally.
func (j *Janitor) Sweep() SweepResult {
	var res SweepResult

	for _, st := range j.registry.stalled(j.stall) {
		j.registry.MarkDead(st.id)
		if err := st.proc.Stop(); err != nil {
			j.log.Error("stop stalled transcoder failed", slog.String("session_id", st.id), slog.String("error", err.Error()))
			continue
		}
		res.Killed++
		j.log.Warn("stalled transcoder killed", slog.String("session_id", st.id), slog.Duration("stall_timeout", j.stall))
	}

	res.Removed = len(j.registry.reap(j.retention))
	if res.Killed > 0 || res.Removed > 0 {
		j.log.Info("session sweep", slog.Int("killed", res.Killed), slog.Int("removed", res.Removed))
	}
	return res
}

// Start schedules Sweep with a cron spec such as "@every 1m".
func (j *Janitor) Start(schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() { j.Sweep() }); err != nil {
		return err
	}
	j.cron = c
	c.Start()
	j.log.Info("session janitor scheduled", slog.String("schedule", schedule))
	return nil
}

// Stop halts the schedule and waits for a running sweep, bounded by ctx.
func (j *Janitor) Stop(ctx context.Context) {
	if j.cron == nil {
		return
	}
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}
