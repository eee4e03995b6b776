// Package procreg keeps a central account of external processes spawned by
// the service, exports their resource usage, and reaps them on shutdown.
package procreg

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Entry describes one registered process.
type Entry struct {
	PID       int
	Label     string
	StartedAt time.Time

	done <-chan struct{}
}

// Registry is a concurrency-safe process table.
type Registry struct {
	mu      sync.RWMutex
	entries map[int]Entry
	log     *slog.Logger

	rssDesc *prometheus.Desc
	cpuDesc *prometheus.Desc
	ageDesc *prometheus.Desc
}

// New returns an empty registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		entries: make(map[int]Entry),
		log:     log,
		rssDesc: prometheus.NewDesc("hls_transcoder_rss_bytes",
			"Resident memory of a running transcoder process", []string{"label", "pid"}, nil),
		cpuDesc: prometheus.NewDesc("hls_transcoder_cpu_percent",
			"CPU usage of a running transcoder process since it started", []string{"label", "pid"}, nil),
		ageDesc: prometheus.NewDesc("hls_transcoder_uptime_seconds",
			"Seconds since the transcoder process was registered", []string{"label", "pid"}, nil),
	}
}

// Register records a spawned process. done must close when the process has
// been reaped; it may be nil.
func (r *Registry) Register(pid int, label string, done <-chan struct{}) {
	r.mu.Lock()
	r.entries[pid] = Entry{PID: pid, Label: label, StartedAt: time.Now(), done: done}
	n := len(r.entries)
	r.mu.Unlock()
	r.log.Debug("process registered", slog.Int("pid", pid), slog.String("label", label), slog.Int("running", n))
}

// Unregister forgets pid. Unknown pids are ignored.
func (r *Registry) Unregister(pid int) {
	r.mu.Lock()
	delete(r.entries, pid)
	r.mu.Unlock()
}

// Len returns the number of registered processes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns the registered entries ordered by pid.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// TerminateAll stops every registered process group concurrently and waits
// for them. Used on shutdown.
func (r *Registry) TerminateAll(grace time.Duration) {
	entries := r.Snapshot()
	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			if err := TerminateGroup(e.PID, grace, e.done); err != nil {
				r.log.Warn("process did not exit", slog.Int("pid", e.PID), slog.String("label", e.Label), slog.String("error", err.Error()))
			}
			r.Unregister(e.PID)
		}(e)
	}
	wg.Wait()
	if len(entries) > 0 {
		r.log.Info("terminated registered processes", slog.Int("count", len(entries)))
	}
}

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	ch <- r.rssDesc
	ch <- r.cpuDesc
	ch <- r.ageDesc
}

// Collect implements prometheus.Collector. Processes that vanished between
// registration and the scrape are skipped.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := time.Now()
	for _, e := range r.Snapshot() {
		pid := strconv.Itoa(e.PID)
		ch <- prometheus.MustNewConstMetric(r.ageDesc, prometheus.GaugeValue, now.Sub(e.StartedAt).Seconds(), e.Label, pid)

		p, err := process.NewProcessWithContext(ctx, int32(e.PID))
		if err != nil {
			continue
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			ch <- prometheus.MustNewConstMetric(r.rssDesc, prometheus.GaugeValue, float64(mem.RSS), e.Label, pid)
		}
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			ch <- prometheus.MustNewConstMetric(r.cpuDesc, prometheus.GaugeValue, cpu, e.Label, pid)
		}
	}
}
