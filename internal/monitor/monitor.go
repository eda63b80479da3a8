// Package monitor samples OS-level statistics for running agents, evaluates
// them against configured thresholds, raises and resolves alerts, and
// triggers mitigation through the lifecycle manager.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfleet/fleetd/internal/lifecycle"
	"github.com/openfleet/fleetd/internal/metrics"
	"github.com/openfleet/fleetd/internal/proc"
)

const throttleNice = 10

// Threshold holds alert levels for one resource. Levels are percentages for
// cpu and memory, MB/s for the IO resources.
type Threshold struct {
	Resource  Resource
	Warning   float64
	Critical  float64
	Emergency float64
	Action    Action
}

// severityFor picks the highest severity whose level the value meets.
func (t Threshold) severityFor(value float64) (Severity, float64, bool) {
	switch {
	case value >= t.Emergency:
		return SeverityEmergency, t.Emergency, true
	case value >= t.Critical:
		return SeverityCritical, t.Critical, true
	case value >= t.Warning:
		return SeverityWarning, t.Warning, true
	}
	return "", 0, false
}

// Lifecycle is the subset of the lifecycle manager the monitor reads from
// and mitigates through.
type Lifecycle interface {
	List() []lifecycle.Info
	CollectMetrics(ctx context.Context, name string) (metrics.ProcessSample, bool)
	Restart(ctx context.Context, name string) error
}

// Options configures the monitor loop.
type Options struct {
	Interval       time.Duration
	HistorySize    int
	AlertRetention time.Duration
}

// Summary is the aggregate resource view over all agents.
type Summary struct {
	Running       int     `json:"running"`
	TotalCPU      float64 `json:"total_cpu_percent"`
	TotalMemoryMB float64 `json:"total_memory_mb"`
	ActiveAlerts  int     `json:"active_alerts"`
}

// Monitor runs the periodic sampling loop.
type Monitor struct {
	lc          Lifecycle
	interval    time.Duration
	historySize int
	retention   time.Duration
	thresholds  map[Resource]Threshold

	mu      sync.Mutex
	rings   map[string]*ring
	active  map[alertKey]*Alert
	history []*Alert

	// OnAlert and OnMitigation, when set, are invoked outside the monitor
	// lock for every new alert and executed mitigation.
	OnAlert      func(Alert)
	OnMitigation func(agent string, action Action, detail string)
}

func New(lc Lifecycle, thresholds map[Resource]Threshold, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 120
	}
	if opts.AlertRetention <= 0 {
		opts.AlertRetention = 24 * time.Hour
	}
	return &Monitor{
		lc:          lc,
		interval:    opts.Interval,
		historySize: opts.HistorySize,
		retention:   opts.AlertRetention,
		thresholds:  thresholds,
		rings:       make(map[string]*ring),
		active:      make(map[alertKey]*Alert),
	}
}

// Run executes the sampling loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep performs one sampling pass over all running agents.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, info := range m.lc.List() {
		if info.Status != lifecycle.StatusRunning {
			continue
		}
		sample, ok := m.lc.CollectMetrics(ctx, info.Name)
		if !ok {
			continue
		}
		m.Observe(ctx, info.Name, info.PID, sample)
	}
	m.mu.Lock()
	m.pruneLocked(time.Now())
	counts := map[string]int{}
	for key := range m.active {
		counts[key.agent]++
	}
	m.mu.Unlock()
	for _, info := range m.lc.List() {
		metrics.SetActiveAlerts(info.Name, counts[info.Name])
	}
}

// Observe appends one sample to the agent's history and evaluates thresholds
// against it. Split out from Sweep so tests can feed synthetic samples.
func (m *Monitor) Observe(ctx context.Context, name string, pid int, sample metrics.ProcessSample) {
	m.mu.Lock()
	r, ok := m.rings[name]
	if !ok {
		r = newRing(m.historySize)
		m.rings[name] = r
	}
	prev, hasPrev := r.last()
	r.push(sample)

	type firing struct {
		alert  *Alert
		action Action
	}
	var fired []firing
	for res, th := range m.thresholds {
		value, measurable := resourceValue(res, sample, prev, hasPrev)
		if !measurable {
			continue
		}
		key := alertKey{agent: name, resource: res}
		sev, level, met := th.severityFor(value)
		if !met {
			if _, exists := m.active[key]; exists {
				m.resolveLocked(key, fmt.Sprintf("%s back below warning level (%.1f)", res, value))
			}
			continue
		}
		if cur, exists := m.active[key]; exists {
			if cur.Severity == sev {
				continue // same severity, no flood
			}
			m.resolveLocked(key, fmt.Sprintf("superseded by %s alert", sev))
		}
		a := newAlert(name, res, sev, value, level,
			fmt.Sprintf("%s %s at %.1f (>= %s level %.1f)", name, res, value, sev, level))
		m.active[key] = a
		m.history = append(m.history, a)
		fired = append(fired, firing{alert: a, action: th.Action})
	}
	m.mu.Unlock()

	for _, f := range fired {
		log.Warn().Str("agent", name).Str("resource", string(f.alert.Resource)).
			Str("severity", string(f.alert.Severity)).Float64("value", f.alert.Value).
			Msg("resource alert")
		if m.OnAlert != nil {
			m.OnAlert(*f.alert)
		}
		if f.alert.Severity.rank() >= SeverityCritical.rank() {
			m.mitigate(ctx, name, pid, f.alert.Resource, f.action)
		}
	}
}

// resourceValue extracts the comparable value for a resource from a sample.
// IO resources are rates derived from the previous sample; they are not
// measurable on the first observation. Per-process network counters are not
// exposed on this platform, so network_io never fires from sampled data.
func resourceValue(res Resource, sample, prev metrics.ProcessSample, hasPrev bool) (float64, bool) {
	switch res {
	case ResourceCPU:
		return sample.CPUPercent, true
	case ResourceMemory:
		return sample.MemoryPercent, true
	case ResourceDiskIO:
		if !hasPrev {
			return 0, false
		}
		elapsed := sample.Timestamp.Sub(prev.Timestamp).Seconds()
		if elapsed <= 0 {
			return 0, false
		}
		delta := float64(sample.ReadBytes-prev.ReadBytes) + float64(sample.WriteBytes-prev.WriteBytes)
		return delta / elapsed / (1024 * 1024), true
	default:
		return 0, false
	}
}

func (m *Monitor) mitigate(ctx context.Context, name string, pid int, res Resource, action Action) {
	switch action {
	case ActionRestart:
		log.Warn().Str("agent", name).Str("resource", string(res)).Msg("mitigation: restart")
		err := m.lc.Restart(ctx, name)
		detail := "restarted"
		if err != nil {
			detail = fmt.Sprintf("restart failed: %v", err)
		}
		if m.OnMitigation != nil {
			m.OnMitigation(name, action, detail)
		}
	case ActionThrottle:
		// Niceness only tames CPU pressure; other resources fall through
		// to alert-only.
		if res != ResourceCPU || pid <= 0 {
			return
		}
		old, err := proc.SetPriority(pid, throttleNice)
		if err != nil {
			log.Warn().Str("agent", name).Err(err).Msg("throttle failed")
			return
		}
		log.Warn().Str("agent", name).Int("nice_before", old).Int("nice_after", throttleNice).Msg("mitigation: throttled")
		if m.OnMitigation != nil {
			m.OnMitigation(name, action, fmt.Sprintf("niceness %d -> %d", old, throttleNice))
		}
	case ActionAlertOnly:
		// Alert record is the whole mitigation.
	}
}

// Trend reports the per-second slope of a resource over the trailing window.
func (m *Monitor) Trend(name string, res Resource, window time.Duration) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rings[name]
	if !ok {
		return 0, false
	}
	samples := r.window(time.Now().Add(-window))
	return slope(samples, func(s metrics.ProcessSample) float64 {
		switch res {
		case ResourceCPU:
			return s.CPUPercent
		case ResourceMemory:
			return s.MemoryPercent
		case ResourceDiskIO:
			return float64(s.ReadBytes + s.WriteBytes)
		default:
			return 0
		}
	})
}

// SecondsUntilMemoryExhaustion extrapolates the current memory trend to the
// 100% line. Reports false when the trend is flat or falling.
func (m *Monitor) SecondsUntilMemoryExhaustion(name string, window time.Duration) (float64, bool) {
	trend, ok := m.Trend(name, ResourceMemory, window)
	if !ok || trend <= 0 {
		return 0, false
	}
	m.mu.Lock()
	r, exists := m.rings[name]
	var current float64
	if exists {
		if last, ok := r.last(); ok {
			current = last.MemoryPercent
		}
	}
	m.mu.Unlock()
	if !exists {
		return 0, false
	}
	return (100 - current) / trend, true
}

// Summary aggregates the fleet's resource usage.
func (m *Monitor) Summary() Summary {
	var s Summary
	for _, info := range m.lc.List() {
		if info.Status != lifecycle.StatusRunning {
			continue
		}
		s.Running++
		s.TotalCPU += info.CPUPercent
		s.TotalMemoryMB += info.MemoryMB
	}
	m.mu.Lock()
	s.ActiveAlerts = len(m.active)
	m.mu.Unlock()
	return s
}

const (
	recommendWindow     = 5 * time.Minute
	exhaustionHorizon   = 5 * time.Minute
	sustainedCPULevel   = 80.0
	excessiveThreads    = 500
	excessiveFDs        = 1024
	sustainedMinSamples = 3
)

// Recommendations produces advisory findings per running agent. Purely
// diagnostic text; no control path reads it.
func (m *Monitor) Recommendations() []string {
	var recs []string
	cutoff := time.Now().Add(-recommendWindow)
	for _, info := range m.lc.List() {
		if info.Status != lifecycle.StatusRunning {
			continue
		}
		m.mu.Lock()
		r, ok := m.rings[info.Name]
		if !ok {
			m.mu.Unlock()
			continue
		}
		samples := r.window(cutoff)
		last, hasLast := r.last()
		m.mu.Unlock()

		if len(samples) >= sustainedMinSamples {
			sustained := true
			for _, s := range samples {
				if s.CPUPercent < sustainedCPULevel {
					sustained = false
					break
				}
			}
			if sustained {
				recs = append(recs, fmt.Sprintf("%s: CPU above %.0f%% for the last %s; consider scaling or profiling", info.Name, sustainedCPULevel, recommendWindow))
			}
		}
		if secs, ok := m.SecondsUntilMemoryExhaustion(info.Name, recommendWindow); ok && secs < exhaustionHorizon.Seconds() {
			recs = append(recs, fmt.Sprintf("%s: memory rising, projected exhaustion in %.0fs", info.Name, secs))
		}
		if hasLast && last.NumThreads > excessiveThreads {
			recs = append(recs, fmt.Sprintf("%s: %d threads; possible goroutine/thread leak", info.Name, last.NumThreads))
		}
		if hasLast && last.NumFDs > excessiveFDs {
			recs = append(recs, fmt.Sprintf("%s: %d open file descriptors; possible descriptor leak", info.Name, last.NumFDs))
		}
	}
	return recs
}
