// Package orchestrator wires the lifecycle manager, scheduler, resource
// monitor and notifier into one explicitly constructed instance. Callers own
// its lifecycle: New, Run, Shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfleet/fleetd/internal/config"
	"github.com/openfleet/fleetd/internal/lifecycle"
	"github.com/openfleet/fleetd/internal/metrics"
	"github.com/openfleet/fleetd/internal/monitor"
	"github.com/openfleet/fleetd/internal/notify"
	"github.com/openfleet/fleetd/internal/proc"
	"github.com/openfleet/fleetd/internal/scheduler"
	"github.com/openfleet/fleetd/internal/state"
)

const snapshotInterval = 5 * time.Second

type Orchestrator struct {
	cfg      *config.Config
	lm       *lifecycle.Manager
	sched    *scheduler.Scheduler
	mon      *monitor.Monitor
	notifier *notify.Notifier

	start  time.Time
	closed atomic.Bool
	wg     sync.WaitGroup

	mu     sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
}

// New builds the orchestrator from resolved configuration. The dependency
// graph is validated (cycles rejected) before anything starts.
func New(cfg *config.Config) (*Orchestrator, error) {
	runner := proc.New()
	sampler := metrics.NewSampler()

	specs := make([]lifecycle.Spec, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		specs = append(specs, lifecycle.Spec{
			Name:           a.Name,
			Command:        a.Command,
			Args:           a.Args,
			Dir:            a.Dir,
			HealthURL:      healthURL(a),
			RequestTimeout: a.RequestTimeout,
			HealthInterval: a.HealthInterval,
			Enabled:        a.Enabled,
		})
	}
	lm := lifecycle.NewManager(runner, sampler, specs)

	sched := scheduler.New(lm)
	deps := make(map[string]config.Dependency, len(cfg.Dependencies))
	for _, d := range cfg.Dependencies {
		deps[d.Agent] = d
	}
	for _, a := range cfg.Agents {
		spec := scheduler.DependencySpec{Agent: a.Name}
		if d, ok := deps[a.Name]; ok {
			spec.DependsOn = d.DependsOn
			spec.Required = d.Required
			spec.Priority = d.Priority
			spec.StartupTimeout = d.StartupTimeout
			spec.Policy = scheduler.RestartPolicy(d.RestartPolicy)
			spec.MaxRestartAttempts = d.MaxRestartAttempts
			spec.RestartDelay = d.RestartDelay
		}
		if err := sched.AddDependency(spec); err != nil {
			return nil, fmt.Errorf("dependency graph: %w", err)
		}
	}

	thresholds := make(map[monitor.Resource]monitor.Threshold, len(cfg.Thresholds))
	// The sweep runs at the tightest configured check interval.
	interval := cfg.Monitor.Interval
	for res, t := range cfg.Thresholds {
		thresholds[monitor.Resource(res)] = monitor.Threshold{
			Resource:  monitor.Resource(res),
			Warning:   t.Warning,
			Critical:  t.Critical,
			Emergency: t.Emergency,
			Action:    monitor.Action(t.Action),
		}
		if t.CheckInterval > 0 && t.CheckInterval < interval {
			interval = t.CheckInterval
		}
	}
	mon := monitor.New(lm, thresholds, monitor.Options{
		Interval:       interval,
		HistorySize:    cfg.Monitor.HistorySize,
		AlertRetention: cfg.Monitor.AlertRetention,
	})

	notifier, err := notify.New(notify.Options{
		NATSURL:     cfg.Notify.NATSURL,
		NATSSubject: cfg.Notify.NATSSubject,
		WebhookURL:  cfg.Notify.WebhookURL,
	})
	if err != nil {
		return nil, fmt.Errorf("notifier: %w", err)
	}

	o := &Orchestrator{cfg: cfg, lm: lm, sched: sched, mon: mon, notifier: notifier, start: time.Now()}

	lm.OnTransition = func(name string, from, to lifecycle.Status) {
		notifier.Publish("state", name, map[string]any{"from": string(from), "to": string(to)})
	}
	lm.OnUnhealthy = o.handleUnhealthy
	mon.OnAlert = func(a monitor.Alert) {
		notifier.Publish("alert", a.Agent, map[string]any{
			"id": a.ID, "resource": string(a.Resource), "severity": string(a.Severity),
			"value": a.Value, "threshold": a.Threshold, "message": a.Message,
		})
	}
	mon.OnMitigation = func(agent string, action monitor.Action, detail string) {
		notifier.Publish("mitigation", agent, map[string]any{"action": string(action), "detail": detail})
	}

	o.adoptPrevious()
	return o, nil
}

// adoptPrevious reloads the last snapshot and re-attaches to processes that
// survived an orchestrator restart, so stop/restart can still reach them.
func (o *Orchestrator) adoptPrevious() {
	snap, err := state.Load(o.cfg.StateDir)
	if err != nil {
		return
	}
	for _, a := range snap.Agents {
		if a.PID > 0 && proc.IsRunning(a.PID) {
			o.lm.Adopt(a.Name, a.PID, a.Restarts)
		}
	}
}

// handleUnhealthy runs policy-driven failure handling for one agent. The
// goroutine is tied to the Run context and tracked, so Shutdown cancels and
// awaits it; a pending restart can never fire after shutdown.
func (o *Orchestrator) handleUnhealthy(name string) {
	o.mu.Lock()
	ctx := o.runCtx
	if ctx == nil || o.closed.Load() {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.wg.Done()
		if err := o.sched.HandleFailure(ctx, name); err != nil {
			log.Warn().Str("agent", name).Err(err).Msg("failure handling")
		}
	}()
}

// Run launches the background loops. It returns immediately; loops stop when
// Shutdown is called.
func (o *Orchestrator) Run(ctx context.Context) {
	o.mu.Lock()
	ctx, o.cancel = context.WithCancel(ctx)
	o.runCtx = ctx
	o.mu.Unlock()
	o.wg.Add(3)
	go func() {
		defer o.wg.Done()
		o.lm.RunHealthLoop(ctx)
	}()
	go func() {
		defer o.wg.Done()
		o.mon.Run(ctx)
	}()
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(snapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.persistSnapshot()
			}
		}
	}()
}

// StartAll starts every agent in dependency order.
func (o *Orchestrator) StartAll(ctx context.Context) (map[string]error, error) {
	return o.sched.StartWithDependencies(ctx)
}

// Shutdown cancels the background loops and any in-flight failure handling
// and waits for them, then stops all agents in reverse dependency order and
// persists a final snapshot. Loops go first so nothing restarts an agent
// behind the shutdown's back.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.closed.Swap(true) {
		return nil
	}
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	results := o.sched.StopWithDependencies(ctx)
	for name, err := range results {
		if err != nil {
			log.Warn().Str("agent", name).Err(err).Msg("shutdown stop error")
		}
	}
	o.persistSnapshot()
	o.notifier.Close()
	log.Info().Msg("orchestrator stopped")
	return nil
}

func (o *Orchestrator) persistSnapshot() {
	snap := state.Snapshot{SavedAt: time.Now()}
	for _, info := range o.lm.List() {
		snap.Agents = append(snap.Agents, state.AgentSnapshot{
			Name:     info.Name,
			Status:   string(info.Status),
			PID:      info.PID,
			Restarts: info.Restarts,
			Healthy:  info.Healthy,
		})
	}
	if err := state.Save(o.cfg.StateDir, snap); err != nil {
		log.Warn().Err(err).Msg("snapshot save failed")
	}
}

func healthURL(a config.Agent) string {
	if a.BaseURL == "" {
		return ""
	}
	base := strings.TrimRight(a.BaseURL, "/")
	if a.Port > 0 && !strings.Contains(strings.TrimPrefix(strings.TrimPrefix(base, "https://"), "http://"), ":") {
		base = fmt.Sprintf("%s:%d", base, a.Port)
	}
	return base + a.HealthPath
}
