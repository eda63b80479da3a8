// Package lifecycle owns the runtime record and state machine for every
// managed agent process. Mutating operations for one agent are serialized on
// that agent's operation lock; the record fields sit behind a separate lock
// held only for short reads and commits, so status queries never wait on an
// in-flight spawn, health poll or kill.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfleet/fleetd/internal/metrics"
	"github.com/openfleet/fleetd/internal/proc"
)

// Status represents the current state of an agent process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

var (
	ErrUnknownAgent      = errors.New("unknown agent")
	ErrAgentDisabled     = errors.New("agent disabled")
	ErrMissingExecutable = errors.New("executable not found")
	ErrStartTimeout      = errors.New("start health timeout")
)

const (
	healthPollInterval  = 1 * time.Second
	restartSettleDelay  = 2 * time.Second
	defaultStopTimeout  = 10 * time.Second
	defaultStartTimeout = 30 * time.Second
	staleHealthAfter    = 5 * time.Minute
)

// Spec is the immutable description of one agent, supplied by configuration.
type Spec struct {
	Name           string
	Command        string
	Args           []string
	Dir            string
	HealthURL      string
	RequestTimeout time.Duration
	HealthInterval time.Duration
	Enabled        bool
}

// Info is the read-only projection of one agent's runtime record.
type Info struct {
	Name          string    `json:"name"`
	Status        Status    `json:"status"`
	Enabled       bool      `json:"enabled"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	Healthy       bool      `json:"healthy"`
	LastHealthAt  time.Time `json:"last_health_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	Restarts      int       `json:"restarts"`
	LastRestart   time.Time `json:"last_restart,omitzero"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb"`
	MemoryPercent float64   `json:"memory_percent"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	HealthScore   float64   `json:"health_score"`
}

// agent is the runtime record. op serializes mutating operations
// (start/stop/restart/health check) and may be held across waits; mu guards
// the fields below and is only held for short reads and commits.
type agent struct {
	op sync.Mutex

	mu           sync.Mutex
	spec         Spec
	status       Status
	handle       *proc.Handle
	pid          int
	startedAt    time.Time
	lastErr      string
	healthy      bool
	lastHealthAt time.Time
	restarts     int
	lastRestart  time.Time
	lastSample   metrics.ProcessSample
}

// Manager starts, stops and monitors the fleet of agent processes.
type Manager struct {
	runner  *proc.Runner
	sampler *metrics.Sampler
	client  *http.Client
	agents  map[string]*agent
	order   []string

	// OnTransition, when set, is invoked for every status change. It runs
	// with the agent's record lock held and must not call back into the
	// Manager.
	OnTransition func(name string, from, to Status)
	// OnUnhealthy, when set, is invoked by the health loop after a
	// Running -> Error transition.
	OnUnhealthy func(name string)
}

// NewManager builds a manager owning one runtime record per spec.
func NewManager(runner *proc.Runner, sampler *metrics.Sampler, specs []Spec) *Manager {
	m := &Manager{
		runner:  runner,
		sampler: sampler,
		client:  &http.Client{},
		agents:  make(map[string]*agent, len(specs)),
	}
	for _, s := range specs {
		m.agents[s.Name] = &agent{spec: s, status: StatusStopped}
		m.order = append(m.order, s.Name)
	}
	return m
}

func (m *Manager) get(name string) (*agent, error) {
	a, ok := m.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return a, nil
}

// Names returns agent names in declaration order.
func (m *Manager) Names() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// setStatus is called with a.mu held.
func (m *Manager) setStatus(a *agent, to Status) {
	from := a.status
	if from == to {
		return
	}
	a.status = to
	log.Info().Str("agent", a.spec.Name).Str("from", string(from)).Str("to", string(to)).Msg("state change")
	metrics.ObserveAgentState(a.spec.Name, string(to))
	if m.OnTransition != nil {
		m.OnTransition(a.spec.Name, from, to)
	}
}

// Start launches the agent process. No-op when the agent is already running
// and healthy; a running but unhealthy agent is stopped and started again.
// When waitForHealth is set, Start polls the health endpoint every second
// until healthy or until timeout, force-stopping the process on timeout.
func (m *Manager) Start(ctx context.Context, name string, waitForHealth bool, timeout time.Duration) error {
	a, err := m.get(name)
	if err != nil {
		return err
	}
	a.op.Lock()
	defer a.op.Unlock()
	return m.start(ctx, a, waitForHealth, timeout)
}

// start runs with the operation lock held. The record lock is taken only to
// read and commit fields; the spawn, the health poll and any stop in between
// run unlocked so queries see the intermediate Starting state immediately.
func (m *Manager) start(ctx context.Context, a *agent, waitForHealth bool, timeout time.Duration) error {
	if !a.spec.Enabled {
		return fmt.Errorf("%w: %s", ErrAgentDisabled, a.spec.Name)
	}
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	a.mu.Lock()
	running := a.status == StatusRunning
	a.mu.Unlock()
	if running {
		if m.probe(ctx, a) {
			return nil
		}
		log.Warn().Str("agent", a.spec.Name).Msg("running but unhealthy, restarting")
		m.stop(ctx, a, defaultStopTimeout)
	}
	if err := m.lookupExecutable(a.spec); err != nil {
		a.mu.Lock()
		m.setStatus(a, StatusError)
		a.lastErr = err.Error()
		a.mu.Unlock()
		return err
	}
	a.mu.Lock()
	m.setStatus(a, StatusStarting)
	a.mu.Unlock()
	h, err := m.runner.Start(ctx, proc.Options{
		Name:    a.spec.Name,
		Command: a.spec.Command,
		Args:    a.spec.Args,
		Dir:     a.spec.Dir,
	})
	if err != nil {
		a.mu.Lock()
		m.setStatus(a, StatusError)
		a.lastErr = err.Error()
		a.mu.Unlock()
		return fmt.Errorf("spawn %s: %w", a.spec.Name, err)
	}
	a.mu.Lock()
	a.handle = h
	a.pid = h.PID
	a.startedAt = h.StartedAt
	a.restarts++
	a.lastRestart = time.Now()
	a.lastErr = ""
	a.mu.Unlock()
	metrics.IncRestarts(a.spec.Name)
	log.Info().Str("agent", a.spec.Name).Int("pid", h.PID).Msg("process started")

	if waitForHealth && a.spec.HealthURL != "" {
		deadline := time.Now().Add(timeout)
		for !m.probe(ctx, a) {
			if time.Now().After(deadline) || ctx.Err() != nil {
				m.stop(context.Background(), a, defaultStopTimeout)
				a.mu.Lock()
				m.setStatus(a, StatusError)
				a.lastErr = fmt.Sprintf("no healthy response within %s", timeout)
				a.mu.Unlock()
				return fmt.Errorf("%w: %s", ErrStartTimeout, a.spec.Name)
			}
			select {
			case <-ctx.Done():
			case <-time.After(healthPollInterval):
			}
		}
		a.mu.Lock()
		a.healthy = true
		a.lastHealthAt = time.Now()
		a.mu.Unlock()
		metrics.SetHealthy(a.spec.Name, true)
	}
	a.mu.Lock()
	m.setStatus(a, StatusRunning)
	a.mu.Unlock()
	return nil
}

// lookupExecutable fails fast when the configured command cannot exist.
func (m *Manager) lookupExecutable(s Spec) error {
	cmd := s.Command
	if strings.HasPrefix(cmd, "./") && s.Dir != "" {
		cmd = s.Dir + "/" + strings.TrimPrefix(cmd, "./")
	}
	if strings.ContainsRune(cmd, '/') {
		st, err := os.Stat(cmd)
		if err != nil || st.IsDir() {
			return fmt.Errorf("%w: %s", ErrMissingExecutable, cmd)
		}
		return nil
	}
	if _, err := exec.LookPath(cmd); err != nil {
		return fmt.Errorf("%w: %s", ErrMissingExecutable, cmd)
	}
	return nil
}

// Stop terminates the agent process. Idempotent when already stopped. The
// runtime record always ends up with status Stopped and a cleared PID,
// regardless of prior status.
func (m *Manager) Stop(ctx context.Context, name string, timeout time.Duration) error {
	a, err := m.get(name)
	if err != nil {
		return err
	}
	a.op.Lock()
	defer a.op.Unlock()
	return m.stop(ctx, a, timeout)
}

// stop runs with the operation lock held. The kill-and-wait happens without
// the record lock; only the Stopping/Stopped transitions and the field reset
// take it.
func (m *Manager) stop(ctx context.Context, a *agent, timeout time.Duration) error {
	a.mu.Lock()
	if a.status == StatusStopped && a.handle == nil && a.pid == 0 {
		a.mu.Unlock()
		return nil
	}
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	m.setStatus(a, StatusStopping)
	handle, pid := a.handle, a.pid
	a.mu.Unlock()

	var err error
	switch {
	case handle != nil:
		err = m.runner.Stop(ctx, handle, timeout)
	case pid > 0:
		// Handle lost (e.g. orchestrator restart); kill by remembered PID.
		err = m.runner.StopPID(pid, timeout)
	}
	if err != nil {
		log.Warn().Str("agent", a.spec.Name).Err(err).Msg("stop reported error")
	}
	m.sampler.Forget(pid)

	a.mu.Lock()
	a.handle = nil
	a.pid = 0
	a.startedAt = time.Time{}
	a.healthy = false
	m.setStatus(a, StatusStopped)
	a.mu.Unlock()
	metrics.SetHealthy(a.spec.Name, false)
	return nil
}

// Restart stops the agent, waits a short settle delay, and starts it again
// waiting for health.
func (m *Manager) Restart(ctx context.Context, name string) error {
	a, err := m.get(name)
	if err != nil {
		return err
	}
	a.op.Lock()
	defer a.op.Unlock()
	if err := m.stop(ctx, a, defaultStopTimeout); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(restartSettleDelay):
	}
	return m.start(ctx, a, true, defaultStartTimeout)
}

// CheckHealth probes the agent's health endpoint. A 200 response is healthy.
// Recovery transitions Error -> Running; failure transitions Running -> Error
// with the reason recorded. The result reports the probe outcome; err is
// reserved for unknown agents.
func (m *Manager) CheckHealth(ctx context.Context, name string) (bool, error) {
	a, err := m.get(name)
	if err != nil {
		return false, err
	}
	a.op.Lock()
	defer a.op.Unlock()
	ok := m.probe(ctx, a)
	a.mu.Lock()
	a.lastHealthAt = time.Now()
	a.healthy = ok
	if ok && a.status == StatusError {
		a.lastErr = ""
		m.setStatus(a, StatusRunning)
	}
	if !ok && a.status == StatusRunning {
		a.lastErr = "health check failed"
		m.setStatus(a, StatusError)
	}
	a.mu.Unlock()
	metrics.SetHealthy(a.spec.Name, ok)
	return ok, nil
}

// probe performs one bounded health probe without recording results. Agents
// without a health URL are considered healthy while their process is alive.
// Takes no locks beyond a short PID read.
func (m *Manager) probe(ctx context.Context, a *agent) bool {
	if a.spec.HealthURL == "" {
		a.mu.Lock()
		pid := a.pid
		a.mu.Unlock()
		return pid > 0 && proc.IsRunning(pid)
	}
	timeout := a.spec.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, a.spec.HealthURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// CollectMetrics samples OS statistics for the agent. Reports false without
// touching the record when the agent has no live process.
func (m *Manager) CollectMetrics(ctx context.Context, name string) (metrics.ProcessSample, bool) {
	a, err := m.get(name)
	if err != nil {
		return metrics.ProcessSample{}, false
	}
	a.mu.Lock()
	pid := a.pid
	a.mu.Unlock()
	if pid == 0 {
		return metrics.ProcessSample{}, false
	}
	sample, err := m.sampler.Sample(ctx, a.spec.Name, pid)
	if err != nil {
		return metrics.ProcessSample{}, false
	}
	a.mu.Lock()
	if a.pid == pid {
		a.lastSample = sample
	}
	a.mu.Unlock()
	return sample, true
}

// HealthScore derives a [0,1] diagnostic for the agent. Purely observational;
// nothing reads it for control decisions.
func (m *Manager) HealthScore(name string) float64 {
	a, err := m.get(name)
	if err != nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return scoreLocked(a)
}

func scoreLocked(a *agent) float64 {
	score := 1.0
	score -= min(float64(a.restarts)*0.05, 0.3)
	if cpu := a.lastSample.CPUPercent; cpu > 80 {
		score -= (cpu - 80) / 100
	}
	if mem := a.lastSample.MemoryPercent; mem > 80 {
		score -= (mem - 80) / 100
	}
	switch {
	case a.lastHealthAt.IsZero():
		score -= 0.1
	case time.Since(a.lastHealthAt) > staleHealthAfter:
		score -= 0.2
	}
	if !a.startedAt.IsZero() && time.Since(a.startedAt) > time.Hour {
		score += 0.1
	}
	return max(0, min(1, score))
}

// Status returns the read projection for one agent.
func (m *Manager) Status(name string) (Info, bool) {
	a, err := m.get(name)
	if err != nil {
		return Info{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return infoLocked(a), true
}

// List returns read projections for all agents, in declaration order.
func (m *Manager) List() []Info {
	out := make([]Info, 0, len(m.order))
	for _, name := range m.order {
		a := m.agents[name]
		a.mu.Lock()
		out = append(out, infoLocked(a))
		a.mu.Unlock()
	}
	return out
}

func infoLocked(a *agent) Info {
	info := Info{
		Name:          a.spec.Name,
		Status:        a.status,
		Enabled:       a.spec.Enabled,
		PID:           a.pid,
		StartedAt:     a.startedAt,
		Healthy:       a.healthy,
		LastHealthAt:  a.lastHealthAt,
		LastError:     a.lastErr,
		Restarts:      a.restarts,
		LastRestart:   a.lastRestart,
		CPUPercent:    a.lastSample.CPUPercent,
		MemoryMB:      float64(a.lastSample.MemoryRSS) / (1024 * 1024),
		MemoryPercent: a.lastSample.MemoryPercent,
		HealthScore:   scoreLocked(a),
	}
	if !a.startedAt.IsZero() {
		info.UptimeSeconds = time.Since(a.startedAt).Seconds()
	}
	return info
}

// Adopt records a PID remembered from a previous run so that Stop can reach
// the orphaned process even though the exec handle is gone.
func (m *Manager) Adopt(name string, pid int, restarts int) {
	a, err := m.get(name)
	if err != nil {
		return
	}
	a.op.Lock()
	defer a.op.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle != nil || pid <= 0 || !proc.IsRunning(pid) {
		a.restarts = max(a.restarts, restarts)
		return
	}
	a.pid = pid
	a.restarts = max(a.restarts, restarts)
	a.startedAt = time.Now()
	m.setStatus(a, StatusRunning)
	log.Info().Str("agent", name).Int("pid", pid).Msg("adopted orphaned process")
}

// RunHealthLoop polls each enabled agent's health endpoint at its configured
// interval until the context is cancelled.
func (m *Manager) RunHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()
	last := make(map[string]time.Time, len(m.agents))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, name := range m.order {
			a := m.agents[name]
			if !a.spec.Enabled {
				continue
			}
			interval := a.spec.HealthInterval
			if interval <= 0 {
				interval = 30 * time.Second
			}
			if time.Since(last[name]) < interval {
				continue
			}
			st, _ := m.Status(name)
			if st.Status != StatusRunning && st.Status != StatusError {
				continue
			}
			last[name] = time.Now()
			wasRunning := st.Status == StatusRunning
			ok, _ := m.CheckHealth(ctx, name)
			if !ok && wasRunning && m.OnUnhealthy != nil {
				m.OnUnhealthy(name)
			}
		}
	}
}
