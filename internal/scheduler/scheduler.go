// Package scheduler computes dependency-respecting startup and shutdown
// waves and owns restart-policy execution for failed agents.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RestartPolicy governs whether and when a failed agent is restarted.
type RestartPolicy string

const (
	RestartImmediate RestartPolicy = "immediate"
	RestartDelayed   RestartPolicy = "delayed"
	RestartBackoff   RestartPolicy = "backoff"
	RestartManual    RestartPolicy = "manual"
)

var (
	ErrDependencyCycle     = errors.New("dependency cycle")
	ErrRequiredAgentFailed = errors.New("required agent failed")
	ErrRestartsExhausted   = errors.New("restart attempts exhausted")
	ErrUnknownAgent        = errors.New("unknown agent")
)

// DependencySpec declares ordering and restart behavior for one agent.
type DependencySpec struct {
	Agent              string
	DependsOn          []string
	Required           bool
	Priority           int
	StartupTimeout     time.Duration
	Policy             RestartPolicy
	MaxRestartAttempts int
	RestartDelay       time.Duration
}

// Lifecycle is the subset of the lifecycle manager the scheduler drives.
type Lifecycle interface {
	Start(ctx context.Context, name string, waitForHealth bool, timeout time.Duration) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Restart(ctx context.Context, name string) error
}

// Sequence is a computed startup plan: waves of agents that may start in
// parallel, ordered so that every agent appears after all of its
// dependencies.
type Sequence struct {
	Waves     [][]string    `json:"waves"`
	Total     int           `json:"total"`
	Estimated time.Duration `json:"estimated"`
}

// RestartStats reports automatic-restart bookkeeping for one agent.
type RestartStats struct {
	Attempts int  `json:"attempts"`
	Disabled bool `json:"disabled"`
}

// Scheduler holds the dependency graph and drives the lifecycle manager
// through wave-ordered bulk operations.
type Scheduler struct {
	lc Lifecycle

	mu       sync.Mutex
	specs    map[string]*DependencySpec
	order    []string // declaration order, the stable tie-break
	attempts map[string]int
	disabled map[string]bool
}

func New(lc Lifecycle) *Scheduler {
	return &Scheduler{
		lc:       lc,
		specs:    make(map[string]*DependencySpec),
		attempts: make(map[string]int),
		disabled: make(map[string]bool),
	}
}

// AddDependency inserts or replaces the spec for one agent. The insertion is
// rejected, leaving the graph unchanged, when any of spec.DependsOn can
// already reach spec.Agent through the existing graph.
func (s *Scheduler) AddDependency(spec DependencySpec) error {
	if spec.Agent == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownAgent)
	}
	if spec.Policy == "" {
		spec.Policy = RestartDelayed
	}
	if spec.StartupTimeout <= 0 {
		spec.StartupTimeout = 30 * time.Second
	}
	if spec.MaxRestartAttempts <= 0 {
		spec.MaxRestartAttempts = 3
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dep := range spec.DependsOn {
		if dep == spec.Agent {
			return fmt.Errorf("%w: %s depends on itself", ErrDependencyCycle, spec.Agent)
		}
		if s.reaches(dep, spec.Agent, map[string]bool{}) {
			return fmt.Errorf("%w: %s -> %s", ErrDependencyCycle, spec.Agent, dep)
		}
	}
	if _, ok := s.specs[spec.Agent]; !ok {
		s.order = append(s.order, spec.Agent)
	}
	s.specs[spec.Agent] = &spec
	return nil
}

// reaches walks depends-on edges from 'from' looking for 'target'.
func (s *Scheduler) reaches(from, target string, seen map[string]bool) bool {
	if from == target {
		return true
	}
	if seen[from] {
		return false
	}
	seen[from] = true
	spec, ok := s.specs[from]
	if !ok {
		return false
	}
	for _, dep := range spec.DependsOn {
		if s.reaches(dep, target, seen) {
			return true
		}
	}
	return false
}

// Spec returns a copy of the registered spec for an agent.
func (s *Scheduler) Spec(name string) (DependencySpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.specs[name]
	if !ok {
		return DependencySpec{}, false
	}
	return *spec, true
}

// Graph returns the declared depends-on edges, keyed by agent.
func (s *Scheduler) Graph() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.specs))
	for name, spec := range s.specs {
		out[name] = append([]string(nil), spec.DependsOn...)
	}
	return out
}

// StartupSequence computes the wave plan for the given agents (all registered
// agents when names is empty). Kahn's algorithm; within a wave agents sort by
// descending priority with declaration order as the stable tie-break. Any
// leftover nodes mean the graph holds a cycle and the sequence fails rather
// than emitting a best-effort wave.
func (s *Scheduler) StartupSequence(names ...string) (Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequenceLocked(names)
}

func (s *Scheduler) sequenceLocked(names []string) (Sequence, error) {
	selected := make(map[string]bool)
	if len(names) == 0 {
		for _, n := range s.order {
			selected[n] = true
		}
		names = s.order
	} else {
		for _, n := range names {
			if _, ok := s.specs[n]; !ok {
				return Sequence{}, fmt.Errorf("%w: %s", ErrUnknownAgent, n)
			}
			selected[n] = true
		}
	}

	indeg := make(map[string]int, len(selected))
	declIdx := make(map[string]int, len(selected))
	for i, n := range s.order {
		if selected[n] {
			declIdx[n] = i
		}
	}
	for n := range selected {
		indeg[n] = 0
		for _, dep := range s.specs[n].DependsOn {
			if selected[dep] {
				indeg[n]++
			}
		}
	}

	var seq Sequence
	remaining := len(indeg)
	for remaining > 0 {
		var wave []string
		for n, d := range indeg {
			if d == 0 {
				wave = append(wave, n)
			}
		}
		if len(wave) == 0 {
			return Sequence{}, fmt.Errorf("%w: %d agents unresolvable", ErrDependencyCycle, remaining)
		}
		sort.SliceStable(wave, func(i, j int) bool {
			pi, pj := s.specs[wave[i]].Priority, s.specs[wave[j]].Priority
			if pi != pj {
				return pi > pj
			}
			return declIdx[wave[i]] < declIdx[wave[j]]
		})
		var waveMax time.Duration
		for _, n := range wave {
			delete(indeg, n)
			if t := s.specs[n].StartupTimeout; t > waveMax {
				waveMax = t
			}
		}
		for n := range indeg {
			for _, dep := range s.specs[n].DependsOn {
				if containsStr(wave, dep) {
					indeg[n]--
				}
			}
		}
		seq.Waves = append(seq.Waves, wave)
		seq.Estimated += waveMax
		remaining = len(indeg)
	}
	seq.Total = 0
	for _, w := range seq.Waves {
		seq.Total += len(w)
	}
	return seq, nil
}

func containsStr(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// StartWithDependencies starts agents wave by wave. Agents within a wave
// start concurrently; wave N+1 never starts before wave N completes. A
// failing required agent aborts the remaining waves; other failures are
// recorded in the result map and do not block. The per-agent map is returned
// even on abort so callers see partial results.
func (s *Scheduler) StartWithDependencies(ctx context.Context, names ...string) (map[string]error, error) {
	seq, err := s.StartupSequence(names...)
	if err != nil {
		return nil, err
	}
	results := make(map[string]error, seq.Total)
	var rmu sync.Mutex
	for i, wave := range seq.Waves {
		log.Info().Int("wave", i).Strs("agents", wave).Msg("starting wave")
		var wg sync.WaitGroup
		for _, name := range wave {
			spec, _ := s.Spec(name)
			wg.Add(1)
			go func(name string, spec DependencySpec) {
				defer wg.Done()
				err := s.lc.Start(ctx, name, true, spec.StartupTimeout)
				rmu.Lock()
				results[name] = err
				rmu.Unlock()
			}(name, spec)
		}
		wg.Wait()
		for _, name := range wave {
			spec, _ := s.Spec(name)
			if results[name] != nil && spec.Required {
				log.Error().Str("agent", name).Err(results[name]).Msg("required agent failed, aborting sequence")
				return results, fmt.Errorf("%w: %s: %v", ErrRequiredAgentFailed, name, results[name])
			}
		}
	}
	return results, nil
}

// StopWithDependencies stops all agents in reverse wave order, dependents
// before their dependencies.
func (s *Scheduler) StopWithDependencies(ctx context.Context) map[string]error {
	seq, err := s.StartupSequence()
	if err != nil {
		// A cycle snuck in via bulk reconfiguration; fall back to flat
		// unordered shutdown so processes are not left behind.
		log.Warn().Err(err).Msg("no clean shutdown order, stopping flat")
		seq = Sequence{Waves: [][]string{s.registered()}}
	}
	results := make(map[string]error)
	var rmu sync.Mutex
	for i := len(seq.Waves) - 1; i >= 0; i-- {
		wave := seq.Waves[i]
		log.Info().Int("wave", i).Strs("agents", wave).Msg("stopping wave")
		var wg sync.WaitGroup
		for _, name := range wave {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				err := s.lc.Stop(ctx, name, 10*time.Second)
				rmu.Lock()
				results[name] = err
				rmu.Unlock()
			}(name)
		}
		wg.Wait()
	}
	return results
}

func (s *Scheduler) registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// RestartDelay computes the policy delay for the agent's next restart given
// its current attempt count.
func RestartDelay(spec DependencySpec, attempts int) time.Duration {
	switch spec.Policy {
	case RestartImmediate:
		return 0
	case RestartBackoff:
		return spec.RestartDelay * (1 << attempts)
	default:
		return spec.RestartDelay
	}
}

// HandleFailure consults the agent's restart policy and, when allowed,
// restarts it after the policy delay. Attempts are capped by
// MaxRestartAttempts; once exceeded, automatic restarts stay disabled until
// ResetFailures is called.
func (s *Scheduler) HandleFailure(ctx context.Context, name string) error {
	s.mu.Lock()
	spec, ok := s.specs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	if spec.Policy == RestartManual {
		s.mu.Unlock()
		log.Info().Str("agent", name).Msg("manual restart policy, not restarting")
		return nil
	}
	if s.disabled[name] || s.attempts[name] >= spec.MaxRestartAttempts {
		s.disabled[name] = true
		s.mu.Unlock()
		return fmt.Errorf("%w: %s requires manual intervention", ErrRestartsExhausted, name)
	}
	delay := RestartDelay(*spec, s.attempts[name])
	s.attempts[name]++
	attempt := s.attempts[name]
	s.mu.Unlock()

	if delay > 0 {
		log.Info().Str("agent", name).Dur("delay", delay).Int("attempt", attempt).Msg("delaying restart")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if err := s.lc.Restart(ctx, name); err != nil {
		// Counter stays incremented for the next evaluation.
		log.Warn().Str("agent", name).Int("attempt", attempt).Err(err).Msg("restart failed")
		return err
	}
	s.mu.Lock()
	s.attempts[name] = 0
	s.mu.Unlock()
	log.Info().Str("agent", name).Msg("restart succeeded")
	return nil
}

// ResetFailures clears the attempt counter and re-arms automatic restarts.
func (s *Scheduler) ResetFailures(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[name] = 0
	delete(s.disabled, name)
}

// RestartStatsAll reports attempt bookkeeping for every registered agent.
func (s *Scheduler) RestartStatsAll() map[string]RestartStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RestartStats, len(s.specs))
	for name := range s.specs {
		out[name] = RestartStats{Attempts: s.attempts[name], Disabled: s.disabled[name]}
	}
	return out
}
