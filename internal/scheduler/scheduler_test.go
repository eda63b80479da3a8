package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLifecycle struct {
	mu        sync.Mutex
	started   []string
	stopped   []string
	restarted []string
	startErr  map[string]error
	restErr   map[string]error
}

func (f *fakeLifecycle) Start(ctx context.Context, name string, wait bool, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.startErr[name]; err != nil {
		return err
	}
	f.started = append(f.started, name)
	return nil
}

func (f *fakeLifecycle) Stop(ctx context.Context, name string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeLifecycle) Restart(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.restErr[name]; err != nil {
		return err
	}
	f.restarted = append(f.restarted, name)
	return nil
}

func (f *fakeLifecycle) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarted)
}

func newTestScheduler(t *testing.T, specs ...DependencySpec) (*Scheduler, *fakeLifecycle) {
	t.Helper()
	lc := &fakeLifecycle{startErr: map[string]error{}, restErr: map[string]error{}}
	s := New(lc)
	for _, spec := range specs {
		require.NoError(t, s.AddDependency(spec))
	}
	return s, lc
}

func TestStartupSequenceWaves(t *testing.T) {
	// A, B depends on A, C depends on A and B.
	s, _ := newTestScheduler(t,
		DependencySpec{Agent: "A", StartupTimeout: 10 * time.Second},
		DependencySpec{Agent: "B", DependsOn: []string{"A"}, StartupTimeout: 20 * time.Second},
		DependencySpec{Agent: "C", DependsOn: []string{"A", "B"}, StartupTimeout: 30 * time.Second},
	)
	seq, err := s.StartupSequence()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A"}, {"B"}, {"C"}}, seq.Waves)
	assert.Equal(t, 3, seq.Total)
	assert.Equal(t, 60*time.Second, seq.Estimated)
}

func TestStartupSequencePriorityOrder(t *testing.T) {
	s, _ := newTestScheduler(t,
		DependencySpec{Agent: "A"},
		DependencySpec{Agent: "Y", DependsOn: []string{"A"}, Priority: 50},
		DependencySpec{Agent: "X", DependsOn: []string{"A"}, Priority: 90},
	)
	seq, err := s.StartupSequence()
	require.NoError(t, err)
	require.Len(t, seq.Waves, 2)
	assert.Equal(t, []string{"X", "Y"}, seq.Waves[1])
}

func TestStartupSequencePriorityTieUsesDeclarationOrder(t *testing.T) {
	s, _ := newTestScheduler(t,
		DependencySpec{Agent: "first", Priority: 10},
		DependencySpec{Agent: "second", Priority: 10},
		DependencySpec{Agent: "third", Priority: 20},
	)
	seq, err := s.StartupSequence()
	require.NoError(t, err)
	assert.Equal(t, []string{"third", "first", "second"}, seq.Waves[0])
}

func TestStartupSequenceEstimateUsesWaveMax(t *testing.T) {
	s, _ := newTestScheduler(t,
		DependencySpec{Agent: "A", StartupTimeout: 10 * time.Second},
		DependencySpec{Agent: "B", StartupTimeout: 25 * time.Second},
	)
	seq, err := s.StartupSequence()
	require.NoError(t, err)
	require.Len(t, seq.Waves, 1)
	assert.Equal(t, 25*time.Second, seq.Estimated)
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	s, _ := newTestScheduler(t,
		DependencySpec{Agent: "A"},
		DependencySpec{Agent: "B", DependsOn: []string{"A"}},
	)
	before := s.Graph()

	err := s.AddDependency(DependencySpec{Agent: "A", DependsOn: []string{"B"}})
	assert.ErrorIs(t, err, ErrDependencyCycle)
	assert.Equal(t, before, s.Graph(), "graph must be unchanged after a rejected insert")
}

func TestAddDependencyRejectsSelfCycle(t *testing.T) {
	s, _ := newTestScheduler(t)
	err := s.AddDependency(DependencySpec{Agent: "A", DependsOn: []string{"A"}})
	assert.ErrorIs(t, err, ErrDependencyCycle)
}

func TestAddDependencyRejectsTransitiveCycle(t *testing.T) {
	s, _ := newTestScheduler(t,
		DependencySpec{Agent: "A"},
		DependencySpec{Agent: "B", DependsOn: []string{"A"}},
		DependencySpec{Agent: "C", DependsOn: []string{"B"}},
	)
	err := s.AddDependency(DependencySpec{Agent: "A", DependsOn: []string{"C"}})
	assert.ErrorIs(t, err, ErrDependencyCycle)
}

func TestStartWithDependenciesOrder(t *testing.T) {
	s, lc := newTestScheduler(t,
		DependencySpec{Agent: "A"},
		DependencySpec{Agent: "B", DependsOn: []string{"A"}},
	)
	results, err := s.StartWithDependencies(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, []string{"A", "B"}, lc.started)
}

func TestStartWithDependenciesRequiredFailureAborts(t *testing.T) {
	s, lc := newTestScheduler(t,
		DependencySpec{Agent: "A", Required: true},
		DependencySpec{Agent: "B", DependsOn: []string{"A"}},
	)
	lc.startErr["A"] = errors.New("boom")

	results, err := s.StartWithDependencies(context.Background())
	assert.ErrorIs(t, err, ErrRequiredAgentFailed)
	assert.Error(t, results["A"])
	assert.NotContains(t, lc.started, "B", "B must not start after a required failure")
}

func TestStartWithDependenciesOptionalFailureContinues(t *testing.T) {
	s, lc := newTestScheduler(t,
		DependencySpec{Agent: "A"},
		DependencySpec{Agent: "B", DependsOn: []string{"A"}},
	)
	lc.startErr["A"] = errors.New("boom")

	results, err := s.StartWithDependencies(context.Background())
	require.NoError(t, err)
	assert.Error(t, results["A"])
	assert.Contains(t, lc.started, "B")
}

func TestStopWithDependenciesReversesOrder(t *testing.T) {
	s, lc := newTestScheduler(t,
		DependencySpec{Agent: "A"},
		DependencySpec{Agent: "B", DependsOn: []string{"A"}},
	)
	results := s.StopWithDependencies(context.Background())
	assert.Len(t, results, 2)
	assert.Equal(t, []string{"B", "A"}, lc.stopped, "dependents stop before dependencies")
}

func TestRestartDelayPolicies(t *testing.T) {
	base := 5 * time.Second
	cases := []struct {
		policy   RestartPolicy
		attempts int
		want     time.Duration
	}{
		{RestartImmediate, 0, 0},
		{RestartImmediate, 4, 0},
		{RestartDelayed, 0, base},
		{RestartDelayed, 3, base},
		{RestartBackoff, 0, 5 * time.Second},
		{RestartBackoff, 1, 10 * time.Second},
		{RestartBackoff, 2, 20 * time.Second},
	}
	for _, c := range cases {
		spec := DependencySpec{Policy: c.policy, RestartDelay: base}
		assert.Equal(t, c.want, RestartDelay(spec, c.attempts), "policy=%s attempts=%d", c.policy, c.attempts)
	}
}

func TestHandleFailureManualNeverRestarts(t *testing.T) {
	s, lc := newTestScheduler(t,
		DependencySpec{Agent: "A", Policy: RestartManual, MaxRestartAttempts: 3},
	)
	require.NoError(t, s.HandleFailure(context.Background(), "A"))
	assert.Zero(t, lc.restartCount())
}

func TestHandleFailureCapsAttempts(t *testing.T) {
	s, lc := newTestScheduler(t,
		DependencySpec{Agent: "A", Policy: RestartImmediate, MaxRestartAttempts: 3},
	)
	lc.restErr["A"] = errors.New("still broken")

	for i := 0; i < 3; i++ {
		assert.Error(t, s.HandleFailure(context.Background(), "A"))
	}
	err := s.HandleFailure(context.Background(), "A")
	assert.ErrorIs(t, err, ErrRestartsExhausted)

	stats := s.RestartStatsAll()["A"]
	assert.Equal(t, 3, stats.Attempts)
	assert.True(t, stats.Disabled)
}

func TestHandleFailureSuccessResetsAttempts(t *testing.T) {
	s, lc := newTestScheduler(t,
		DependencySpec{Agent: "A", Policy: RestartImmediate, MaxRestartAttempts: 3},
	)
	lc.restErr["A"] = errors.New("still broken")
	assert.Error(t, s.HandleFailure(context.Background(), "A"))
	assert.Equal(t, 1, s.RestartStatsAll()["A"].Attempts)

	delete(lc.restErr, "A")
	require.NoError(t, s.HandleFailure(context.Background(), "A"))
	assert.Equal(t, 0, s.RestartStatsAll()["A"].Attempts)
	assert.Equal(t, 1, lc.restartCount())
}

func TestResetFailuresReArms(t *testing.T) {
	s, lc := newTestScheduler(t,
		DependencySpec{Agent: "A", Policy: RestartImmediate, MaxRestartAttempts: 1},
	)
	lc.restErr["A"] = errors.New("down")
	assert.Error(t, s.HandleFailure(context.Background(), "A"))
	assert.ErrorIs(t, s.HandleFailure(context.Background(), "A"), ErrRestartsExhausted)

	s.ResetFailures("A")
	delete(lc.restErr, "A")
	require.NoError(t, s.HandleFailure(context.Background(), "A"))
}

func TestHandleFailureUnknownAgent(t *testing.T) {
	s, _ := newTestScheduler(t)
	assert.ErrorIs(t, s.HandleFailure(context.Background(), "ghost"), ErrUnknownAgent)
}
