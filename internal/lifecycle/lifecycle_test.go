package lifecycle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/fleetd/internal/metrics"
	"github.com/openfleet/fleetd/internal/proc"
)

func newTestManager(specs ...Spec) *Manager {
	return NewManager(proc.New(), metrics.NewSampler(), specs)
}

func sleepSpec(name string) Spec {
	return Spec{Name: name, Command: "/bin/sleep", Args: []string{"60"}, Enabled: true}
}

func TestStartMissingExecutableFailsFast(t *testing.T) {
	m := newTestManager(Spec{Name: "ghost", Command: "/no/such/binary-12345", Enabled: true})

	err := m.Start(context.Background(), "ghost", false, 0)
	assert.ErrorIs(t, err, ErrMissingExecutable)

	info, ok := m.Status("ghost")
	require.True(t, ok)
	assert.Equal(t, StatusError, info.Status)
	assert.Zero(t, info.PID, "no process must have been spawned")
}

func TestStartStopLifecycle(t *testing.T) {
	m := newTestManager(sleepSpec("worker"))
	defer m.Stop(context.Background(), "worker", 2*time.Second)

	require.NoError(t, m.Start(context.Background(), "worker", false, 0))
	info, _ := m.Status("worker")
	assert.Equal(t, StatusRunning, info.Status)
	assert.Positive(t, info.PID)
	assert.True(t, proc.IsRunning(info.PID))
	assert.Equal(t, 1, info.Restarts)

	pid := info.PID
	require.NoError(t, m.Stop(context.Background(), "worker", 2*time.Second))
	info, _ = m.Status("worker")
	assert.Equal(t, StatusStopped, info.Status)
	assert.Zero(t, info.PID)
	assert.True(t, info.StartedAt.IsZero())

	// The process group is gone shortly after.
	deadline := time.Now().Add(2 * time.Second)
	for proc.IsRunning(pid) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	assert.False(t, proc.IsRunning(pid))
}

func TestStopIdempotentWhenStopped(t *testing.T) {
	m := newTestManager(sleepSpec("idle"))
	require.NoError(t, m.Stop(context.Background(), "idle", time.Second))
	require.NoError(t, m.Stop(context.Background(), "idle", time.Second))
	info, _ := m.Status("idle")
	assert.Equal(t, StatusStopped, info.Status)
}

func TestStopClearsStateFromError(t *testing.T) {
	m := newTestManager(Spec{Name: "broken", Command: "/no/such/binary-12345", Enabled: true})
	_ = m.Start(context.Background(), "broken", false, 0)
	info, _ := m.Status("broken")
	require.Equal(t, StatusError, info.Status)

	require.NoError(t, m.Stop(context.Background(), "broken", time.Second))
	info, _ = m.Status("broken")
	assert.Equal(t, StatusStopped, info.Status)
	assert.Zero(t, info.PID)
}

func TestStartUnknownAgent(t *testing.T) {
	m := newTestManager()
	assert.ErrorIs(t, m.Start(context.Background(), "nobody", false, 0), ErrUnknownAgent)
}

func TestStartDisabledAgent(t *testing.T) {
	spec := sleepSpec("off")
	spec.Enabled = false
	m := newTestManager(spec)
	assert.ErrorIs(t, m.Start(context.Background(), "off", false, 0), ErrAgentDisabled)
}

func TestStartWaitsForHealth(t *testing.T) {
	var healthy atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	spec := sleepSpec("web")
	spec.HealthURL = ts.URL
	spec.RequestTimeout = time.Second
	m := newTestManager(spec)
	defer m.Stop(context.Background(), "web", 2*time.Second)

	go func() {
		time.Sleep(1500 * time.Millisecond)
		healthy.Store(true)
	}()
	require.NoError(t, m.Start(context.Background(), "web", true, 10*time.Second))
	info, _ := m.Status("web")
	assert.Equal(t, StatusRunning, info.Status)
	assert.True(t, info.Healthy)
}

func TestStartHealthTimeoutKillsProcess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	spec := sleepSpec("never-ready")
	spec.HealthURL = ts.URL
	spec.RequestTimeout = time.Second
	m := newTestManager(spec)

	err := m.Start(context.Background(), "never-ready", true, 2*time.Second)
	assert.ErrorIs(t, err, ErrStartTimeout)

	info, _ := m.Status("never-ready")
	assert.Equal(t, StatusError, info.Status)
	assert.Zero(t, info.PID, "process must be stopped after the health timeout")
}

func TestStatusNotBlockedByHealthWait(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	spec := sleepSpec("web")
	spec.HealthURL = ts.URL
	spec.RequestTimeout = time.Second
	m := newTestManager(spec)
	defer m.Stop(context.Background(), "web", 2*time.Second)

	started := make(chan error, 1)
	go func() {
		started <- m.Start(context.Background(), "web", true, 4*time.Second)
	}()

	// 500ms in, the start is mid health poll against a server that never
	// turns healthy. Reads must return immediately regardless.
	time.Sleep(500 * time.Millisecond)
	begin := time.Now()
	info, ok := m.Status("web")
	require.True(t, ok)
	assert.Less(t, time.Since(begin), 200*time.Millisecond,
		"Status must not wait for an in-flight start")
	assert.Equal(t, StatusStarting, info.Status)
	assert.Positive(t, info.PID)

	begin = time.Now()
	infos := m.List()
	assert.Less(t, time.Since(begin), 200*time.Millisecond,
		"List must not wait for an in-flight start")
	require.Len(t, infos, 1)

	assert.ErrorIs(t, <-started, ErrStartTimeout)
}

func TestListNotBlockedByRestartSettle(t *testing.T) {
	m := newTestManager(sleepSpec("worker"))
	defer m.Stop(context.Background(), "worker", 2*time.Second)
	require.NoError(t, m.Start(context.Background(), "worker", false, 0))

	done := make(chan error, 1)
	go func() {
		done <- m.Restart(context.Background(), "worker")
	}()

	// Inside the stop-then-settle window of the restart.
	time.Sleep(300 * time.Millisecond)
	begin := time.Now()
	_ = m.List()
	assert.Less(t, time.Since(begin), 200*time.Millisecond,
		"List must not wait for an in-flight restart")

	require.NoError(t, <-done)
	info, _ := m.Status("worker")
	assert.Equal(t, StatusRunning, info.Status)
}

func TestCheckHealthTransitions(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusOK)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(code.Load()))
	}))
	defer ts.Close()

	spec := sleepSpec("svc")
	spec.HealthURL = ts.URL
	spec.RequestTimeout = time.Second
	m := newTestManager(spec)
	defer m.Stop(context.Background(), "svc", 2*time.Second)

	require.NoError(t, m.Start(context.Background(), "svc", true, 5*time.Second))

	// Repeated healthy checks keep Running and only move the timestamp.
	ok, err := m.CheckHealth(context.Background(), "svc")
	require.NoError(t, err)
	assert.True(t, ok)
	first, _ := m.Status("svc")

	time.Sleep(20 * time.Millisecond)
	ok, err = m.CheckHealth(context.Background(), "svc")
	require.NoError(t, err)
	assert.True(t, ok)
	second, _ := m.Status("svc")
	assert.Equal(t, StatusRunning, second.Status)
	assert.True(t, second.LastHealthAt.After(first.LastHealthAt))

	// Failure: Running -> Error with the reason recorded.
	code.Store(http.StatusInternalServerError)
	ok, err = m.CheckHealth(context.Background(), "svc")
	require.NoError(t, err)
	assert.False(t, ok)
	info, _ := m.Status("svc")
	assert.Equal(t, StatusError, info.Status)
	assert.NotEmpty(t, info.LastError)

	// Recovery: Error -> Running.
	code.Store(http.StatusOK)
	ok, err = m.CheckHealth(context.Background(), "svc")
	require.NoError(t, err)
	assert.True(t, ok)
	info, _ = m.Status("svc")
	assert.Equal(t, StatusRunning, info.Status)
	assert.Empty(t, info.LastError)
}

func TestCollectMetricsNoProcess(t *testing.T) {
	m := newTestManager(sleepSpec("cold"))
	_, ok := m.CollectMetrics(context.Background(), "cold")
	assert.False(t, ok)
}

func TestCollectMetricsRunning(t *testing.T) {
	m := newTestManager(sleepSpec("hot"))
	defer m.Stop(context.Background(), "hot", 2*time.Second)
	require.NoError(t, m.Start(context.Background(), "hot", false, 0))

	sample, ok := m.CollectMetrics(context.Background(), "hot")
	require.True(t, ok)
	assert.Positive(t, sample.PID)
	assert.False(t, sample.Timestamp.IsZero())
}

func TestHealthScoreBounds(t *testing.T) {
	m := newTestManager(sleepSpec("scored"))
	score := m.HealthScore("scored")
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
	// Never checked: the missing-health penalty applies.
	assert.InDelta(t, 0.9, score, 0.001)
}

func TestHealthScorePenalizesRestarts(t *testing.T) {
	m := newTestManager(sleepSpec("flappy"))
	defer m.Stop(context.Background(), "flappy", 2*time.Second)
	base := m.HealthScore("flappy")
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Start(context.Background(), "flappy", false, 0))
		require.NoError(t, m.Stop(context.Background(), "flappy", 2*time.Second))
	}
	assert.Less(t, m.HealthScore("flappy"), base)
}

func TestAdoptRecordsPID(t *testing.T) {
	m := newTestManager(sleepSpec("orphan"))
	defer m.Stop(context.Background(), "orphan", 2*time.Second)

	// Spawn a process outside the manager, then adopt its PID.
	other := newTestManager(sleepSpec("orphan"))
	require.NoError(t, other.Start(context.Background(), "orphan", false, 0))
	info, _ := other.Status("orphan")

	m.Adopt("orphan", info.PID, 2)
	adopted, _ := m.Status("orphan")
	assert.Equal(t, StatusRunning, adopted.Status)
	assert.Equal(t, info.PID, adopted.PID)
	assert.Equal(t, 2, adopted.Restarts)

	// Stop must reach the process through the remembered PID.
	require.NoError(t, m.Stop(context.Background(), "orphan", 2*time.Second))
	deadline := time.Now().Add(2 * time.Second)
	for proc.IsRunning(info.PID) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	assert.False(t, proc.IsRunning(info.PID))
}
