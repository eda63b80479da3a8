package monitor

import (
	"time"

	"github.com/google/uuid"
)

// Resource identifies a monitored resource type.
type Resource string

const (
	ResourceCPU       Resource = "cpu"
	ResourceMemory    Resource = "memory"
	ResourceDiskIO    Resource = "disk_io"
	ResourceNetworkIO Resource = "network_io"
)

// Severity levels, ordered weakest to strongest.
type Severity string

const (
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

func (s Severity) rank() int {
	switch s {
	case SeverityEmergency:
		return 3
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// Action is the mitigation run when a critical/emergency threshold trips.
type Action string

const (
	ActionThrottle  Action = "throttle"
	ActionRestart   Action = "restart"
	ActionAlertOnly Action = "alert_only"
)

// Alert records one threshold crossing.
type Alert struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Agent      string    `json:"agent"`
	Resource   Resource  `json:"resource"`
	Severity   Severity  `json:"severity"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	Message    string    `json:"message"`
	Resolved   bool      `json:"resolved"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
	Resolution string    `json:"resolution,omitempty"`
}

func newAlert(agent string, res Resource, sev Severity, value, threshold float64, msg string) *Alert {
	return &Alert{
		ID:        uuid.NewString(),
		Time:      time.Now(),
		Agent:     agent,
		Resource:  res,
		Severity:  sev,
		Value:     value,
		Threshold: threshold,
		Message:   msg,
	}
}

type alertKey struct {
	agent    string
	resource Resource
}

// Active returns unresolved alerts, newest first.
func (m *Monitor) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	sortAlerts(out)
	return out
}

// History returns all retained alerts, resolved included, newest first.
func (m *Monitor) History() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.history))
	for i, a := range m.history {
		out[i] = *a
	}
	sortAlerts(out)
	return out
}

func sortAlerts(xs []Alert) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j].Time.After(xs[j-1].Time); j-- {
			xs[j], xs[j-1] = xs[j-1], xs[j]
		}
	}
}

// Resolve marks an active alert resolved by ID. Used by operators; the
// monitor itself resolves alerts when the severity changes or the value
// drops below every level.
func (m *Monitor) Resolve(id, note string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, a := range m.active {
		if a.ID == id {
			m.resolveLocked(key, note)
			return true
		}
	}
	return false
}

func (m *Monitor) resolveLocked(key alertKey, note string) {
	a, ok := m.active[key]
	if !ok {
		return
	}
	a.Resolved = true
	a.ResolvedAt = time.Now()
	a.Resolution = note
	delete(m.active, key)
}

// pruneLocked drops history entries older than the retention window.
func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.retention)
	kept := m.history[:0]
	for _, a := range m.history {
		if a.Time.After(cutoff) {
			kept = append(kept, a)
		}
	}
	m.history = kept
}
