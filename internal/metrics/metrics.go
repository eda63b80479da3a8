package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once       sync.Once
	agentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetd",
			Subsystem: "agent",
			Name:      "state",
			Help:      "Agent state gauge (1 for current state).",
		},
		[]string{"name", "state"},
	)
	agentRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "agent",
			Name:      "restarts_total",
			Help:      "Number of restarts for the agent.",
		},
		[]string{"name"},
	)
	agentHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetd",
			Subsystem: "agent",
			Name:      "healthy",
			Help:      "Agent health (1 healthy, 0 unhealthy).",
		},
		[]string{"name"},
	)
	agentCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "fleetd", Subsystem: "agent", Name: "cpu_percent", Help: "Agent CPU percent"},
		[]string{"name"},
	)
	agentRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "fleetd", Subsystem: "agent", Name: "memory_rss_bytes", Help: "Agent RSS bytes"},
		[]string{"name"},
	)
	activeAlerts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetd",
			Subsystem: "monitor",
			Name:      "active_alerts",
			Help:      "Active resource alerts per agent.",
		},
		[]string{"name"},
	)
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(agentState, agentRestarts, agentHealthy, agentCPU, agentRSS, activeAlerts)
	})
}

// ObserveAgentState sets the gauge for the given agent's current state to 1
// and clears the other known states.
func ObserveAgentState(name, state string) {
	for _, s := range []string{"stopped", "starting", "running", "stopping", "error"} {
		v := 0.0
		if s == state {
			v = 1
		}
		agentState.WithLabelValues(name, s).Set(v)
	}
}

func IncRestarts(name string) { agentRestarts.WithLabelValues(name).Inc() }

func SetHealthy(name string, healthy bool) {
	if healthy {
		agentHealthy.WithLabelValues(name).Set(1)
	} else {
		agentHealthy.WithLabelValues(name).Set(0)
	}
}

func SetProcessUsage(name string, cpuPercent float64, rssBytes uint64) {
	agentCPU.WithLabelValues(name).Set(cpuPercent)
	agentRSS.WithLabelValues(name).Set(float64(rssBytes))
}

func SetActiveAlerts(name string, n int) { activeAlerts.WithLabelValues(name).Set(float64(n)) }
