package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfleet/fleetd/internal/lifecycle"
	"github.com/openfleet/fleetd/internal/scheduler"
)

// Router returns the HTTP handler for the local control and query API.
func (o *Orchestrator) Router() http.Handler {
	mux := http.NewServeMux()

	// Liveness probe
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":   "ok",
			"uptime":   time.Since(o.start).String(),
			"closed":   o.closed.Load(),
			"time_utc": time.Now().UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("/v1/agents", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, o.lm.List())
	})

	// Per-agent control:
	// - POST /v1/agents/{name}:start
	// - POST /v1/agents/{name}:stop
	// - POST /v1/agents/{name}:restart
	// - POST /v1/agents/{name}:reset-failures
	mux.HandleFunc("/v1/agents/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/v1/agents/")
		name, action, ok := strings.Cut(path, ":")
		name = strings.Trim(name, "/")
		if !ok || name == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var err error
		switch action {
		case "start":
			err = o.lm.Start(r.Context(), name, true, 0)
		case "stop":
			err = o.lm.Stop(r.Context(), name, 0)
		case "restart":
			err = o.lm.Restart(r.Context(), name)
		case "reset-failures":
			o.sched.ResetFailures(name)
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/v1/sequence", func(w http.ResponseWriter, r *http.Request) {
		seq, err := o.sched.StartupSequence()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{
			"waves":     seq.Waves,
			"total":     seq.Total,
			"estimated": seq.Estimated.String(),
		})
	})

	mux.HandleFunc("/v1/graph", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, o.sched.Graph())
	})

	mux.HandleFunc("/v1/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		// Bulk start runs detached from the request so slow waves do not
		// tie the response to the client connection.
		results, err := o.sched.StartWithDependencies(context.Background())
		writeResults(w, results, err)
	})

	mux.HandleFunc("/v1/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		results := o.sched.StopWithDependencies(context.Background())
		writeResults(w, results, nil)
	})

	mux.HandleFunc("/v1/alerts", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("active") == "1" {
			writeJSON(w, o.mon.Active())
			return
		}
		writeJSON(w, o.mon.History())
	})

	// POST /v1/alerts/{id}:resolve with an optional {"note": "..."} body.
	mux.HandleFunc("/v1/alerts/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/v1/alerts/")
		id, action, ok := strings.Cut(path, ":")
		if !ok || id == "" || action != "resolve" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body struct {
			Note string `json:"note"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if !o.mon.Resolve(id, body.Note) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/v1/summary", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, o.mon.Summary())
	})

	mux.HandleFunc("/v1/recommendations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, o.mon.Recommendations())
	})

	mux.HandleFunc("/v1/restarts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, o.sched.RestartStatsAll())
	})

	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusConflict
	if errors.Is(err, lifecycle.ErrUnknownAgent) || errors.Is(err, scheduler.ErrUnknownAgent) {
		code = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// writeResults encodes a per-agent result map; null means success.
func writeResults(w http.ResponseWriter, results map[string]error, err error) {
	agents := make(map[string]any, len(results))
	for name, e := range results {
		if e != nil {
			agents[name] = e.Error()
		} else {
			agents[name] = nil
		}
	}
	body := map[string]any{"agents": agents}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, body)
}
