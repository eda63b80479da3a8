package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	toml "github.com/pelletier/go-toml/v2"
)

// Resolved configuration with parsed durations. Built once by Load; nothing
// here is mutated at runtime.
type Config struct {
	HTTPAddr        string
	StateDir        string
	MinAgentVersion string
	Agents          []Agent
	Dependencies    []Dependency
	Thresholds      map[string]Threshold
	Monitor         Monitor
	Notify          Notify
}

// Agent describes one managed worker process.
type Agent struct {
	Name           string
	Command        string
	Args           []string
	Dir            string
	BaseURL        string
	Port           int
	HealthPath     string
	RequestTimeout time.Duration
	HealthInterval time.Duration
	MaxRetries     int
	Version        string
	Enabled        bool
}

// Dependency describes startup ordering and restart policy for one agent.
type Dependency struct {
	Agent              string
	DependsOn          []string
	Required           bool
	Priority           int
	StartupTimeout     time.Duration
	RestartPolicy      string
	MaxRestartAttempts int
	RestartDelay       time.Duration
}

// Threshold holds alert levels for one resource type. Levels are percentages
// for cpu and memory, MB/s for disk_io and network_io.
type Threshold struct {
	Warning       float64
	Critical      float64
	Emergency     float64
	CheckInterval time.Duration
	Action        string
}

type Monitor struct {
	Interval       time.Duration
	HistorySize    int
	AlertRetention time.Duration
}

type Notify struct {
	NATSURL     string
	NATSSubject string
	WebhookURL  string
}

// TOML file shapes. Durations arrive as strings ("30s", "5m") and are parsed
// during resolution.
type fileConfig struct {
	Orchestrator fileOrchestrator         `toml:"orchestrator"`
	Agents       []fileAgent              `toml:"agents"`
	Dependencies []fileDependency         `toml:"dependencies"`
	Thresholds   map[string]fileThreshold `toml:"thresholds"`
	Monitor      fileMonitor              `toml:"monitor"`
	Notify       fileNotify               `toml:"notify"`
}

type fileOrchestrator struct {
	HTTPAddr        string `toml:"http_addr"`
	StateDir        string `toml:"state_dir"`
	MinAgentVersion string `toml:"min_agent_version"`
}

type fileAgent struct {
	Name           string   `toml:"name"`
	Command        string   `toml:"command"`
	Args           []string `toml:"args"`
	Dir            string   `toml:"dir"`
	BaseURL        string   `toml:"base_url"`
	Port           int      `toml:"port"`
	HealthPath     string   `toml:"health_path"`
	RequestTimeout string   `toml:"request_timeout"`
	HealthInterval string   `toml:"health_interval"`
	MaxRetries     int      `toml:"max_retries"`
	Version        string   `toml:"version"`
	Enabled        *bool    `toml:"enabled"`
}

type fileDependency struct {
	Agent              string   `toml:"agent"`
	DependsOn          []string `toml:"depends_on"`
	Required           bool     `toml:"required"`
	Priority           int      `toml:"priority"`
	StartupTimeout     string   `toml:"startup_timeout"`
	RestartPolicy      string   `toml:"restart_policy"`
	MaxRestartAttempts int      `toml:"max_restart_attempts"`
	RestartDelay       string   `toml:"restart_delay"`
}

type fileThreshold struct {
	Warning       float64 `toml:"warning"`
	Critical      float64 `toml:"critical"`
	Emergency     float64 `toml:"emergency"`
	CheckInterval string  `toml:"check_interval"`
	Action        string  `toml:"action"`
}

type fileMonitor struct {
	Interval       string `toml:"interval"`
	HistorySize    int    `toml:"history_size"`
	AlertRetention string `toml:"alert_retention"`
}

type fileNotify struct {
	NATSURL     string `toml:"nats_url"`
	NATSSubject string `toml:"nats_subject"`
	WebhookURL  string `toml:"webhook_url"`
}

var validPolicies = map[string]bool{"immediate": true, "delayed": true, "backoff": true, "manual": true}
var validActions = map[string]bool{"throttle": true, "restart": true, "alert_only": true}
var validResources = map[string]bool{"cpu": true, "memory": true, "disk_io": true, "network_io": true}

// Load reads a TOML configuration file, validates it against the schema and
// the typed rules, and returns the resolved configuration.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes and validates raw TOML configuration bytes.
func Parse(b []byte) (*Config, error) {
	var fc fileConfig
	if err := toml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	var generic map[string]any
	if err := toml.Unmarshal(b, &generic); err == nil {
		if err := validateConfigMap(generic); err != nil {
			return nil, fmt.Errorf("config schema: %w", err)
		}
	}
	return resolve(fc)
}

func resolve(fc fileConfig) (*Config, error) {
	cfg := &Config{
		HTTPAddr:        defaultString(fc.Orchestrator.HTTPAddr, ":8080"),
		StateDir:        defaultString(fc.Orchestrator.StateDir, "runtime/state"),
		MinAgentVersion: fc.Orchestrator.MinAgentVersion,
		Thresholds:      map[string]Threshold{},
	}

	var constraint *semver.Constraints
	if cfg.MinAgentVersion != "" {
		c, err := semver.NewConstraint(">= " + cfg.MinAgentVersion)
		if err != nil {
			return nil, fmt.Errorf("orchestrator.min_agent_version %q: %w", cfg.MinAgentVersion, err)
		}
		constraint = c
	}

	seen := map[string]bool{}
	for i, fa := range fc.Agents {
		if fa.Name == "" {
			return nil, fmt.Errorf("agents[%d]: missing name", i)
		}
		if seen[fa.Name] {
			return nil, fmt.Errorf("agents[%d]: duplicate name %q", i, fa.Name)
		}
		seen[fa.Name] = true
		if fa.Command == "" {
			return nil, fmt.Errorf("agent %q: missing command", fa.Name)
		}
		a := Agent{
			Name:       fa.Name,
			Command:    fa.Command,
			Args:       fa.Args,
			Dir:        fa.Dir,
			BaseURL:    fa.BaseURL,
			Port:       fa.Port,
			HealthPath: defaultString(fa.HealthPath, "/health"),
			MaxRetries: fa.MaxRetries,
			Version:    fa.Version,
			Enabled:    fa.Enabled == nil || *fa.Enabled,
		}
		var err error
		if a.RequestTimeout, err = parseDuration(fa.RequestTimeout, 5*time.Second); err != nil {
			return nil, fmt.Errorf("agent %q: request_timeout: %w", fa.Name, err)
		}
		if a.HealthInterval, err = parseDuration(fa.HealthInterval, 30*time.Second); err != nil {
			return nil, fmt.Errorf("agent %q: health_interval: %w", fa.Name, err)
		}
		if a.Version != "" {
			v, err := semver.NewVersion(a.Version)
			if err != nil {
				return nil, fmt.Errorf("agent %q: version %q: %w", fa.Name, fa.Version, err)
			}
			if constraint != nil && !constraint.Check(v) {
				return nil, fmt.Errorf("agent %q: version %s below minimum %s", fa.Name, fa.Version, cfg.MinAgentVersion)
			}
		}
		cfg.Agents = append(cfg.Agents, a)
	}

	for i, fd := range fc.Dependencies {
		if fd.Agent == "" {
			return nil, fmt.Errorf("dependencies[%d]: missing agent", i)
		}
		if !seen[fd.Agent] {
			return nil, fmt.Errorf("dependencies[%d]: unknown agent %q", i, fd.Agent)
		}
		for _, dep := range fd.DependsOn {
			if !seen[dep] {
				return nil, fmt.Errorf("dependency for %q: unknown agent %q", fd.Agent, dep)
			}
		}
		policy := defaultString(fd.RestartPolicy, "delayed")
		if !validPolicies[policy] {
			return nil, fmt.Errorf("dependency for %q: unknown restart_policy %q", fd.Agent, policy)
		}
		d := Dependency{
			Agent:              fd.Agent,
			DependsOn:          fd.DependsOn,
			Required:           fd.Required,
			Priority:           fd.Priority,
			RestartPolicy:      policy,
			MaxRestartAttempts: fd.MaxRestartAttempts,
		}
		if d.MaxRestartAttempts == 0 {
			d.MaxRestartAttempts = 3
		}
		var err error
		if d.StartupTimeout, err = parseDuration(fd.StartupTimeout, 30*time.Second); err != nil {
			return nil, fmt.Errorf("dependency for %q: startup_timeout: %w", fd.Agent, err)
		}
		if d.RestartDelay, err = parseDuration(fd.RestartDelay, 5*time.Second); err != nil {
			return nil, fmt.Errorf("dependency for %q: restart_delay: %w", fd.Agent, err)
		}
		cfg.Dependencies = append(cfg.Dependencies, d)
	}

	for res, ft := range fc.Thresholds {
		if !validResources[res] {
			return nil, fmt.Errorf("thresholds: unknown resource %q", res)
		}
		action := ft.Action
		if action == "" {
			// Throttling cannot reclaim memory, so memory mitigates by restart.
			if res == "memory" {
				action = "restart"
			} else {
				action = "alert_only"
			}
		}
		if !validActions[action] {
			return nil, fmt.Errorf("thresholds.%s: unknown action %q", res, action)
		}
		if !(ft.Warning < ft.Critical && ft.Critical < ft.Emergency) {
			return nil, fmt.Errorf("thresholds.%s: levels must increase (warning < critical < emergency)", res)
		}
		t := Threshold{Warning: ft.Warning, Critical: ft.Critical, Emergency: ft.Emergency, Action: action}
		var err error
		if t.CheckInterval, err = parseDuration(ft.CheckInterval, 30*time.Second); err != nil {
			return nil, fmt.Errorf("thresholds.%s: check_interval: %w", res, err)
		}
		cfg.Thresholds[res] = t
	}

	var err error
	if cfg.Monitor.Interval, err = parseDuration(fc.Monitor.Interval, 30*time.Second); err != nil {
		return nil, fmt.Errorf("monitor.interval: %w", err)
	}
	if cfg.Monitor.AlertRetention, err = parseDuration(fc.Monitor.AlertRetention, 24*time.Hour); err != nil {
		return nil, fmt.Errorf("monitor.alert_retention: %w", err)
	}
	cfg.Monitor.HistorySize = fc.Monitor.HistorySize
	if cfg.Monitor.HistorySize <= 0 {
		cfg.Monitor.HistorySize = 120
	}
	cfg.Notify = Notify(fc.Notify)

	if len(cfg.Agents) == 0 {
		return nil, errors.New("no agents configured")
	}
	return cfg, nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
