// Package state persists a small JSON snapshot of the agent table so a
// restarted orchestrator can find and reap processes from its previous life.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

type AgentSnapshot struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	PID      int    `json:"pid"`
	Restarts int    `json:"restarts"`
	Healthy  bool   `json:"healthy"`
}

type Snapshot struct {
	SavedAt time.Time       `json:"saved_at"`
	Agents  []AgentSnapshot `json:"agents"`
}

func Save(dir string, snap Snapshot) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "snapshot.json")
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func Load(dir string) (Snapshot, error) {
	var snap Snapshot
	b, err := os.ReadFile(filepath.Join(dir, "snapshot.json"))
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(b, &snap); err != nil {
		return snap, err
	}
	return snap, nil
}
