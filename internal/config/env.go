package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// LoadEnvFile reads a .env-style file into the process environment. Comment
// lines ('#') and blanks are skipped, an "export " prefix is tolerated, and
// single or double quotes around the value are stripped. Variables already
// present in the environment win unless override is set.
func LoadEnvFile(path string, override bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := parseEnvLine(sc.Text())
		if !ok {
			continue
		}
		if !override {
			if _, exists := os.LookupEnv(key); exists {
				continue
			}
		}
		_ = os.Setenv(key, val)
	}
	return sc.Err()
}

func parseEnvLine(raw string) (key, val string, ok bool) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if len(val) >= 2 {
		first, last := val[0], val[len(val)-1]
		if first == last && (first == '"' || first == '\'') {
			val = val[1 : len(val)-1]
		}
	}
	return key, val, true
}

// LoadEnvDefault loads .env from the working directory and from the binary's
// directory, in that order, without overriding anything already set. Missing
// files are ignored.
func LoadEnvDefault() {
	var dirs []string
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	for _, dir := range dirs {
		p := filepath.Join(dir, ".env")
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			_ = LoadEnvFile(p, false)
		}
	}
}

// ApplyEnvOverrides lets deployment environments adjust a few addresses
// without editing the config file. FLEETD_HTTP_ADDR, FLEETD_STATE_DIR,
// FLEETD_NATS_URL and FLEETD_WEBHOOK_URL override their file counterparts.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEETD_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("FLEETD_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("FLEETD_NATS_URL"); v != "" {
		cfg.Notify.NATSURL = v
	}
	if v := os.Getenv("FLEETD_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
}
