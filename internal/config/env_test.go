package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvLine(t *testing.T) {
	cases := []struct {
		in       string
		key, val string
		ok       bool
	}{
		{"FOO=bar", "FOO", "bar", true},
		{"  FOO = bar ", "FOO", "bar", true},
		{`FOO="two words"`, "FOO", "two words", true},
		{"FOO='single'", "FOO", "single", true},
		{"export FOO=bar", "FOO", "bar", true},
		{"FOO=", "FOO", "", true},
		{"# comment", "", "", false},
		{"", "", "", false},
		{"no-equals-sign", "", "", false},
		{"=value", "", "", false},
	}
	for _, tc := range cases {
		key, val, ok := parseEnvLine(tc.in)
		assert.Equal(t, tc.ok, ok, "input %q", tc.in)
		if tc.ok {
			assert.Equal(t, tc.key, key, "input %q", tc.in)
			assert.Equal(t, tc.val, val, "input %q", tc.in)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(`
# settings
ENVTEST_A=one
export ENVTEST_B="two words"
ENVTEST_EXISTING=from_file
`), 0o644))

	t.Setenv("ENVTEST_EXISTING", "from_env")
	t.Setenv("ENVTEST_A", "")
	os.Unsetenv("ENVTEST_A")
	t.Setenv("ENVTEST_B", "")
	os.Unsetenv("ENVTEST_B")

	require.NoError(t, LoadEnvFile(path, false))
	assert.Equal(t, "one", os.Getenv("ENVTEST_A"))
	assert.Equal(t, "two words", os.Getenv("ENVTEST_B"))
	assert.Equal(t, "from_env", os.Getenv("ENVTEST_EXISTING"))

	require.NoError(t, LoadEnvFile(path, true))
	assert.Equal(t, "from_file", os.Getenv("ENVTEST_EXISTING"))
}

func TestLoadEnvFileMissing(t *testing.T) {
	assert.Error(t, LoadEnvFile(filepath.Join(t.TempDir(), "nope.env"), false))
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := &Config{HTTPAddr: ":8080", StateDir: "runtime/state"}
	t.Setenv("FLEETD_HTTP_ADDR", ":7070")
	t.Setenv("FLEETD_STATE_DIR", "/tmp/fleet-state")
	t.Setenv("FLEETD_NATS_URL", "nats://example:4222")
	ApplyEnvOverrides(cfg)
	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, "/tmp/fleet-state", cfg.StateDir)
	assert.Equal(t, "nats://example:4222", cfg.Notify.NATSURL)
	assert.Empty(t, cfg.Notify.WebhookURL)
}
