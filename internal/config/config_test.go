package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
version: 1
addr: ":8080"
sandbox:
  base_url: "https://sandbox.internal"
model:
  base_url: "https://model.internal"
`

func TestParseValidConfigAppliesDefaults(t *testing.T) {
	f, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	assert.Equal(t, ":8080", f.Addr)
	assert.Equal(t, 30*time.Second, f.Sandbox.CommandTimeout)
	assert.Equal(t, 5.0, f.Sandbox.RateLimitRPS)
	assert.Equal(t, 10, f.Sandbox.RateLimitBurst)
	assert.Equal(t, time.Hour, f.GitHub.TokenTTL)
	assert.Equal(t, "./data", f.DataDir)
}

func TestParseRejectsMissingRequiredField(t *testing.T) {
	_, err := Parse([]byte(`
version: 1
sandbox:
  base_url: "https://sandbox.internal"
model:
  base_url: "https://model.internal"
`))
	assert.Error(t, err)
}

func TestParseRejectsMissingSandboxBaseURL(t *testing.T) {
	_, err := Parse([]byte(`
version: 1
addr: ":8080"
sandbox: {}
model:
  base_url: "https://model.internal"
`))
	assert.Error(t, err)
}

func TestParseRejectsInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("not: [valid"))
	assert.Error(t, err)
}

func TestParsePreservesExplicitNonDefaultValues(t *testing.T) {
	f, err := Parse([]byte(`
version: 1
addr: ":9090"
data_dir: "/var/lib/orchestrator"
sandbox:
  base_url: "https://sandbox.internal"
  command_timeout: 45s
  rate_limit_rps: 2
  rate_limit_burst: 4
model:
  base_url: "https://model.internal"
github:
  token_ttl: 2h
`))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/orchestrator", f.DataDir)
	assert.Equal(t, 45*time.Second, f.Sandbox.CommandTimeout)
	assert.Equal(t, 2.0, f.Sandbox.RateLimitRPS)
	assert.Equal(t, 4, f.Sandbox.RateLimitBurst)
	assert.Equal(t, 2*time.Hour, f.GitHub.TokenTTL)
}

func TestLoadReadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", f.Addr)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	assert.Error(t, err)
}
