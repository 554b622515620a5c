package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysmetrics/connreg/internal/logging"
)

const validSecret = `uma:
  host: influx.uma.example
  port: 8086
  user: analytics
  password: uma-pass
  databases:
    - monitoring
athens_iperf:
  host: athens.example
  port: 8086
  user: reader
  password: athens-pass
  databases:
    - iperf
`

func writeSecret(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "analytics_connections")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func testConfig(t *testing.T, secretContent string) *Config {
	t.Helper()
	return &Config{
		Logger:           logging.New(false, true),
		ConnectionsPath:  writeSecret(t, secretContent),
		SharedSecretPath: filepath.Join(t.TempDir(), "missing"),
	}
}

func runCommand(t *testing.T, cfg *Config, newCmd func(*Config) *cobra.Command) (string, error) {
	t.Helper()
	cmd := newCmd(cfg)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	return out.String(), err
}

func TestCheckCommand_ValidSecret(t *testing.T) {
	cfg := testConfig(t, validSecret)

	output, err := runCommand(t, cfg, NewCheckCommand)
	require.NoError(t, err)

	assert.Contains(t, output, "PLATFORM")
	assert.Contains(t, output, "uma")
	assert.Contains(t, output, "athens_iperf")
	assert.Contains(t, output, "2 valid, 0 invalid")
	assert.NotContains(t, output, "uma-pass")
}

func TestCheckCommand_InvalidPlatform(t *testing.T) {
	cfg := testConfig(t, validSecret+`beta:
  port: 8086
  user: reader
  password: beta-pass
  databases:
    - metrics
`)

	output, err := runCommand(t, cfg, NewCheckCommand)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 platform(s) failed validation")

	assert.Contains(t, output, "uma")
	assert.Contains(t, output, "beta")
	assert.Contains(t, output, "invalid")
	assert.Contains(t, output, "2 valid, 1 invalid")
	assert.NotContains(t, output, "beta-pass")
}

func TestCheckCommand_MissingPasswordWithoutSharedSecret(t *testing.T) {
	cfg := testConfig(t, `uma:
  host: influx.uma.example
  port: 8086
  user: analytics
  databases:
    - monitoring
`)

	output, err := runCommand(t, cfg, NewCheckCommand)
	require.Error(t, err)
	assert.Contains(t, output, "0 valid, 1 invalid")
}

func TestCheckCommand_SharedSecretCoversMissingPassword(t *testing.T) {
	cfg := testConfig(t, `uma:
  host: influx.uma.example
  port: 8086
  user: analytics
  databases:
    - monitoring
`)
	sharedPath := filepath.Join(t.TempDir(), "analytics_password")
	require.NoError(t, os.WriteFile(sharedPath, []byte("shared-pass\n"), 0600))
	cfg.SharedSecretPath = sharedPath

	output, err := runCommand(t, cfg, NewCheckCommand)
	require.NoError(t, err)
	assert.Contains(t, output, "1 valid, 0 invalid")
	assert.NotContains(t, output, "shared-pass")
}

func TestCheckCommand_MalformedSecret(t *testing.T) {
	cfg := testConfig(t, "::: not yaml {{{")

	_, err := runCommand(t, cfg, NewCheckCommand)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load connections secret")
}

func TestCheckCommand_MissingSecretFile(t *testing.T) {
	cfg := &Config{
		Logger:           logging.New(false, true),
		ConnectionsPath:  filepath.Join(t.TempDir(), "nope"),
		SharedSecretPath: filepath.Join(t.TempDir(), "missing"),
	}

	_, err := runCommand(t, cfg, NewCheckCommand)
	require.Error(t, err)
}
