package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotside-studios/davi-emv-agent/emv"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, GatewayHTTP, cfg.Gateway.Kind)
	assert.Equal(t, FingerprintsMemory, cfg.Fingerprints.Backend)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Len(t, cfg.EMV.Applications, 8)
	assert.Len(t, cfg.EMV.PublicKeys, 6)
	assert.True(t, cfg.Restart.RestartAfterGeneralError)
	assert.False(t, cfg.Restart.RestartAfterSuccess)
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefault(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "connect_timeout: 7.5s")
	assert.Contains(t, string(content), "restart_after_general_error: true")

	cfg := Default()
	cfg.Server.Port = 1
	cfg.EMV.Applications = nil
	require.NoError(t, LoadFile(path, cfg))
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, Default().EMV, cfg.EMV)
	assert.Equal(t, Default().Reader.ConnectTimeout, cfg.Reader.ConnectTimeout)
	assert.Equal(t, Default().Restart, cfg.Restart)
}

func TestParseOverridesOnlyWhatIsSet(t *testing.T) {
	cfg := Default()
	err := Parse([]byte(`
environment: sandbox
reader:
  connect_timeout: 3s
  bridges:
    - name: counter
      url: ws://10.0.0.5:18100/reader
restart:
  restart_after_success: true
gateway:
  kind: iso8583
  iso_addr: 127.0.0.1:8583
`), cfg)
	require.NoError(t, err)

	assert.Equal(t, "sandbox", cfg.Environment)
	assert.Equal(t, 3*time.Second, cfg.Reader.ConnectTimeout)
	assert.Equal(t, emv.DefaultConnectRetryDelay, cfg.Reader.ConnectRetryDelay)
	assert.Equal(t, []BridgeConfig{{Name: "counter", URL: "ws://10.0.0.5:18100/reader"}}, cfg.Reader.Bridges)
	assert.True(t, cfg.Restart.RestartAfterSuccess)
	assert.True(t, cfg.Restart.RestartAfterGeneralError, "unset keys keep their defaults")
	assert.Equal(t, GatewayISO8583, cfg.Gateway.Kind)
	assert.Len(t, cfg.EMV.Applications, 8)
	require.NoError(t, cfg.Validate())
}

func TestParseReplacesLists(t *testing.T) {
	cfg := Default()
	err := Parse([]byte(`
emv:
  applications:
    - aid: A0000000031010
      label: VISA CREDIT
  public_keys:
    - rid: A000000003
      index: "92"
      modulus: 996AF56F569187D0
      exponent: "03"
      checksum: 429C9546
`), cfg)
	require.NoError(t, err)

	require.Len(t, cfg.EMV.Applications, 1)
	assert.Equal(t, "VISA CREDIT", cfg.EMV.Applications[0].Label)
	require.Len(t, cfg.EMV.PublicKeys, 1)
	assert.Equal(t, "A00000000392", cfg.EMV.PublicKeys[0].ID())
	assert.Equal(t, emv.DefaultTerminalConfig().AmountDOL, cfg.EMV.AmountDOL)
}

func TestParseEmptyListClearsDefaults(t *testing.T) {
	cfg := Default()
	require.NotEmpty(t, cfg.EMV.PublicKeys)

	require.NoError(t, Parse([]byte("emv:\n  public_keys: []\n"), cfg))
	assert.Nil(t, cfg.EMV.PublicKeys)
	assert.Len(t, cfg.EMV.Applications, 8)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("DAVI_EMV_GATEWAY_TOKEN", "from-env")
	t.Setenv("DAVI_EMV_SERVER_PORT", "19000")
	t.Setenv("DAVI_EMV_READER_CONNECT_TIMEOUT", "2s")

	cfg := Default()
	require.NoError(t, applyEnv(cfg))

	assert.Equal(t, "from-env", cfg.Gateway.Token)
	assert.Equal(t, 19000, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Reader.ConnectTimeout)
	assert.Equal(t, "info", cfg.Log.Level, "unset variables change nothing")
}

func TestLoadMergesGlobalAndProject(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)

	require.NoError(t, os.MkdirAll(filepath.Join(home, dirName), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, dirName, fileName), []byte("environment: sandbox\nserver:\n  port: 18111\n"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(project, dirName), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(project, dirName, fileName), []byte("server:\n  port: 18222\n"), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(project))
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sandbox", cfg.Environment)
	assert.Equal(t, 18222, cfg.Server.Port, "project config overrides global")

	extra := filepath.Join(t.TempDir(), "extra.yaml")
	require.NoError(t, os.WriteFile(extra, []byte("server:\n  port: 18333\n"), 0o600))
	cfg, err = LoadWith(extra)
	require.NoError(t, err)
	assert.Equal(t, "sandbox", cfg.Environment)
	assert.Equal(t, 18333, cfg.Server.Port, "explicit file overrides project")

	_, err = LoadWith(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"unknown environment", func(c *Config) { c.Environment = "staging" }, "unknown environment"},
		{"iso without addr", func(c *Config) { c.Gateway.Kind = GatewayISO8583 }, "iso_addr"},
		{"unknown gateway", func(c *Config) { c.Gateway.Kind = "soap" }, "unknown gateway"},
		{"postgres without dsn", func(c *Config) { c.Fingerprints.Backend = FingerprintsPostgres }, "dsn"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "port"},
		{"bootstrap on server port", func(c *Config) {
			c.Server.TLS.Enabled = true
			c.Server.TLS.BootstrapPort = c.Server.Port
		}, "bootstrap_port"},
		{"no applications", func(c *Config) { c.EMV.Applications = nil }, "applications"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestEMVConfig(t *testing.T) {
	cfg := Default()
	cfg.Environment = "sandbox"
	cfg.Reader.ConfigureRetries = 2

	ec := cfg.EMVConfig()
	assert.Equal(t, emv.EnvironmentSandbox, ec.Environment)
	assert.Equal(t, 2, ec.ConfigureRetries)
	assert.Equal(t, cfg.EMV, ec.Terminal)
	assert.Equal(t, cfg.Gateway.ReversalTimeout, ec.ReversalTimeout)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"k":"v"`)

	_, err = LogConfig{Level: "loud"}.NewLogger(&buf)
	assert.Error(t, err)
	_, err = LogConfig{Level: "info", Format: "xml"}.NewLogger(&buf)
	assert.Error(t, err)
}

func TestMarshalMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "tok"
	cfg.Server.APISecret = "secret"

	out, err := Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "tok\n")
	assert.NotContains(t, string(out), "secret\n")
	assert.Contains(t, string(out), "********")
	assert.Equal(t, "tok", cfg.Gateway.Token, "the original is untouched")
}
