package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dotside-studios/davi-emv-agent/emv"
)

const (
	dirName  = ".davi-emv"
	fileName = "config.yaml"

	// EnvPrefix prefixes environment overrides, e.g. DAVI_EMV_GATEWAY_TOKEN
	// for gateway.token.
	EnvPrefix = "DAVI_EMV"
)

// envKeys are the settings that may be overridden from the environment.
var envKeys = []string{
	"environment",
	"log.level",
	"log.format",
	"reader.connect_timeout",
	"reader.service_type",
	"gateway.kind",
	"gateway.base_url",
	"gateway.client_id",
	"gateway.token",
	"gateway.iso_addr",
	"gateway.terminal_id",
	"gateway.merchant_id",
	"fingerprints.backend",
	"fingerprints.dsn",
	"server.host",
	"server.port",
	"server.api_secret",
	"server.mdns",
	"server.tls.enabled",
}

// listKeys are replaced as a whole when a file sets them.
var listKeys = []string{
	"reader.bridges",
	"emv.applications",
	"emv.public_keys",
	"emv.amount_dol",
	"emv.online_dol",
	"emv.response_dol",
}

// Load merges the defaults, the global config, the project config and the
// environment, in that order
func Load() (*Config, error) {
	return LoadWith("")
}

// LoadWith is Load with an extra file merged after the project config. The
// extra file must exist.
func LoadWith(extra string) (*Config, error) {
	cfg := Default()

	if extra != "" {
		if _, err := os.Stat(extra); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
	}
	for _, path := range []string{GlobalConfigPath(), ProjectConfigPath(), extra} {
		if path == "" {
			continue
		}
		if err := LoadFile(path, cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile merges the YAML file at path into cfg. Settings absent from the
// file keep their current value.
func LoadFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	return unmarshal(v, cfg)
}

// Parse merges YAML data into cfg.
func Parse(data []byte, cfg *Config) error {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return err
	}
	return unmarshal(v, cfg)
}

func unmarshal(v *viper.Viper, cfg *Config) error {
	// decoding into a populated slice keeps trailing elements
	for _, key := range listKeys {
		if v.IsSet(key) {
			resetList(cfg, key)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return err
	}
	normalizeLists(cfg)
	return nil
}

// normalizeLists turns empty lists into nil so an explicit "[]" and an
// omitted key decode the same way.
func normalizeLists(cfg *Config) {
	if len(cfg.Reader.Bridges) == 0 {
		cfg.Reader.Bridges = nil
	}
	if len(cfg.EMV.Applications) == 0 {
		cfg.EMV.Applications = nil
	}
	if len(cfg.EMV.PublicKeys) == 0 {
		cfg.EMV.PublicKeys = nil
	}
	if len(cfg.EMV.AmountDOL) == 0 {
		cfg.EMV.AmountDOL = nil
	}
	if len(cfg.EMV.OnlineDOL) == 0 {
		cfg.EMV.OnlineDOL = nil
	}
	if len(cfg.EMV.ResponseDOL) == 0 {
		cfg.EMV.ResponseDOL = nil
	}
}

func resetList(cfg *Config, key string) {
	switch key {
	case "reader.bridges":
		cfg.Reader.Bridges = nil
	case "emv.applications":
		cfg.EMV.Applications = nil
	case "emv.public_keys":
		cfg.EMV.PublicKeys = nil
	case "emv.amount_dol":
		cfg.EMV.AmountDOL = nil
	case "emv.online_dol":
		cfg.EMV.OnlineDOL = nil
	case "emv.response_dol":
		cfg.EMV.ResponseDOL = nil
	}
}

func applyEnv(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("binding %s: %w", key, err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("applying environment: %w", err)
	}
	return nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	switch emv.Environment(c.Environment) {
	case emv.EnvironmentProduction, emv.EnvironmentSandbox, emv.EnvironmentDev:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	switch c.Gateway.Kind {
	case GatewayHTTP:
	case GatewayISO8583:
		if c.Gateway.ISOAddr == "" {
			return fmt.Errorf("gateway.iso_addr is required for the iso8583 gateway")
		}
	default:
		return fmt.Errorf("unknown gateway kind %q", c.Gateway.Kind)
	}
	switch c.Fingerprints.Backend {
	case FingerprintsMemory:
	case FingerprintsPostgres:
		if c.Fingerprints.DSN == "" {
			return fmt.Errorf("fingerprints.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown fingerprint backend %q", c.Fingerprints.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.TLS.Enabled && c.Server.TLS.BootstrapPort == c.Server.Port {
		return fmt.Errorf("server.tls.bootstrap_port must differ from server.port")
	}
	if len(c.EMV.Applications) == 0 {
		return fmt.Errorf("emv.applications must not be empty")
	}
	return nil
}

// EMVConfig returns the session configuration derived from c.
func (c *Config) EMVConfig() emv.Config {
	return emv.Config{
		Environment:         emv.Environment(c.Environment),
		Restart:             c.Restart,
		Terminal:            c.EMV,
		ConnectTimeout:      c.Reader.ConnectTimeout,
		ConnectRetryDelay:   c.Reader.ConnectRetryDelay,
		ConfigureRetries:    c.Reader.ConfigureRetries,
		ConfigureRetryDelay: c.Reader.ConfigureRetryDelay,
		StopTimeout:         c.Reader.StopTimeout,
		ReversalTimeout:     c.Gateway.ReversalTimeout,
	}
}

// NewLogger builds the root logger writing to w.
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", c.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch c.Format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Format)
	}
}

// Marshal renders cfg as YAML. Secrets are masked.
func Marshal(cfg *Config) ([]byte, error) {
	masked := *cfg
	masked.Gateway.Token = mask(cfg.Gateway.Token)
	masked.Server.APISecret = mask(cfg.Server.APISecret)
	masked.Fingerprints.DSN = mask(cfg.Fingerprints.DSN)
	return yaml.Marshal(&masked)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// Dir returns the global configuration directory, which also holds the
// local CA.
func Dir() string {
	return filepath.Dir(GlobalConfigPath())
}

// GlobalConfigPath returns the path to the global config file
func GlobalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, dirName, fileName)
}

// ProjectConfigPath returns the path to the project config file
func ProjectConfigPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return filepath.Join(cwd, dirName, fileName)
}
