// Package config loads the agent configuration from YAML files and the
// environment.
package config

import (
	"time"

	"github.com/dotside-studios/davi-emv-agent/emv"
)

// Config represents the full agent configuration
type Config struct {
	// Environment is production, sandbox or development. Test amounts are
	// only honoured outside production.
	Environment string `yaml:"environment" mapstructure:"environment"`

	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Reader       ReaderConfig       `yaml:"reader" mapstructure:"reader"`
	Restart      emv.RestartConfig  `yaml:"restart" mapstructure:"restart"`
	EMV          emv.TerminalConfig `yaml:"emv" mapstructure:"emv"`
	Gateway      GatewayConfig      `yaml:"gateway" mapstructure:"gateway"`
	Fingerprints FingerprintConfig  `yaml:"fingerprints" mapstructure:"fingerprints"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
}

// LogConfig configures the root logger
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // text or json
}

// ReaderConfig configures reader discovery and provisioning
type ReaderConfig struct {
	ConnectTimeout      time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	ConnectRetryDelay   time.Duration `yaml:"connect_retry_delay" mapstructure:"connect_retry_delay"`
	ConfigureRetries    int           `yaml:"configure_retries" mapstructure:"configure_retries"`
	ConfigureRetryDelay time.Duration `yaml:"configure_retry_delay" mapstructure:"configure_retry_delay"`
	StopTimeout         time.Duration `yaml:"stop_timeout" mapstructure:"stop_timeout"`

	// Bridges lists reader bridges to connect to. An entry without a URL is
	// located through mDNS. With no entries a single mDNS bridge is used.
	Bridges []BridgeConfig `yaml:"bridges" mapstructure:"bridges"`

	// ServiceType is the mDNS service browsed for bridges.
	ServiceType string        `yaml:"service_type" mapstructure:"service_type"`
	KeepAlive   time.Duration `yaml:"keep_alive" mapstructure:"keep_alive"`
}

// BridgeConfig is one network reader bridge
type BridgeConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
	URL  string `yaml:"url" mapstructure:"url"`
}

// Gateway kinds
const (
	GatewayHTTP    = "http"
	GatewayISO8583 = "iso8583"
)

// GatewayConfig configures the remote authorization services
type GatewayConfig struct {
	// Kind selects the authorizer and reverser. Tokenization always goes
	// through the HTTP API.
	Kind string `yaml:"kind" mapstructure:"kind"`

	BaseURL  string        `yaml:"base_url" mapstructure:"base_url"`
	ClientID string        `yaml:"client_id" mapstructure:"client_id"`
	Token    string        `yaml:"token" mapstructure:"token"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`

	ISOAddr    string `yaml:"iso_addr" mapstructure:"iso_addr"`
	TerminalID string `yaml:"terminal_id" mapstructure:"terminal_id"`
	MerchantID string `yaml:"merchant_id" mapstructure:"merchant_id"`

	ReversalTimeout time.Duration `yaml:"reversal_timeout" mapstructure:"reversal_timeout"`
}

// Fingerprint backends
const (
	FingerprintsMemory   = "memory"
	FingerprintsPostgres = "postgres"
)

// FingerprintConfig selects where provisioned readers are remembered
type FingerprintConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"`
	DSN     string `yaml:"dsn" mapstructure:"dsn"`
}

// ServerConfig configures the local control server
type ServerConfig struct {
	// Host is the listen address. Use 0.0.0.0 to accept clients from other
	// machines.
	Host           string        `yaml:"host" mapstructure:"host"`
	Port           int           `yaml:"port" mapstructure:"port"`
	APISecret      string        `yaml:"api_secret" mapstructure:"api_secret"`
	SessionTimeout time.Duration `yaml:"session_timeout" mapstructure:"session_timeout"`
	MDNS           bool          `yaml:"mdns" mapstructure:"mdns"`

	TLS TLSConfig `yaml:"tls" mapstructure:"tls"`
}

// TLSConfig serves the control server over HTTPS with a certificate from a
// local CA installed in the system trust store
type TLSConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// BootstrapPort serves the CA over plain HTTP for other devices. Zero
	// disables it.
	BootstrapPort int `yaml:"bootstrap_port" mapstructure:"bootstrap_port"`
}
