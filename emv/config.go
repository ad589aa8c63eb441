package emv

import (
	"time"

	"github.com/shopspring/decimal"
)

// Environment selects production or test behaviour.
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentDev        Environment = "development"
)

// Default timings.
const (
	DefaultConnectTimeout      = 7500 * time.Millisecond
	DefaultConnectRetryDelay   = 500 * time.Millisecond
	DefaultConfigureRetries    = 5
	DefaultConfigureRetryDelay = 250 * time.Millisecond
	DefaultStopTimeout         = 3 * time.Second
	DefaultReversalTimeout     = 30 * time.Second
)

// testAmounts synthesize an approval outside production without contacting
// the issuer.
var testAmounts = []decimal.Decimal{
	decimal.RequireFromString("1.11"),
	decimal.RequireFromString("2.22"),
	decimal.RequireFromString("3.33"),
}

// Config is the explicit configuration handed to a Director.
type Config struct {
	Environment Environment
	Restart     RestartConfig
	Terminal    TerminalConfig

	// ConnectTimeout bounds reader discovery.
	ConnectTimeout time.Duration
	// ConnectRetryDelay separates discovery rounds within ConnectTimeout.
	ConnectRetryDelay time.Duration

	// ConfigureRetries is the number of times a configuration command is
	// issued before the error is reported.
	ConfigureRetries    int
	ConfigureRetryDelay time.Duration

	// StopTimeout bounds the TransactionStop sent when a session is
	// cancelled.
	StopTimeout     time.Duration
	ReversalTimeout time.Duration
}

// DefaultConfig returns a production configuration with the default terminal
// tables.
func DefaultConfig() Config {
	return Config{
		Environment:         EnvironmentProduction,
		Terminal:            DefaultTerminalConfig(),
		ConnectTimeout:      DefaultConnectTimeout,
		ConnectRetryDelay:   DefaultConnectRetryDelay,
		ConfigureRetries:    DefaultConfigureRetries,
		ConfigureRetryDelay: DefaultConfigureRetryDelay,
		StopTimeout:         DefaultStopTimeout,
		ReversalTimeout:     DefaultReversalTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Environment == "" {
		c.Environment = d.Environment
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ConnectRetryDelay <= 0 {
		c.ConnectRetryDelay = d.ConnectRetryDelay
	}
	if c.ConfigureRetries <= 0 {
		c.ConfigureRetries = d.ConfigureRetries
	}
	if c.ConfigureRetryDelay < 0 {
		c.ConfigureRetryDelay = 0
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.ReversalTimeout <= 0 {
		c.ReversalTimeout = d.ReversalTimeout
	}
	return c
}

// isTestAmount reports whether amount synthesizes an approval in this
// environment.
func (c Config) isTestAmount(amount decimal.Decimal) bool {
	if c.Environment == EnvironmentProduction {
		return false
	}
	for _, a := range testAmounts {
		if a.Equal(amount) {
			return true
		}
	}
	return false
}
