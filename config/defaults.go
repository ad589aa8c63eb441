package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dotside-studios/davi-emv-agent/emv"
	"github.com/dotside-studios/davi-emv-agent/reader/remote"
)

// DefaultPort is the control server port.
const DefaultPort = 18090

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Environment: string(emv.EnvironmentProduction),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Reader: ReaderConfig{
			ConnectTimeout:      emv.DefaultConnectTimeout,
			ConnectRetryDelay:   emv.DefaultConnectRetryDelay,
			ConfigureRetries:    emv.DefaultConfigureRetries,
			ConfigureRetryDelay: emv.DefaultConfigureRetryDelay,
			StopTimeout:         emv.DefaultStopTimeout,
			ServiceType:         remote.DefaultServiceType,
			KeepAlive:           15 * time.Second,
		},
		Restart: emv.RestartConfig{
			RestartAfterGeneralError: true,
		},
		EMV: emv.DefaultTerminalConfig(),
		Gateway: GatewayConfig{
			Kind:            GatewayHTTP,
			BaseURL:         "https://api.davi.example/v1",
			Timeout:         30 * time.Second,
			ReversalTimeout: emv.DefaultReversalTimeout,
		},
		Fingerprints: FingerprintConfig{
			Backend: FingerprintsMemory,
		},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           DefaultPort,
			SessionTimeout: 60 * time.Second,
			MDNS:           true,
			TLS: TLSConfig{
				BootstrapPort: DefaultPort + 1,
			},
		},
	}
}

// WriteDefault writes the default configuration to path, creating parent
// directories as needed
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	header := []byte("# davi-emv-agent configuration\n")
	return os.WriteFile(path, append(header, data...), 0o600)
}
