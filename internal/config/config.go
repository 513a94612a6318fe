package config

import (
	"fmt"
	"time"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

const (
	defaultGatewayPort = 18790
	defaultCapacity    = 4
	defaultBufferSize  = 256
)

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			Capacity:       defaultCapacity,
			DefaultTimeout: 5 * time.Minute,
			CancelGrace:    2 * time.Second,
			CleanupTimeout: 10 * time.Second,
		},
		Plugins: PluginsConfig{
			WASM: WASMConfig{Enabled: true},
		},
		Session: SessionConfig{
			Store: "sqlite",
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
			MaxSizeMB:    50,
			MaxBackups:   3,
		},
		Reporter: ReporterConfig{
			BufferSize: defaultBufferSize,
		},
		Gateway: GatewayConfig{
			Port: defaultGatewayPort,
			Bind: "loopback",
			Auth: GatewayAuth{
				Mode: "token",
			},
		},
	}
}
