package config

import "time"

// Config is the root configuration for phantom.
type Config struct {
	Engine   EngineConfig   `yaml:"engine,omitempty"`
	Plugins  PluginsConfig  `yaml:"plugins,omitempty"`
	Session  SessionConfig  `yaml:"session,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
	Reporter ReporterConfig `yaml:"reporter,omitempty"`
	Gateway  GatewayConfig  `yaml:"gateway,omitempty"`
	Cloud    CloudConfig    `yaml:"cloud,omitempty"`
}

// EngineConfig controls admission and lifecycle timing.
type EngineConfig struct {
	Capacity       int64            `yaml:"capacity,omitempty"`
	DefaultTimeout time.Duration    `yaml:"defaultTimeout,omitempty"` // 0 = no timeout
	CancelGrace    time.Duration    `yaml:"cancelGrace,omitempty"`
	CleanupTimeout time.Duration    `yaml:"cleanupTimeout,omitempty"`
	RatePerSecond  float64          `yaml:"ratePerSecond,omitempty"` // 0 = unlimited
	Burst          int              `yaml:"burst,omitempty"`
	CategoryCosts  map[string]int64 `yaml:"categoryCosts,omitempty"`
}

// PluginsConfig controls plugin discovery.
type PluginsConfig struct {
	Paths     []string   `yaml:"paths,omitempty"`
	Disabled  []string   `yaml:"disabled,omitempty"`
	Resolvers []string   `yaml:"resolvers,omitempty"` // DNS servers for dns-lookup
	WASM      WASMConfig `yaml:"wasm,omitempty"`
}

// WASMConfig controls the WebAssembly plugin source.
type WASMConfig struct {
	Enabled      bool     `yaml:"enabled,omitempty"`
	AllowedHosts []string `yaml:"allowedHosts,omitempty"`
}

// SessionConfig selects where sessions are persisted.
type SessionConfig struct {
	Store string `yaml:"store,omitempty"` // "file" | "sqlite"
	Dir   string `yaml:"dir,omitempty"`   // file store directory; empty = ~/.phantom/sessions
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
	MaxSizeMB    int    `yaml:"maxSizeMB,omitempty"`
	MaxBackups   int    `yaml:"maxBackups,omitempty"`
	MaxAgeDays   int    `yaml:"maxAgeDays,omitempty"`
}

// ReporterConfig configures event delivery.
type ReporterConfig struct {
	BufferSize int        `yaml:"bufferSize,omitempty"`
	IRC        *IRCConfig `yaml:"irc,omitempty"`
}

// IRCConfig defines the IRC notification sink.
type IRCConfig struct {
	Server   string   `yaml:"server"`
	Port     int      `yaml:"port,omitempty"`
	Nick     string   `yaml:"nick"`
	Password string   `yaml:"password,omitempty"`
	Channels []string `yaml:"channels"`
	UseTLS   bool     `yaml:"useTLS,omitempty"`
	SASL     bool     `yaml:"sasl,omitempty"`
	Events   []string `yaml:"events,omitempty"` // default plugin_completed, plugin_failed
}

// GatewayConfig controls the gateway HTTP/WebSocket server.
type GatewayConfig struct {
	Port           int         `yaml:"port,omitempty"`
	Bind           string      `yaml:"bind,omitempty"` // "lan" | "loopback" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
	AllowedOrigins []string    `yaml:"allowedOrigins,omitempty"` // CORS and websocket Origin allowlist
}

// GatewayAuth configures gateway authentication.
type GatewayAuth struct {
	Mode     string `yaml:"mode,omitempty"` // "token" | "password"
	Token    string `yaml:"token,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// CloudConfig holds cloud provider credentials used by cloud plugins.
type CloudConfig struct {
	DigitalOcean DigitalOceanConfig `yaml:"digitalocean,omitempty"`
}

// DigitalOceanConfig configures the do-inventory plugin.
type DigitalOceanConfig struct {
	Token   string `yaml:"token,omitempty"`
	BaseURL string `yaml:"baseUrl,omitempty"`
}
