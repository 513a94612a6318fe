package config

import (
	"fmt"
	"slices"

	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/hooks"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	// Engine validation
	if cfg.Engine.Capacity < 0 {
		add("engine.capacity", "must be >= 0, got %d", cfg.Engine.Capacity)
	}
	if cfg.Engine.DefaultTimeout < 0 {
		add("engine.defaultTimeout", "must not be negative")
	}
	if cfg.Engine.CancelGrace < 0 {
		add("engine.cancelGrace", "must not be negative")
	}
	if cfg.Engine.RatePerSecond < 0 {
		add("engine.ratePerSecond", "must not be negative")
	}
	if cfg.Engine.RatePerSecond > 0 && cfg.Engine.Burst < 0 {
		add("engine.burst", "must not be negative")
	}
	for cat, cost := range cfg.Engine.CategoryCosts {
		if !domain.Category(cat).Valid() {
			add("engine.categoryCosts."+cat, "unknown category")
		}
		if cost < 0 {
			add("engine.categoryCosts."+cat, "cost must be >= 0, got %d", cost)
		}
	}

	// Session validation
	validStores := []string{"file", "sqlite"}
	if cfg.Session.Store != "" && !slices.Contains(validStores, cfg.Session.Store) {
		add("session.store", "must be one of %v, got %q", validStores, cfg.Session.Store)
	}

	// Logging validation
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		add("logging.level", "must be one of %v, got %q", validLogLevels, cfg.Logging.Level)
	}
	validConsoleStyles := []string{"pretty", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		add("logging.consoleStyle", "must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle)
	}

	// Reporter validation
	if cfg.Reporter.BufferSize < 0 {
		add("reporter.bufferSize", "must be >= 0, got %d", cfg.Reporter.BufferSize)
	}
	if irc := cfg.Reporter.IRC; irc != nil {
		if irc.Server == "" {
			add("reporter.irc.server", "server is required")
		}
		if irc.Nick == "" {
			add("reporter.irc.nick", "nick is required")
		}
		if irc.Port < 0 || irc.Port > 65535 {
			add("reporter.irc.port", "port must be 0-65535, got %d", irc.Port)
		}
		if len(irc.Channels) == 0 {
			add("reporter.irc.channels", "at least one channel is required")
		}
		if irc.SASL && irc.Password == "" {
			add("reporter.irc.sasl", "SASL requires a password to be set")
		}
		for _, ev := range irc.Events {
			if ev != hooks.EventAll && !slices.Contains(hooks.AllEvents, ev) {
				add("reporter.irc.events", "unknown event %q", ev)
			}
		}
	}

	// Gateway validation
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add("gateway.port", "port must be 0-65535, got %d", cfg.Gateway.Port)
	}
	validBinds := []string{"lan", "loopback", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		add("gateway.bind", "must be one of %v, got %q", validBinds, cfg.Gateway.Bind)
	}
	if cfg.Gateway.Bind == "custom" && cfg.Gateway.CustomBindHost == "" {
		add("gateway.customBindHost", "required when bind is custom")
	}
	validAuthModes := []string{"token", "password"}
	if cfg.Gateway.Auth.Mode != "" && !slices.Contains(validAuthModes, cfg.Gateway.Auth.Mode) {
		add("gateway.auth.mode", "must be one of %v, got %q", validAuthModes, cfg.Gateway.Auth.Mode)
	}

	return issues
}
