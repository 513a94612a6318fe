package config

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// secretRef matches ${NAME} references in credential fields.
var secretRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars substitutes ${NAME} with the variable's value. References
// to unset variables stay as written.
func expandEnvVars(s string) string {
	return secretRef.ReplaceAllStringFunc(s, func(ref string) string {
		if v, ok := os.LookupEnv(ref[2 : len(ref)-1]); ok {
			return v
		}
		return ref
	})
}

// secretFields are the settings that may hold ${NAME} references.
func secretFields(cfg *Config) []*string {
	fields := []*string{
		&cfg.Gateway.Auth.Token,
		&cfg.Gateway.Auth.Password,
		&cfg.Cloud.DigitalOcean.Token,
	}
	if cfg.Reporter.IRC != nil {
		fields = append(fields, &cfg.Reporter.IRC.Password)
	}
	return fields
}

// Load layers defaults, the YAML file at path and PHANTOM_* variables. A
// missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("reading config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
		}
		fillDefaults(&cfg)
		for _, f := range secretFields(&cfg) {
			*f = expandEnvVars(*f)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRaw reads the file as a generic tree for key-path edits.
func LoadRaw(path string) (map[string]any, error) {
	raw := map[string]any{}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return raw, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw replaces the file with raw rendered as YAML. The write goes
// through a temp file so a crash never leaves a truncated config.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// fillDefaults restores defaults for settings the file set to zero.
func fillDefaults(cfg *Config) {
	d := Defaults()
	cfg.Engine.Capacity = cmp.Or(cfg.Engine.Capacity, d.Engine.Capacity)
	cfg.Engine.CancelGrace = cmp.Or(cfg.Engine.CancelGrace, d.Engine.CancelGrace)
	cfg.Engine.CleanupTimeout = cmp.Or(cfg.Engine.CleanupTimeout, d.Engine.CleanupTimeout)
	cfg.Session.Store = cmp.Or(cfg.Session.Store, d.Session.Store)
	cfg.Logging.Level = cmp.Or(cfg.Logging.Level, d.Logging.Level)
	cfg.Logging.ConsoleStyle = cmp.Or(cfg.Logging.ConsoleStyle, d.Logging.ConsoleStyle)
	cfg.Reporter.BufferSize = cmp.Or(cfg.Reporter.BufferSize, d.Reporter.BufferSize)
	cfg.Gateway.Port = cmp.Or(cfg.Gateway.Port, d.Gateway.Port)
	cfg.Gateway.Bind = cmp.Or(cfg.Gateway.Bind, d.Gateway.Bind)
	cfg.Gateway.Auth.Mode = cmp.Or(cfg.Gateway.Auth.Mode, d.Gateway.Auth.Mode)

	if irc := cfg.Reporter.IRC; irc != nil && irc.Port == 0 {
		irc.Port = 6667
		if irc.UseTLS {
			irc.Port = 6697
		}
	}
}

type envOverride struct {
	name  string
	apply func(cfg *Config, v string) error
}

var envOverrides = []envOverride{
	{"PHANTOM_GATEWAY_PORT", func(c *Config, v string) (err error) {
		c.Gateway.Port, err = strconv.Atoi(v)
		return err
	}},
	{"PHANTOM_GATEWAY_BIND", func(c *Config, v string) error {
		c.Gateway.Bind = v
		return nil
	}},
	{"PHANTOM_LOG_LEVEL", func(c *Config, v string) error {
		c.Logging.Level = strings.ToLower(v)
		return nil
	}},
	{"PHANTOM_ENGINE_CAPACITY", func(c *Config, v string) (err error) {
		c.Engine.Capacity, err = strconv.ParseInt(v, 10, 64)
		return err
	}},
	{"PHANTOM_ENGINE_TIMEOUT", func(c *Config, v string) (err error) {
		c.Engine.DefaultTimeout, err = time.ParseDuration(v)
		return err
	}},
	{"PHANTOM_SESSION_STORE", func(c *Config, v string) error {
		c.Session.Store = v
		return nil
	}},
	{"DIGITALOCEAN_TOKEN", func(c *Config, v string) error {
		c.Cloud.DigitalOcean.Token = cmp.Or(c.Cloud.DigitalOcean.Token, v)
		return nil
	}},
}

// applyEnv applies every set override and reports the malformed ones.
func applyEnv(cfg *Config) error {
	var errs []error
	for _, o := range envOverrides {
		v := os.Getenv(o.name)
		if v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			errs = append(errs, &ConfigError{Message: fmt.Sprintf("%s=%q: %v", o.name, v, err)})
		}
	}
	return errors.Join(errs...)
}
