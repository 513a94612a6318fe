package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// HomeEnv overrides the data root, normally ~/.phantom.
const HomeEnv = "PHANTOM_HOME"

// Paths locates everything phantom keeps on disk.
type Paths struct {
	Base     string
	Config   string
	Sessions string
	Logs     string
	Plugins  string
	Data     string
}

// PathsAt lays out the standard tree under base.
func PathsAt(base string) Paths {
	under := func(name string) string { return filepath.Join(base, name) }
	return Paths{
		Base:     base,
		Config:   under("config.yaml"),
		Sessions: under("sessions"),
		Logs:     under("logs"),
		Plugins:  under("plugins"),
		Data:     under("data"),
	}
}

// ResolvePaths uses $PHANTOM_HOME when set and ~/.phantom otherwise.
func ResolvePaths() (Paths, error) {
	if base := os.Getenv(HomeEnv); base != "" {
		return PathsAt(base), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, fmt.Errorf("locating home directory: %w", err)
	}
	return PathsAt(filepath.Join(home, ".phantom")), nil
}

// Database is the SQLite session database.
func (p Paths) Database() string {
	return filepath.Join(p.Data, "phantom.db")
}

// EnsureDirs creates the directory tree with owner-only permissions.
func (p Paths) EnsureDirs() error {
	for _, dir := range [...]string{p.Base, p.Sessions, p.Logs, p.Plugins, p.Data} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
