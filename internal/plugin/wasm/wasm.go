// Package wasm discovers plugins compiled to WebAssembly and runs them
// through the Extism runtime.
//
// A module is a plugin when it exports:
//
//	describe    required; outputs the JSON descriptor
//	execute     required; input {"target": ..., "options": {...}}, outputs a JSON object
//	initialize  optional; outputs "true" or "false"
//	cleanup     optional
package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	extism "github.com/extism/go-sdk"
	"github.com/tetratelabs/wazero"

	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/logging"
	"github.com/phantom-sec/phantom/internal/plugin"
)

// SourceName is the discovery source name.
const SourceName = "wasm"

// Options configures the WASM source.
type Options struct {
	// Paths are directories scanned (non-recursively) for *.wasm files.
	Paths []string

	// AllowedHosts lists hosts modules may reach through Extism's HTTP
	// host function. Empty means none.
	AllowedHosts []string

	// Config is passed to every module as Extism config values.
	Config map[string]string
}

// module is one compiled .wasm file.
type module struct {
	path     string
	modTime  time.Time
	size     int64
	compiled *extism.CompiledPlugin
	desc     domain.PluginDescriptor
	hasInit  bool
	hasClean bool
}

// Source compiles each module once and hands out a fresh instance per
// execution. Modules are recompiled when the file changes.
type Source struct {
	opts Options
	log  *logging.Logger

	mu      sync.Mutex
	cache   map[string]*module
	retired []*extism.CompiledPlugin
}

// NewSource creates a WASM source.
func NewSource(opts Options, log *logging.Logger) *Source {
	return &Source{
		opts:  opts,
		log:   log.Sub("wasm"),
		cache: make(map[string]*module),
	}
}

// Name returns "wasm".
func (s *Source) Name() string { return SourceName }

// Discover scans the configured paths. Modules that fail to compile or
// lack the required exports are reported and skipped.
func (s *Source) Discover(ctx context.Context) ([]plugin.Loader, error) {
	files, err := s.scan()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		loaders []plugin.Loader
		errs    []error
		live    = make(map[string]bool, len(files))
	)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		live[path] = true
		m, err := s.load(ctx, path)
		if err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("wasm module rejected")
			errs = append(errs, &plugin.RegistryError{Kind: plugin.KindInvalidDescriptor, Source: path, Err: err})
			continue
		}
		loaders = append(loaders, &loader{mod: m, log: s.log})
	}

	for path, m := range s.cache {
		if !live[path] {
			s.retired = append(s.retired, m.compiled)
			delete(s.cache, path)
		}
	}
	return loaders, errors.Join(errs...)
}

// Close releases every compiled module. Instances still running are
// aborted.
func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, m := range s.cache {
		errs = append(errs, m.compiled.Close(ctx))
	}
	for _, c := range s.retired {
		errs = append(errs, c.Close(ctx))
	}
	s.cache = make(map[string]*module)
	s.retired = nil
	return errors.Join(errs...)
}

func (s *Source) scan() ([]string, error) {
	var files []string
	for _, dir := range s.opts.Paths {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Debug().Str("dir", dir).Msg("plugin directory missing")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading plugin directory %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".wasm") || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}

// load returns the cached module for path or compiles it. Caller holds s.mu.
func (s *Source) load(ctx context.Context, path string) (*module, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if m, ok := s.cache[path]; ok {
		if m.modTime.Equal(info.ModTime()) && m.size == info.Size() {
			return m, nil
		}
		s.retired = append(s.retired, m.compiled)
		delete(s.cache, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	manifest := extism.Manifest{
		Wasm:         []extism.Wasm{extism.WasmData{Data: data, Name: "main"}},
		AllowedHosts: s.opts.AllowedHosts,
		Config:       s.opts.Config,
	}
	cfg := extism.PluginConfig{
		EnableWasi:    true,
		RuntimeConfig: wazero.NewRuntimeConfig().WithCloseOnContextDone(true),
	}
	compiled, err := extism.NewCompiledPlugin(ctx, manifest, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("compiling: %w", err)
	}

	m, err := inspect(ctx, compiled)
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}
	m.path = path
	m.modTime = info.ModTime()
	m.size = info.Size()
	s.cache[path] = m
	s.log.Debug().Str("path", path).Str("id", m.desc.ID).Msg("wasm module compiled")
	return m, nil
}

// inspect instantiates the module once to read its exports and descriptor.
func inspect(ctx context.Context, compiled *extism.CompiledPlugin) (*module, error) {
	inst, err := compiled.Instance(ctx, extism.PluginInstanceConfig{ModuleConfig: wazero.NewModuleConfig()})
	if err != nil {
		return nil, fmt.Errorf("instantiating: %w", err)
	}
	defer inst.Close(ctx)

	for _, name := range []string{"describe", "execute"} {
		if !inst.FunctionExists(name) {
			return nil, fmt.Errorf("missing export %q", name)
		}
	}
	rc, out, err := inst.CallWithContext(ctx, "describe", nil)
	if err != nil {
		return nil, fmt.Errorf("describe: %w", err)
	}
	if rc != 0 {
		return nil, fmt.Errorf("describe returned %d", rc)
	}
	desc, err := ParseDescriptor(out)
	if err != nil {
		return nil, err
	}
	return &module{
		compiled: compiled,
		desc:     desc,
		hasInit:  inst.FunctionExists("initialize"),
		hasClean: inst.FunctionExists("cleanup"),
	}, nil
}

// ParseDescriptor decodes the output of a module's describe export.
// Unknown fields are rejected so typos surface at discovery.
func ParseDescriptor(out []byte) (domain.PluginDescriptor, error) {
	var desc domain.PluginDescriptor
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&desc); err != nil {
		return domain.PluginDescriptor{}, fmt.Errorf("decoding descriptor: %w", err)
	}
	if err := plugin.ValidateDescriptor(desc); err != nil {
		return domain.PluginDescriptor{}, err
	}
	return desc, nil
}

type loader struct {
	mod *module
	log *logging.Logger
}

func (l *loader) Descriptor() domain.PluginDescriptor { return l.mod.desc.Clone() }

func (l *loader) New() (plugin.Plugin, error) {
	inst, err := l.mod.compiled.Instance(context.Background(), extism.PluginInstanceConfig{ModuleConfig: wazero.NewModuleConfig()})
	if err != nil {
		return nil, fmt.Errorf("instantiating %s: %w", l.mod.path, err)
	}
	id := l.mod.desc.ID
	inst.SetLogger(func(level extism.LogLevel, msg string) {
		l.log.Debug().Str("plugin", id).Str("level", level.String()).Msg(msg)
	})
	return &instance{mod: l.mod, inst: inst}, nil
}

// instance adapts one Extism plugin instance to plugin.Plugin.
type instance struct {
	mod  *module
	inst *extism.Plugin
}

func (p *instance) Describe() domain.PluginDescriptor { return p.mod.desc.Clone() }

func (p *instance) Initialize(ctx context.Context) (bool, error) {
	if !p.mod.hasInit {
		return true, nil
	}
	out, err := p.call(ctx, "initialize", nil)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) != "false", nil
}

type executeInput struct {
	Target  string         `json:"target"`
	Options map[string]any `json:"options"`
}

func (p *instance) Execute(ctx context.Context, target string, options map[string]any) (map[string]any, error) {
	if options == nil {
		options = map[string]any{}
	}
	in, err := json.Marshal(executeInput{Target: target, Options: options})
	if err != nil {
		return nil, fmt.Errorf("encoding input: %w", err)
	}
	out, err := p.call(ctx, "execute", in)
	if err != nil {
		return nil, err
	}
	data, err := domain.DecodeData(out)
	if err != nil {
		return nil, fmt.Errorf("execute output: %w", err)
	}
	return data, nil
}

// Cleanup runs the module's cleanup export, if any, and closes the
// instance.
func (p *instance) Cleanup(ctx context.Context) error {
	var err error
	if p.mod.hasClean {
		_, err = p.call(ctx, "cleanup", nil)
	}
	return errors.Join(err, p.inst.Close(ctx))
}

func (p *instance) call(ctx context.Context, name string, in []byte) ([]byte, error) {
	rc, out, err := p.inst.CallWithContext(ctx, name, in)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", name, ctxErr)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if rc != 0 {
		return nil, fmt.Errorf("%s returned %d", name, rc)
	}
	return out, nil
}
