// Package plugin defines the plugin contract and the registry that indexes
// available plugins for the engine.
package plugin

import (
	"context"

	"github.com/phantom-sec/phantom/internal/domain"
)

// Plugin is the interface every security module implements.
// An instance is owned by the engine for one execution and then discarded.
type Plugin interface {
	// Describe returns the plugin's descriptor. It must be side-effect free
	// and callable before Initialize.
	Describe() domain.PluginDescriptor

	// Initialize acquires whatever the plugin needs. Returning false with a
	// nil error means "not ready, skip".
	Initialize(ctx context.Context) (bool, error)

	// Execute runs the plugin against target. Implementations must return
	// promptly once ctx is done.
	Execute(ctx context.Context, target string, options map[string]any) (map[string]any, error)

	// Cleanup releases everything acquired since construction. The engine
	// calls it exactly once per instance.
	Cleanup(ctx context.Context) error
}

// Loader constructs fresh plugin instances. Construction is deferred until
// the engine actually runs the plugin.
type Loader interface {
	Descriptor() domain.PluginDescriptor
	New() (Plugin, error)
}

// FuncLoader adapts a constructor function to the Loader interface.
type FuncLoader struct {
	Desc    domain.PluginDescriptor
	NewFunc func() (Plugin, error)
}

// Descriptor returns the loader's descriptor.
func (l FuncLoader) Descriptor() domain.PluginDescriptor { return l.Desc }

// New calls the wrapped constructor.
func (l FuncLoader) New() (Plugin, error) { return l.NewFunc() }

// Base provides no-op Initialize and Cleanup for simple plugins.
type Base struct{}

// Initialize always reports ready.
func (Base) Initialize(context.Context) (bool, error) { return true, nil }

// Cleanup does nothing.
func (Base) Cleanup(context.Context) error { return nil }
