package plugin

import "context"

// Source discovers plugin loaders. Discovery should be cheap to repeat:
// Reload calls it every time the index is rebuilt.
type Source interface {
	Name() string
	Discover(ctx context.Context) ([]Loader, error)
}

// StaticSource serves a fixed set of loaders.
type StaticSource struct {
	SourceName string
	Loaders    []Loader
}

// Name returns the source name.
func (s StaticSource) Name() string { return s.SourceName }

// Discover returns the fixed loaders.
func (s StaticSource) Discover(context.Context) ([]Loader, error) {
	return s.Loaders, nil
}
