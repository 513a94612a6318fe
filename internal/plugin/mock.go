package plugin

import (
	"context"
	"sync/atomic"

	"github.com/phantom-sec/phantom/internal/domain"
)

// Mock is a test double for Plugin. Nil funcs fall back to success.
type Mock struct {
	Desc        domain.PluginDescriptor
	InitFunc    func(ctx context.Context) (bool, error)
	ExecuteFunc func(ctx context.Context, target string, options map[string]any) (map[string]any, error)
	CleanupFunc func(ctx context.Context) error
	Counters    *MockCounters
}

// MockCounters records lifecycle calls across every instance a MockLoader builds.
type MockCounters struct {
	New        atomic.Int64
	Initialize atomic.Int64
	Execute    atomic.Int64
	Cleanup    atomic.Int64
}

func (m *Mock) Describe() domain.PluginDescriptor { return m.Desc }

func (m *Mock) Initialize(ctx context.Context) (bool, error) {
	if m.Counters != nil {
		m.Counters.Initialize.Add(1)
	}
	if m.InitFunc != nil {
		return m.InitFunc(ctx)
	}
	return true, nil
}

func (m *Mock) Execute(ctx context.Context, target string, options map[string]any) (map[string]any, error) {
	if m.Counters != nil {
		m.Counters.Execute.Add(1)
	}
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, target, options)
	}
	return map[string]any{"target": target}, nil
}

func (m *Mock) Cleanup(ctx context.Context) error {
	if m.Counters != nil {
		m.Counters.Cleanup.Add(1)
	}
	if m.CleanupFunc != nil {
		return m.CleanupFunc(ctx)
	}
	return nil
}

// MockLoader builds Mock instances sharing one set of counters.
type MockLoader struct {
	Template Mock
	NewErr   error
	Counters MockCounters
}

// NewMockLoader returns a loader for a minimal valid descriptor.
func NewMockLoader(id string, cat domain.Category) *MockLoader {
	return &MockLoader{Template: Mock{Desc: domain.PluginDescriptor{
		ID:       id,
		Name:     id,
		Version:  "1.0.0",
		Category: cat,
	}}}
}

func (l *MockLoader) Descriptor() domain.PluginDescriptor { return l.Template.Desc }

func (l *MockLoader) New() (Plugin, error) {
	l.Counters.New.Add(1)
	if l.NewErr != nil {
		return nil, l.NewErr
	}
	m := l.Template
	m.Counters = &l.Counters
	return &m, nil
}
