package plugin

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/logging"
)

func testRegistry() *Registry {
	return NewRegistry(logging.New(nil, "silent"))
}

func ids(ds []domain.PluginDescriptor) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}

func TestRegistry_RegisterResolve(t *testing.T) {
	reg := testRegistry()
	l := NewMockLoader("ping", domain.CategoryRecon)

	desc, err := reg.Register(l)
	require.NoError(t, err)
	assert.Equal(t, l.Descriptor(), desc)

	got, err := reg.Resolve("ping")
	require.NoError(t, err)
	assert.Same(t, l, got)

	d, err := reg.Descriptor("ping")
	require.NoError(t, err)
	assert.Equal(t, desc, d)
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := testRegistry()
	first := NewMockLoader("ping", domain.CategoryRecon)
	second := NewMockLoader("ping", domain.CategoryNetwork)

	_, err := reg.Register(first)
	require.NoError(t, err)

	_, err = reg.Register(second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateID)

	got, err := reg.Resolve("ping")
	require.NoError(t, err)
	assert.Same(t, first, got)
	d, _ := reg.Descriptor("ping")
	assert.Equal(t, domain.CategoryRecon, d.Category)
}

func TestRegistry_Register_DuplicateNewerVersion(t *testing.T) {
	reg := testRegistry()
	_, err := reg.Register(NewMockLoader("ping", domain.CategoryRecon))
	require.NoError(t, err)

	newer := NewMockLoader("ping", domain.CategoryRecon)
	newer.Template.Desc.Version = "1.4.0"
	_, err = reg.Register(newer)
	require.ErrorIs(t, err, ErrDuplicateID)
	assert.Contains(t, err.Error(), "rejected version 1.4.0 is newer")

	d, _ := reg.Descriptor("ping")
	assert.Equal(t, "1.0.0", d.Version)
}

func TestRegistry_Resolve_NotFound(t *testing.T) {
	reg := testRegistry()
	_, err := reg.Resolve("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, errors.Is(err, ErrDuplicateID))
	assert.Contains(t, err.Error(), `"nope"`)
}

func TestRegistry_Register_Invalid(t *testing.T) {
	tests := []struct {
		name string
		desc domain.PluginDescriptor
	}{
		{"empty id", domain.PluginDescriptor{Name: "x", Version: "1.0.0", Category: domain.CategoryRecon}},
		{"bad id", domain.PluginDescriptor{ID: "Bad ID", Name: "x", Version: "1.0.0", Category: domain.CategoryRecon}},
		{"no name", domain.PluginDescriptor{ID: "x", Version: "1.0.0", Category: domain.CategoryRecon}},
		{"bad version", domain.PluginDescriptor{ID: "x", Name: "x", Version: "one", Category: domain.CategoryRecon}},
		{"bad category", domain.PluginDescriptor{ID: "x", Name: "x", Version: "1.0.0", Category: "malware"}},
		{"negative cost", domain.PluginDescriptor{ID: "x", Name: "x", Version: "1.0.0", Category: domain.CategoryWeb, Cost: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := testRegistry()
			l := &MockLoader{Template: Mock{Desc: tt.desc}}
			_, err := reg.Register(l)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDescriptor)
			assert.Equal(t, 0, reg.Count())
		})
	}
}

func TestRegistry_Register_NilLoader(t *testing.T) {
	_, err := testRegistry().Register(nil)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestRegistry_List(t *testing.T) {
	reg := testRegistry()
	for _, l := range []*MockLoader{
		NewMockLoader("whois", domain.CategoryRecon),
		NewMockLoader("crawl", domain.CategoryWeb),
		NewMockLoader("dns", domain.CategoryRecon),
	} {
		_, err := reg.Register(l)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"crawl", "dns", "whois"}, ids(reg.Descriptors("")))
	assert.Equal(t, []string{"dns", "whois"}, ids(reg.Descriptors(domain.CategoryRecon)))
	assert.Empty(t, reg.Descriptors(domain.CategoryCloud))

	// Early break and restart.
	seq := reg.List("")
	for d := range seq {
		assert.Equal(t, "crawl", d.ID)
		break
	}
	assert.Len(t, slices.Collect(seq), 3)
}

func TestRegistry_List_DescriptorsAreCopies(t *testing.T) {
	reg := testRegistry()
	l := NewMockLoader("dns", domain.CategoryRecon)
	l.Template.Desc.Dependencies = []string{"dig"}
	_, err := reg.Register(l)
	require.NoError(t, err)

	for d := range reg.List("") {
		d.Dependencies[0] = "mutated"
	}
	d, _ := reg.Descriptor("dns")
	assert.Equal(t, []string{"dig"}, d.Dependencies)
}

type failingSource struct{}

func (failingSource) Name() string { return "broken" }
func (failingSource) Discover(context.Context) ([]Loader, error) {
	return nil, errors.New("permission denied")
}

func TestRegistry_Reload(t *testing.T) {
	reg := testRegistry()
	_, err := reg.Register(NewMockLoader("static-one", domain.CategoryRecon))
	require.NoError(t, err)

	bad := &MockLoader{Template: Mock{Desc: domain.PluginDescriptor{ID: "bad"}}}
	reg.AddSource(StaticSource{SourceName: "a", Loaders: []Loader{
		NewMockLoader("alpha", domain.CategoryWeb),
		NewMockLoader("hidden", domain.CategoryWeb),
		bad,
	}})
	reg.AddSource(StaticSource{SourceName: "b", Loaders: []Loader{
		NewMockLoader("alpha", domain.CategoryCloud),
		NewMockLoader("beta", domain.CategoryCloud),
	}})
	reg.AddSource(failingSource{})
	reg.Disable("hidden")

	err = reg.Reload(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Contains(t, err.Error(), "permission denied")

	assert.Equal(t, []string{"alpha", "beta", "static-one"}, ids(reg.Descriptors("")))
	d, err := reg.Descriptor("alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryWeb, d.Category)
}

func TestRegistry_Reload_Cancelled(t *testing.T) {
	reg := testRegistry()
	_, err := reg.Register(NewMockLoader("keep", domain.CategoryRecon))
	require.NoError(t, err)
	reg.AddSource(StaticSource{SourceName: "a"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, reg.Reload(ctx), context.Canceled)
	assert.Equal(t, 1, reg.Count())
}

// Readers during reload see either the old or the new index, never a mix.
func TestRegistry_Reload_Atomic(t *testing.T) {
	reg := testRegistry()
	oldSet := []Loader{NewMockLoader("a1", domain.CategoryRecon), NewMockLoader("a2", domain.CategoryRecon)}
	newSet := []Loader{NewMockLoader("b1", domain.CategoryRecon), NewMockLoader("b2", domain.CategoryRecon)}

	src := &swapSource{sets: [][]Loader{oldSet, newSet}}
	reg.AddSource(src)
	require.NoError(t, reg.Reload(context.Background()))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var mixed bool
	var mu sync.Mutex
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got := ids(reg.Descriptors(""))
				if !slices.Equal(got, []string{"a1", "a2"}) && !slices.Equal(got, []string{"b1", "b2"}) {
					mu.Lock()
					mixed = true
					mu.Unlock()
				}
			}
		}()
	}
	for range 50 {
		require.NoError(t, reg.Reload(context.Background()))
	}
	close(stop)
	wg.Wait()
	assert.False(t, mixed)
}

type swapSource struct {
	mu   sync.Mutex
	n    int
	sets [][]Loader
}

func (s *swapSource) Name() string { return "swap" }
func (s *swapSource) Discover(context.Context) ([]Loader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[s.n%len(s.sets)]
	s.n++
	return set, nil
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, -1, CompareVersions("1.2.0", "1.10.0"))
	assert.Equal(t, 0, CompareVersions("v1.0.0", "1.0.0"))
	assert.Equal(t, 1, CompareVersions("2.0.0", "2.0.0-rc.1"))
	assert.Equal(t, -1, CompareVersions("garbage", "0.0.1"))
}
