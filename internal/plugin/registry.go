package plugin

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/logging"
)

// Registry indexes plugin loaders by id. Readers never lock: the index is
// immutable and replaced wholesale on every change.
type Registry struct {
	mu       sync.Mutex // serializes writers
	idx      atomic.Pointer[index]
	sources  []Source
	static   []Loader
	disabled map[string]bool
	log      *logging.Logger
}

type entry struct {
	desc   domain.PluginDescriptor
	loader Loader
	source string
}

type index struct {
	entries map[string]entry
	ids     []string // sorted
}

func newIndex(entries map[string]entry) *index {
	return &index{entries: entries, ids: slices.Sorted(maps.Keys(entries))}
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logging.Logger) *Registry {
	r := &Registry{
		disabled: make(map[string]bool),
		log:      log.Sub("plugins"),
	}
	r.idx.Store(newIndex(map[string]entry{}))
	return r
}

// AddSource adds a discovery source used by Reload.
func (r *Registry) AddSource(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, s)
}

// Disable excludes ids from future reloads. Already published entries stay
// until the next Reload.
func (r *Registry) Disable(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.disabled[id] = true
	}
}

// Register validates l and adds it to the index. Registering an id that is
// already present fails with DuplicateId and leaves the existing entry in place.
func (r *Registry) Register(l Loader) (domain.PluginDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.idx.Load()
	e, err := r.candidate(l, "static", cur.entries)
	if err != nil {
		return domain.PluginDescriptor{}, err
	}

	next := maps.Clone(cur.entries)
	next[e.desc.ID] = e
	r.idx.Store(newIndex(next))
	r.static = append(r.static, l)

	r.log.Info().
		Str("id", e.desc.ID).
		Str("name", e.desc.Name).
		Str("version", e.desc.Version).
		Str("category", string(e.desc.Category)).
		Msg("plugin registered")

	return e.desc.Clone(), nil
}

func (r *Registry) candidate(l Loader, source string, existing map[string]entry) (entry, error) {
	if l == nil {
		return entry{}, &RegistryError{Kind: KindInvalidDescriptor, Source: source, Err: errors.New("nil loader")}
	}
	d := l.Descriptor()
	if err := ValidateDescriptor(d); err != nil {
		return entry{}, &RegistryError{Kind: KindInvalidDescriptor, ID: d.ID, Source: source, Err: err}
	}
	if prev, ok := existing[d.ID]; ok {
		err := fmt.Errorf("already registered by %s", prev.source)
		if CompareVersions(d.Version, prev.desc.Version) > 0 {
			err = fmt.Errorf("already registered by %s at %s, rejected version %s is newer",
				prev.source, prev.desc.Version, d.Version)
		}
		return entry{}, &RegistryError{Kind: KindDuplicateID, ID: d.ID, Source: source, Err: err}
	}
	return entry{desc: d.Clone(), loader: l, source: source}, nil
}

// Resolve returns the loader for id.
func (r *Registry) Resolve(id string) (Loader, error) {
	e, ok := r.idx.Load().entries[id]
	if !ok {
		return nil, &RegistryError{Kind: KindNotFound, ID: id}
	}
	return e.loader, nil
}

// Descriptor returns the registered descriptor for id.
func (r *Registry) Descriptor(id string) (domain.PluginDescriptor, error) {
	e, ok := r.idx.Load().entries[id]
	if !ok {
		return domain.PluginDescriptor{}, &RegistryError{Kind: KindNotFound, ID: id}
	}
	return e.desc.Clone(), nil
}

// List yields descriptors ordered by id, optionally filtered by category.
// An empty category yields everything. Each iteration reads the index
// current at the time it starts.
func (r *Registry) List(cat domain.Category) iter.Seq[domain.PluginDescriptor] {
	return func(yield func(domain.PluginDescriptor) bool) {
		idx := r.idx.Load()
		for _, id := range idx.ids {
			d := idx.entries[id].desc
			if cat != "" && d.Category != cat {
				continue
			}
			if !yield(d.Clone()) {
				return
			}
		}
	}
}

// Descriptors collects List(cat) into a slice.
func (r *Registry) Descriptors(cat domain.Category) []domain.PluginDescriptor {
	return slices.Collect(r.List(cat))
}

// Count returns the number of indexed plugins.
func (r *Registry) Count() int {
	return len(r.idx.Load().entries)
}

// Reload rebuilds the index from statically registered loaders and all
// sources, then publishes it in one atomic swap. Rejected candidates and
// failing sources are skipped; their errors are joined into the result.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	next := make(map[string]entry)

	add := func(l Loader, source string) {
		if l != nil && r.disabled[l.Descriptor().ID] {
			r.log.Debug().Str("id", l.Descriptor().ID).Str("source", source).Msg("plugin disabled")
			return
		}
		e, err := r.candidate(l, source, next)
		if err != nil {
			r.log.Warn().Err(err).Str("source", source).Msg("plugin rejected")
			errs = append(errs, err)
			return
		}
		next[e.desc.ID] = e
	}

	for _, l := range r.static {
		add(l, "static")
	}
	for _, s := range r.sources {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("reload aborted: %w", err)
		}
		loaders, err := s.Discover(ctx)
		if err != nil {
			r.log.Error().Err(err).Str("source", s.Name()).Msg("discovery failed")
			errs = append(errs, fmt.Errorf("source %s: %w", s.Name(), err))
		}
		for _, l := range loaders {
			add(l, s.Name())
		}
	}

	r.idx.Store(newIndex(next))
	r.log.Info().Int("count", len(next)).Int("rejected", len(errs)).Msg("plugin index published")
	return errors.Join(errs...)
}
