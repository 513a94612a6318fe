package session

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"

	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/logging"
)

// Persister stores session snapshots.
type Persister interface {
	Save(snap Snapshot) error
	Load(ref string) (Snapshot, error)
	List() ([]Summary, error)
}

// Manager holds the live sessions of a process. Several sessions may be
// open at once; each is owned by whoever created or loaded it.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	persister Persister
	onSave    func(Summary)
	log       *logging.Logger

	saveMu sync.Mutex
	saving map[string]*sync.Mutex
}

// NewManager creates a manager. A nil persister makes Save, Load and List fail.
func NewManager(p Persister, log *logging.Logger) *Manager {
	return &Manager{
		sessions:  make(map[string]*Session),
		saving:    make(map[string]*sync.Mutex),
		persister: p,
		log:       log.Sub("session"),
	}
}

// OnSave registers fn to be called after every successful save.
func (m *Manager) OnSave(fn func(Summary)) {
	m.mu.Lock()
	m.onSave = fn
	m.mu.Unlock()
}

// Create starts a new, empty session.
func (m *Manager) Create(name string) *Session {
	s := New(name)
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.log.Info().Str("id", s.ID()).Str("name", name).Msg("session created")
	return s
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Append records a result in session id.
func (m *Manager) Append(id string, r domain.ExecutionResult) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	_, err = s.Append(r)
	return err
}

// saveLock returns the mutex serializing saves of session id.
func (m *Manager) saveLock(id string) *sync.Mutex {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	l, ok := m.saving[id]
	if !ok {
		l = &sync.Mutex{}
		m.saving[id] = l
	}
	return l
}

// Save persists session id. Saves of one session run one at a time, each
// writing a snapshot at least as new as the one before it. On failure the
// live session is untouched and the save can be retried.
func (m *Manager) Save(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if m.persister == nil {
		return NewPersistError(KindIOFailure, id, errors.New("no persister configured"))
	}

	l := m.saveLock(id)
	l.Lock()
	defer l.Unlock()

	snap := s.Snapshot()
	if err := m.persister.Save(snap); err != nil {
		m.log.Error().Err(err).Str("id", id).Msg("session save failed")
		return err
	}
	m.log.Info().Str("id", id).Int("entries", len(snap.Results)).Msg("session saved")

	m.mu.RLock()
	fn := m.onSave
	m.mu.RUnlock()
	if fn != nil {
		fn(snap.Summarize())
	}
	return nil
}

// SaveAll persists every live session, joining the failures.
func (m *Manager) SaveAll() error {
	var errs []error
	for _, id := range m.IDs() {
		if err := m.Save(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Load reads a persisted session and makes it live, replacing any live
// session with the same id.
func (m *Manager) Load(ref string) (*Session, error) {
	if m.persister == nil {
		return nil, NewPersistError(KindIOFailure, ref, errors.New("no persister configured"))
	}
	snap, err := m.persister.Load(ref)
	if err != nil {
		return nil, err
	}
	s := FromSnapshot(snap)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.log.Info().Str("id", s.ID()).Int("entries", s.Len()).Msg("session loaded")
	return s, nil
}

// Resolve returns the live session id, loading it from storage if needed.
// A unique id prefix of a persisted session is accepted.
func (m *Manager) Resolve(ref string) (*Session, error) {
	if s, err := m.Get(ref); err == nil {
		return s, nil
	}
	s, err := m.Load(ref)
	if err == nil || m.persister == nil {
		return s, err
	}

	summaries, lerr := m.persister.List()
	if lerr != nil {
		return nil, err
	}
	var match []string
	for _, sum := range summaries {
		if strings.HasPrefix(sum.ID, ref) {
			match = append(match, sum.ID)
		}
	}
	if len(match) != 1 {
		return nil, err
	}
	return m.Load(match[0])
}

// Query yields the entries of session id that match pred.
func (m *Manager) Query(id string, pred func(domain.ExecutionResult) bool) (iter.Seq[domain.ExecutionResult], error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Query(pred), nil
}

// List summarizes persisted sessions.
func (m *Manager) List() ([]Summary, error) {
	if m.persister == nil {
		return nil, NewPersistError(KindIOFailure, "", errors.New("no persister configured"))
	}
	return m.persister.List()
}

// IDs returns the ids of live sessions in sorted order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Forget drops a live session without touching storage.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	m.saveMu.Lock()
	delete(m.saving, id)
	m.saveMu.Unlock()
}
