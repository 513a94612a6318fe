// Package session records execution results for one operator's working
// context and persists them.
package session

import (
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phantom-sec/phantom/internal/domain"
)

// FormatVersion is the persisted snapshot format. Snapshots with any other
// version are rejected on load.
const FormatVersion = 1

// Session is an ordered, append-only record of execution results.
// It is safe for concurrent appends.
type Session struct {
	mu          sync.RWMutex
	id          string
	name        string
	description string
	notes       string
	createdAt   time.Time
	updatedAt   time.Time
	targets     []string
	seen        map[string]struct{}
	results     []domain.ExecutionResult
}

// Snapshot is the persisted, immutable view of a session.
type Snapshot struct {
	Version     int                      `json:"version"`
	ID          string                   `json:"session_id"`
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	Notes       string                   `json:"notes"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
	Targets     []string                 `json:"targets"`
	Results     []domain.ExecutionResult `json:"results"`
}

// Summary describes a persisted session without its results.
type Summary struct {
	ID        string    `json:"session_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Entries   int       `json:"entries"`
	Targets   int       `json:"targets"`
}

// NewID returns a time-ordered unique id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// New creates an empty session.
func New(name string) *Session {
	now := time.Now().UTC()
	return &Session{
		id:        NewID(),
		name:      name,
		createdAt: now,
		updatedAt: now,
		seen:      make(map[string]struct{}),
	}
}

// FromSnapshot rebuilds a live session from a snapshot.
func FromSnapshot(snap Snapshot) *Session {
	s := &Session{
		id:          snap.ID,
		name:        snap.Name,
		description: snap.Description,
		notes:       snap.Notes,
		createdAt:   snap.CreatedAt,
		updatedAt:   snap.UpdatedAt,
		seen:        make(map[string]struct{}),
		results:     make([]domain.ExecutionResult, 0, len(snap.Results)),
	}
	for _, t := range snap.Targets {
		s.addTarget(t)
	}
	for _, r := range snap.Results {
		s.addTarget(r.Target)
		s.results = append(s.results, r.Clone())
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Name returns the session name.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// SetName renames the session.
func (s *Session) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
	s.touch()
}

// SetDescription sets the free-form description.
func (s *Session) SetDescription(d string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.description = d
	s.touch()
}

// AddNote appends a line to the session notes.
func (s *Session) AddNote(note string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notes != "" {
		s.notes += "\n"
	}
	s.notes += note
	s.touch()
}

func (s *Session) touch() {
	now := time.Now().UTC()
	if now.After(s.updatedAt) {
		s.updatedAt = now
	}
}

func (s *Session) addTarget(t string) {
	if t == "" {
		return
	}
	if _, ok := s.seen[t]; ok {
		return
	}
	s.seen[t] = struct{}{}
	s.targets = append(s.targets, t)
}

// Append records r as the newest entry. Timestamps are stored in UTC and
// FinishedAt is raised to the previous entry's if it would go backwards, so
// finish times never decrease along the sequence. A raised entry gets its
// Duration recomputed from the stored timestamps. Data is stored in
// canonical JSON form.
func (s *Session) Append(r domain.ExecutionResult) (domain.ExecutionResult, error) {
	data, err := domain.NormalizeData(r.Data)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	r.Data = data
	if r.Error != nil {
		e := *r.Error
		r.Error = &e
	}
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.results); n > 0 {
		if last := s.results[n-1].FinishedAt; r.FinishedAt.Before(last) {
			r.FinishedAt = last
			r.Duration = r.FinishedAt.Sub(r.StartedAt)
		}
	}
	s.results = append(s.results, r)
	s.addTarget(r.Target)
	s.touch()
	return r.Clone(), nil
}

// Len returns the number of entries.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// Targets returns the distinct targets in first-seen order.
func (s *Session) Targets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.targets)
}

// Query yields entries matching pred (all entries when pred is nil) in
// append order. Every iteration works on the entries present when it
// starts, so the sequence can be ranged over repeatedly.
func (s *Session) Query(pred func(domain.ExecutionResult) bool) iter.Seq[domain.ExecutionResult] {
	return func(yield func(domain.ExecutionResult) bool) {
		s.mu.RLock()
		results := slices.Clone(s.results)
		s.mu.RUnlock()

		for _, r := range results {
			if pred != nil && !pred(r) {
				continue
			}
			if !yield(r.Clone()) {
				return
			}
		}
	}
}

// Snapshot returns a deep copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Version:     FormatVersion,
		ID:          s.id,
		Name:        s.name,
		Description: s.description,
		Notes:       s.notes,
		CreatedAt:   s.createdAt,
		UpdatedAt:   s.updatedAt,
		Targets:     append([]string{}, s.targets...),
		Results:     make([]domain.ExecutionResult, 0, len(s.results)),
	}
	for _, r := range s.results {
		snap.Results = append(snap.Results, r.Clone())
	}
	return snap
}

// Summary returns the session summary.
func (s *Session) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Summary{
		ID:        s.id,
		Name:      s.name,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
		Entries:   len(s.results),
		Targets:   len(s.targets),
	}
}

// Summarize builds a Summary from a snapshot.
func (snap Snapshot) Summarize() Summary {
	return Summary{
		ID:        snap.ID,
		Name:      snap.Name,
		CreatedAt: snap.CreatedAt,
		UpdatedAt: snap.UpdatedAt,
		Entries:   len(snap.Results),
		Targets:   len(snap.Targets),
	}
}

// ByStatus matches results with status st.
func ByStatus(st domain.Status) func(domain.ExecutionResult) bool {
	return func(r domain.ExecutionResult) bool { return r.Status == st }
}

// ByPlugin matches results produced by plugin id.
func ByPlugin(id string) func(domain.ExecutionResult) bool {
	return func(r domain.ExecutionResult) bool { return r.PluginID == id }
}

// ByTarget matches results for target.
func ByTarget(target string) func(domain.ExecutionResult) bool {
	return func(r domain.ExecutionResult) bool { return r.Target == target }
}
