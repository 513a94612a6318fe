package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/logging"
)

// FilePersister stores each session as <dir>/<id>.json.
type FilePersister struct {
	dir string
	log *logging.Logger
}

// NewFilePersister creates a persister rooted at dir. The directory is
// created on first save.
func NewFilePersister(dir string, log *logging.Logger) *FilePersister {
	return &FilePersister{dir: dir, log: log.Sub("session-files")}
}

// Dir returns the storage directory.
func (p *FilePersister) Dir() string { return p.dir }

func (p *FilePersister) path(id string) string {
	return filepath.Join(p.dir, id+".json")
}

// Save writes snap atomically: a temp file in the same directory is renamed
// over the target, so a failed save never leaves a truncated file.
func (p *FilePersister) Save(snap Snapshot) error {
	if snap.ID == "" || strings.ContainsAny(snap.ID, `/\`) {
		return NewPersistError(KindCorruptData, snap.ID, errors.New("invalid session id"))
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return NewPersistError(KindCorruptData, snap.ID, err)
	}
	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return NewPersistError(KindIOFailure, p.dir, err)
	}

	tmp, err := os.CreateTemp(p.dir, "."+snap.ID+"-*.tmp")
	if err != nil {
		return NewPersistError(KindIOFailure, snap.ID, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		cleanup()
		return NewPersistError(KindIOFailure, snap.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return NewPersistError(KindIOFailure, snap.ID, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return NewPersistError(KindIOFailure, snap.ID, err)
	}
	if err := os.Rename(tmpName, p.path(snap.ID)); err != nil {
		cleanup()
		return NewPersistError(KindIOFailure, snap.ID, err)
	}

	p.log.Debug().Str("id", snap.ID).Int("entries", len(snap.Results)).Msg("session written")
	return nil
}

// Load reads a session. ref is either a session id or a path to a
// snapshot file.
func (p *FilePersister) Load(ref string) (Snapshot, error) {
	path := ref
	if !strings.HasSuffix(ref, ".json") && !strings.ContainsAny(ref, `/\`) {
		path = p.path(ref)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, NewPersistError(KindIOFailure, ref, err)
	}
	return DecodeSnapshot(data, ref)
}

// DecodeSnapshot parses a JSON snapshot, keeping numbers exact.
func DecodeSnapshot(data []byte, ref string) (Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var snap Snapshot
	if err := dec.Decode(&snap); err != nil {
		return Snapshot{}, NewPersistError(KindCorruptData, ref, err)
	}
	if err := CheckVersion(snap, ref); err != nil {
		return Snapshot{}, err
	}
	if snap.Targets == nil {
		snap.Targets = []string{}
	}
	if snap.Results == nil {
		snap.Results = []domain.ExecutionResult{}
	}
	return snap, nil
}

// List summarizes every readable snapshot in the directory, most recently
// updated first. Unreadable files are skipped.
func (p *FilePersister) List() ([]Summary, error) {
	entries, err := os.ReadDir(p.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, NewPersistError(KindIOFailure, p.dir, err)
	}

	var out []Summary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		snap, err := p.Load(filepath.Join(p.dir, name))
		if err != nil {
			p.log.Warn().Err(err).Str("file", name).Msg("skipping unreadable session")
			continue
		}
		out = append(out, snap.Summarize())
	}
	slices.SortFunc(out, func(a, b Summary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out, nil
}

// Delete removes a persisted session.
func (p *FilePersister) Delete(id string) error {
	if err := os.Remove(p.path(id)); err != nil {
		return NewPersistError(KindIOFailure, id, fmt.Errorf("delete: %w", err))
	}
	return nil
}
