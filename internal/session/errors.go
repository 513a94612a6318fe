package session

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned for session ids the manager does not hold.
var ErrNotFound = errors.New("session not found")

// PersistErrorKind classifies persistence failures.
type PersistErrorKind string

const (
	KindIOFailure       PersistErrorKind = "IOFailure"
	KindCorruptData     PersistErrorKind = "CorruptData"
	KindVersionMismatch PersistErrorKind = "VersionMismatch"
)

// Sentinels for errors.Is.
var (
	ErrIOFailure       = &PersistError{Kind: KindIOFailure}
	ErrCorruptData     = &PersistError{Kind: KindCorruptData}
	ErrVersionMismatch = &PersistError{Kind: KindVersionMismatch}
)

// PersistError reports a failed save or load.
type PersistError struct {
	Kind PersistErrorKind
	Ref  string
	Err  error
}

func (e *PersistError) Error() string {
	msg := "session " + string(e.Kind)
	if e.Ref != "" {
		msg += fmt.Sprintf(" (%s)", e.Ref)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PersistError) Unwrap() error { return e.Err }

// Is matches any PersistError of the same kind.
func (e *PersistError) Is(target error) bool {
	t, ok := target.(*PersistError)
	return ok && t.Kind == e.Kind
}

// NewPersistError wraps err with a kind and a reference (id or path).
func NewPersistError(kind PersistErrorKind, ref string, err error) *PersistError {
	return &PersistError{Kind: kind, Ref: ref, Err: err}
}

// CheckVersion rejects snapshots written in another format version.
func CheckVersion(snap Snapshot, ref string) error {
	if snap.Version != FormatVersion {
		return NewPersistError(KindVersionMismatch, ref,
			fmt.Errorf("format version %d, want %d", snap.Version, FormatVersion))
	}
	if snap.ID == "" {
		return NewPersistError(KindCorruptData, ref, errors.New("missing session id"))
	}
	return nil
}
