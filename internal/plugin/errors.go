package plugin

import (
	"errors"
	"fmt"
)

// RegistryErrorKind classifies registry failures.
type RegistryErrorKind string

const (
	KindNotFound          RegistryErrorKind = "NotFound"
	KindDuplicateID       RegistryErrorKind = "DuplicateId"
	KindInvalidDescriptor RegistryErrorKind = "InvalidDescriptor"
)

// Sentinels for errors.Is.
var (
	ErrNotFound          = &RegistryError{Kind: KindNotFound}
	ErrDuplicateID       = &RegistryError{Kind: KindDuplicateID}
	ErrInvalidDescriptor = &RegistryError{Kind: KindInvalidDescriptor}
)

// RegistryError is returned by Register, Resolve and Reload.
type RegistryError struct {
	Kind   RegistryErrorKind
	ID     string
	Source string
	Err    error
}

func (e *RegistryError) Error() string {
	msg := string(e.Kind)
	if e.ID != "" {
		msg = fmt.Sprintf("%s %q", msg, e.ID)
	}
	if e.Source != "" {
		msg += " (source " + e.Source + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RegistryError) Unwrap() error { return e.Err }

// Is matches any RegistryError of the same kind.
func (e *RegistryError) Is(target error) bool {
	var t *RegistryError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}
