package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the terminal outcome of an execution.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// ErrorKind classifies why an execution did not succeed.
type ErrorKind string

const (
	ErrUnknownPlugin         ErrorKind = "UnknownPlugin"
	ErrInitializationRefused ErrorKind = "InitializationRefused"
	ErrInitializationError   ErrorKind = "InitializationError"
	ErrExecutionError        ErrorKind = "ExecutionError"
	ErrTimeout               ErrorKind = "Timeout"
	ErrCancelled             ErrorKind = "Cancelled"
)

// ExecError is the structured cause carried by a non-successful result.
type ExecError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Cause   string    `json:"cause,omitempty"`
}

func (e *ExecError) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches another *ExecError of the same kind that carries no message,
// so errors.Is(err, &ExecError{Kind: ErrTimeout}) works.
func (e *ExecError) Is(target error) bool {
	t, ok := target.(*ExecError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Cause == ""
}

// NewExecError builds an ExecError, recording cause's text when present.
func NewExecError(kind ErrorKind, msg string, cause error) *ExecError {
	e := &ExecError{Kind: kind, Message: msg}
	if cause != nil {
		e.Cause = cause.Error()
	}
	return e
}

// ExecutionRequest asks the engine to run one plugin against one target.
type ExecutionRequest struct {
	PluginID string `json:"plugin_id"`
	Target   string `json:"target"`

	// Options are forwarded to the plugin untouched; unknown keys are allowed.
	Options map[string]any `json:"options,omitempty"`

	// Timeout overrides the engine default when non-zero.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ExecutionResult is the complete record of one execution, whatever its outcome.
type ExecutionResult struct {
	PluginID   string         `json:"plugin_id"`
	Target     string         `json:"target"`
	Status     Status         `json:"status"`
	Data       map[string]any `json:"data"`
	Error      *ExecError     `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Duration   time.Duration  `json:"duration"`
}

// Succeeded reports whether the result has status success.
func (r ExecutionResult) Succeeded() bool { return r.Status == StatusSuccess }

// Clone returns a copy whose Data map and Error are not shared with r.
func (r ExecutionResult) Clone() ExecutionResult {
	if r.Data != nil {
		// Data is canonical JSON; a round trip is a cheap deep copy.
		if d, err := NormalizeData(r.Data); err == nil {
			r.Data = d
		}
	}
	if r.Error != nil {
		e := *r.Error
		r.Error = &e
	}
	return r
}

// NormalizeData converts plugin output into canonical JSON form: nested
// map[string]any / []any, with numbers held as json.Number. Values stored in
// this form survive persistence unchanged.
func NormalizeData(data map[string]any) (map[string]any, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding plugin data: %w", err)
	}
	return DecodeData(raw)
}

// DecodeData decodes a JSON object into canonical form.
func DecodeData(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding plugin data: %w", err)
	}
	return out, nil
}
