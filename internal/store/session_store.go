package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/session"
)

// SessionStore implements session.Persister backed by SQLite.
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a session store using the given database.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// Fixed-width so that text order matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

// Save replaces the stored copy of snap in a single transaction.
func (s *SessionStore) Save(snap session.Snapshot) error {
	if snap.ID == "" {
		return session.NewPersistError(session.KindCorruptData, "", errors.New("missing session id"))
	}
	targets, err := json.Marshal(snap.Targets)
	if err != nil {
		return session.NewPersistError(session.KindCorruptData, snap.ID, err)
	}

	tx, err := s.db.sql.Begin()
	if err != nil {
		return session.NewPersistError(session.KindIOFailure, snap.ID, err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO sessions (id, format_version, name, description, notes, targets, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   format_version = excluded.format_version,
		   name = excluded.name,
		   description = excluded.description,
		   notes = excluded.notes,
		   targets = excluded.targets,
		   updated_at = excluded.updated_at`,
		snap.ID, snap.Version, snap.Name, snap.Description, snap.Notes, string(targets),
		formatTS(snap.CreatedAt), formatTS(snap.UpdatedAt),
	)
	if err != nil {
		return session.NewPersistError(session.KindIOFailure, snap.ID, fmt.Errorf("upsert session: %w", err))
	}

	if _, err := tx.Exec(`DELETE FROM results WHERE session_id = ?`, snap.ID); err != nil {
		return session.NewPersistError(session.KindIOFailure, snap.ID, fmt.Errorf("clear results: %w", err))
	}

	stmt, err := tx.Prepare(
		`INSERT INTO results (session_id, seq, plugin_id, target, status, data, error, started_at, finished_at, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return session.NewPersistError(session.KindIOFailure, snap.ID, err)
	}
	defer stmt.Close()

	for i, r := range snap.Results {
		data, errText, err := encodeResult(r)
		if err != nil {
			return session.NewPersistError(session.KindCorruptData, snap.ID, fmt.Errorf("result %d: %w", i, err))
		}
		if _, err := stmt.Exec(
			snap.ID, i, r.PluginID, r.Target, string(r.Status), data, errText,
			formatTS(r.StartedAt), formatTS(r.FinishedAt), int64(r.Duration),
		); err != nil {
			return session.NewPersistError(session.KindIOFailure, snap.ID, fmt.Errorf("insert result %d: %w", i, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return session.NewPersistError(session.KindIOFailure, snap.ID, err)
	}
	s.db.log.Debug().Str("id", snap.ID).Int("entries", len(snap.Results)).Msg("session stored")
	return nil
}

func encodeResult(r domain.ExecutionResult) (data, errText sql.NullString, err error) {
	if r.Data != nil {
		b, err := json.Marshal(r.Data)
		if err != nil {
			return data, errText, err
		}
		data = sql.NullString{String: string(b), Valid: true}
	}
	if r.Error != nil {
		b, err := json.Marshal(r.Error)
		if err != nil {
			return data, errText, err
		}
		errText = sql.NullString{String: string(b), Valid: true}
	}
	return data, errText, nil
}

// Load reads a session by id or by a unique id prefix.
func (s *SessionStore) Load(ref string) (session.Snapshot, error) {
	id, err := s.resolveID(ref)
	if err != nil {
		return session.Snapshot{}, err
	}

	var snap session.Snapshot
	var targets, createdAt, updatedAt string
	err = s.db.sql.QueryRow(
		`SELECT id, format_version, name, description, notes, targets, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&snap.ID, &snap.Version, &snap.Name, &snap.Description, &snap.Notes, &targets, &createdAt, &updatedAt)
	if err != nil {
		return session.Snapshot{}, session.NewPersistError(session.KindIOFailure, ref, err)
	}
	if err := session.CheckVersion(snap, ref); err != nil {
		return session.Snapshot{}, err
	}

	corrupt := func(err error) error { return session.NewPersistError(session.KindCorruptData, ref, err) }
	if err := json.Unmarshal([]byte(targets), &snap.Targets); err != nil {
		return session.Snapshot{}, corrupt(fmt.Errorf("targets: %w", err))
	}
	if snap.Targets == nil {
		snap.Targets = []string{}
	}
	if snap.CreatedAt, err = parseTS(createdAt); err != nil {
		return session.Snapshot{}, corrupt(err)
	}
	if snap.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return session.Snapshot{}, corrupt(err)
	}

	rows, err := s.db.sql.Query(
		`SELECT plugin_id, target, status, data, error, started_at, finished_at, duration_ns
		 FROM results WHERE session_id = ? ORDER BY seq`, id,
	)
	if err != nil {
		return session.Snapshot{}, session.NewPersistError(session.KindIOFailure, ref, err)
	}
	defer rows.Close()

	snap.Results = []domain.ExecutionResult{}
	for rows.Next() {
		var r domain.ExecutionResult
		var status, started, finished string
		var data, errText sql.NullString
		var dur int64
		if err := rows.Scan(&r.PluginID, &r.Target, &status, &data, &errText, &started, &finished, &dur); err != nil {
			return session.Snapshot{}, session.NewPersistError(session.KindIOFailure, ref, err)
		}
		r.Status = domain.Status(status)
		r.Duration = time.Duration(dur)
		if r.StartedAt, err = parseTS(started); err != nil {
			return session.Snapshot{}, corrupt(err)
		}
		if r.FinishedAt, err = parseTS(finished); err != nil {
			return session.Snapshot{}, corrupt(err)
		}
		if data.Valid {
			if r.Data, err = domain.DecodeData([]byte(data.String)); err != nil {
				return session.Snapshot{}, corrupt(err)
			}
		}
		if errText.Valid {
			r.Error = new(domain.ExecError)
			if err := json.Unmarshal([]byte(errText.String), r.Error); err != nil {
				return session.Snapshot{}, corrupt(err)
			}
		}
		snap.Results = append(snap.Results, r)
	}
	if err := rows.Err(); err != nil {
		return session.Snapshot{}, session.NewPersistError(session.KindIOFailure, ref, err)
	}
	return snap, nil
}

func (s *SessionStore) resolveID(ref string) (string, error) {
	if ref == "" || strings.ContainsAny(ref, "%_") {
		return "", session.NewPersistError(session.KindIOFailure, ref, errors.New("invalid session reference"))
	}
	rows, err := s.db.sql.Query(`SELECT id FROM sessions WHERE id = ? OR id LIKE ? LIMIT 2`, ref, ref+"%")
	if err != nil {
		return "", session.NewPersistError(session.KindIOFailure, ref, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", session.NewPersistError(session.KindIOFailure, ref, err)
		}
		if id == ref {
			return id, nil
		}
		ids = append(ids, id)
	}
	switch len(ids) {
	case 0:
		return "", session.NewPersistError(session.KindIOFailure, ref, sql.ErrNoRows)
	case 1:
		return ids[0], nil
	default:
		return "", session.NewPersistError(session.KindIOFailure, ref, errors.New("ambiguous session prefix"))
	}
}

// List summarizes stored sessions, most recently updated first.
func (s *SessionStore) List() ([]session.Summary, error) {
	rows, err := s.db.sql.Query(
		`SELECT s.id, s.name, s.targets, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM results r WHERE r.session_id = s.id)
		 FROM sessions s
		 ORDER BY s.updated_at DESC, s.id DESC`,
	)
	if err != nil {
		return nil, session.NewPersistError(session.KindIOFailure, "", err)
	}
	defer rows.Close()

	var out []session.Summary
	for rows.Next() {
		var sum session.Summary
		var targets, createdAt, updatedAt string
		if err := rows.Scan(&sum.ID, &sum.Name, &targets, &createdAt, &updatedAt, &sum.Entries); err != nil {
			s.db.log.Warn().Err(err).Msg("skipping unreadable session row")
			continue
		}
		var ts []string
		_ = json.Unmarshal([]byte(targets), &ts)
		sum.Targets = len(ts)
		sum.CreatedAt, _ = parseTS(createdAt)
		sum.UpdatedAt, _ = parseTS(updatedAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes a session and its results.
func (s *SessionStore) Delete(id string) error {
	tx, err := s.db.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM results WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}
