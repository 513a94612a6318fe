package store

import (
	"database/sql"
	"time"

	"github.com/phantom-sec/phantom/internal/domain"
)

// Finding is one stored result matched by a full-text search.
type Finding struct {
	SessionID  string        `json:"session_id"`
	Seq        int           `json:"seq"`
	PluginID   string        `json:"plugin_id"`
	Target     string        `json:"target"`
	Status     domain.Status `json:"status"`
	Snippet    string        `json:"snippet"`
	FinishedAt time.Time     `json:"finished_at"`
	Rank       float64       `json:"rank"`
}

// FindingStore searches results across all stored sessions.
type FindingStore struct {
	db *DB
}

// NewFindingStore creates a finding store using the given database.
func NewFindingStore(db *DB) *FindingStore {
	return &FindingStore{db: db}
}

// Search finds results whose plugin, target, data or error match the FTS5
// query. Results are ranked by relevance. Limit of 0 defaults to 20.
func (f *FindingStore) Search(query string, limit int) ([]Finding, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := f.db.sql.Query(
		`SELECT r.session_id, r.seq, r.plugin_id, r.target, r.status,
		        snippet(findings_fts, -1, '[', ']', '...', 12),
		        r.finished_at, rank
		 FROM findings_fts
		 JOIN results r ON r.rowid = findings_fts.rowid
		 WHERE findings_fts MATCH ?
		 ORDER BY rank
		 LIMIT ?`,
		query, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFindings(rows)
}

// SearchBySession restricts Search to one session.
func (f *FindingStore) SearchBySession(sessionID, query string, limit int) ([]Finding, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := f.db.sql.Query(
		`SELECT r.session_id, r.seq, r.plugin_id, r.target, r.status,
		        snippet(findings_fts, -1, '[', ']', '...', 12),
		        r.finished_at, rank
		 FROM findings_fts
		 JOIN results r ON r.rowid = findings_fts.rowid
		 WHERE findings_fts MATCH ?
		   AND r.session_id = ?
		 ORDER BY rank
		 LIMIT ?`,
		query, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFindings(rows)
}

func scanFindings(rows *sql.Rows) ([]Finding, error) {
	var out []Finding
	for rows.Next() {
		var fd Finding
		var status, finished string
		var snippet sql.NullString

		if err := rows.Scan(
			&fd.SessionID, &fd.Seq, &fd.PluginID, &fd.Target, &status,
			&snippet, &finished, &fd.Rank,
		); err != nil {
			continue
		}

		fd.Status = domain.Status(status)
		fd.Snippet = snippet.String
		fd.FinishedAt, _ = parseTS(finished)
		out = append(out, fd)
	}
	return out, rows.Err()
}
