// Package histdb reads the chat service's persisted history tables.
//
// The evaluation needs source_chunk_ref values that no public API exposes, so
// it queries the MySQL schema directly. All access is read-only on a single
// autocommit connection.
package histdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// History is the persisted record of one chat exchange.
type History struct {
	ID     int64
	Status string
	Answer string
}

// Store wraps the read-only database handle for one evaluation run.
type Store struct {
	db *sql.DB
}

// Open connects to the history database and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("histdb: open: %w", err)
	}
	// One sequential reader; a pool would only hold idle connections.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("histdb: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. The caller keeps ownership.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LatestHistory returns the most recently created history row for the given
// member and session key, or nil when none exists. Ties on created_at break by
// id descending.
//
// The caller has just finished a synchronous chat request, so the newest row
// for that exact session is assumed to be its result. That assumption only
// holds with a single writer per member identity; concurrent evaluation runs
// against the same member can cross-read each other's rows, and nothing here
// detects that.
func (s *Store) LatestHistory(ctx context.Context, memberID int64, sessionKey string) (*History, error) {
	const query = `
		SELECT ch.id, ch.status, ch.answer
		FROM chat_histories ch
		INNER JOIN chat_sessions cs ON cs.id = ch.session_id
		WHERE ch.member_id = ?
		  AND cs.member_id = ?
		  AND cs.session_key = ?
		ORDER BY ch.created_at DESC, ch.id DESC
		LIMIT 1`

	var h History
	var status, answer sql.NullString
	err := s.db.QueryRowContext(ctx, query, memberID, memberID, sessionKey).
		Scan(&h.ID, &status, &answer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("histdb: latest history: %w", err)
	}

	h.Status = strings.ToUpper(strings.TrimSpace(status.String))
	h.Answer = answer.String
	return &h, nil
}

// SourceChunkRefs returns the chunk references recorded for a history row in
// display order. Blank refs are dropped.
func (s *Store) SourceChunkRefs(ctx context.Context, historyID int64) ([]string, error) {
	const query = `
		SELECT source_chunk_ref
		FROM chat_history_sources
		WHERE history_id = ?
		ORDER BY display_order ASC`

	rows, err := s.db.QueryContext(ctx, query, historyID)
	if err != nil {
		return nil, fmt.Errorf("histdb: source chunk refs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var refs []string
	for rows.Next() {
		var ref sql.NullString
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("histdb: scan chunk ref: %w", err)
		}
		if trimmed := strings.TrimSpace(ref.String); trimmed != "" {
			refs = append(refs, trimmed)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("histdb: iterate chunk refs: %w", err)
	}
	return refs, nil
}
