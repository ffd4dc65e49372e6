package memstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const createEntriesTableSQL = `
CREATE TABLE IF NOT EXISTS memory_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    subject_key VARCHAR(255) NOT NULL,
    payload_json TEXT NOT NULL,
    metadata_json TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_subject_key ON memory_entries(subject_key);
CREATE INDEX IF NOT EXISTS idx_entries_created_at ON memory_entries(created_at);
`

// SQLStore is a sqlite-backed Store. Entries survive process restarts.
//
// A single writer at a time is enforced with a mutex so concurrent callers
// never interleave partial records. Each Record is one INSERT; sqlite makes
// the row visible atomically or not at all.
type SQLStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLStore opens (creating if needed) a sqlite store at path.
func OpenSQLStore(path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// sqlite permits a single writer; more connections just contend.
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}

	return s, nil
}

func (s *SQLStore) initSchema() error {
	_, err := s.db.Exec(createEntriesTableSQL)
	return err
}

func (s *SQLStore) Record(ctx context.Context, subjectKey string, payload, metadata map[string]any) (*Entry, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode payload: %v", ErrDurability, err)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode metadata: %v", ErrDurability, err)
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_entries (subject_key, payload_json, metadata_json, created_at) VALUES (?, ?, ?, ?)`,
		subjectKey, string(payloadJSON), string(metadataJSON), now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDurability, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDurability, err)
	}

	return &Entry{
		ID:         id,
		SubjectKey: subjectKey,
		Payload:    payload,
		Metadata:   metadata,
		CreatedAt:  now,
	}, nil
}

func (s *SQLStore) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	var (
		conds []string
		args  []any
	)
	if filter.SubjectKey != "" {
		conds = append(conds, "subject_key = ?")
		args = append(args, filter.SubjectKey)
	}
	if !filter.After.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.After)
	}
	if !filter.Before.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, filter.Before)
	}

	query := "SELECT id, subject_key, payload_json, metadata_json, created_at FROM memory_entries"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query store: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			entry        Entry
			payloadJSON  string
			metadataJSON sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.SubjectKey, &payloadJSON, &metadataJSON, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &entry.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload for entry %d: %w", entry.ID, err)
		}
		if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for entry %d: %w", entry.ID, err)
			}
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entries: %w", err)
	}

	return filter.tail(entries), nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLStore)(nil)
