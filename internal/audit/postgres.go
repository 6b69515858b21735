package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresStore persists the chain in a single append-only table.
// Selected over the file store by configuring an audit DSN.
type PostgresStore struct {
	db *sql.DB
}

const createAuditTable = `
CREATE TABLE IF NOT EXISTS audit_entries (
	sequence     BIGINT PRIMARY KEY,
	timestamp    TIMESTAMPTZ NOT NULL,
	kind         TEXT NOT NULL,
	agent_id     TEXT NOT NULL,
	actor_id     TEXT NOT NULL DEFAULT '',
	data         TEXT NOT NULL,
	prev_hash    TEXT NOT NULL,
	content_hash TEXT NOT NULL
)`

// NewPostgresStore connects, pings, and ensures the table exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres audit store: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres audit store: %w", err)
	}
	if _, err := db.Exec(createAuditTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure audit_entries table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Append inserts one entry. The primary key on sequence makes duplicate
// appends fail loudly instead of forking the chain.
func (s *PostgresStore) Append(e Entry) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_entries
		 (sequence, timestamp, kind, agent_id, actor_id, data, prev_hash, content_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		int64(e.Sequence), e.Timestamp, string(e.Kind), e.AgentID, e.ActorID,
		e.Data, e.PrevHash, e.ContentHash,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry %d: %w", e.Sequence, err)
	}
	return nil
}

// Load reads the full chain in sequence order.
func (s *PostgresStore) Load() ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT sequence, timestamp, kind, agent_id, actor_id, data, prev_hash, content_hash
		 FROM audit_entries ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("load audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var seq int64
		var kind string
		if err := rows.Scan(&seq, &e.Timestamp, &kind, &e.AgentID, &e.ActorID,
			&e.Data, &e.PrevHash, &e.ContentHash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Sequence = uint64(seq)
		e.Kind = EventKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
