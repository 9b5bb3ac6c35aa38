// Package statsink is an optional handle.StatsSink backed by PostgreSQL:
// every released descriptor's lifetime statistics are persisted as one
// row, giving an auditable history of read/write activity per virtual
// path independent of the in-memory table that only ever holds live
// descriptors.
package statsink

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/stefanwerfling/njsfscrypt/internal/handle"
)

// Sink persists release records to a single table, created on first
// connect if it doesn't already exist.
type Sink struct {
	db    *sql.DB
	table string
}

// New connects to connStr and ensures table exists.
func New(connStr, table string) (*Sink, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("statsink: connect: %w", err)
	}
	s := &Sink{db: db, table: table}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("statsink: init schema: %w", err)
	}
	return s, nil
}

func (s *Sink) initSchema() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id SERIAL PRIMARY KEY,
			virtual_path VARCHAR(4096) NOT NULL,
			fd BIGINT NOT NULL,
			read_ops BIGINT NOT NULL,
			write_ops BIGINT NOT NULL,
			total_read_bytes BIGINT NOT NULL,
			total_write_bytes BIGINT NOT NULL,
			total_read_us BIGINT NOT NULL,
			total_write_us BIGINT NOT NULL,
			released_at TIMESTAMP NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_%s_path ON %s(virtual_path);
	`, s.table, s.table, s.table)
	_, err := s.db.Exec(query)
	return err
}

// RecordRelease implements handle.StatsSink.
func (s *Sink) RecordRelease(fd uint64, virtualPath string, snap handle.Snapshot) {
	query := fmt.Sprintf(`
		INSERT INTO %s
			(virtual_path, fd, read_ops, write_ops, total_read_bytes, total_write_bytes, total_read_us, total_write_us)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.table)
	_, err := s.db.Exec(query,
		virtualPath, fd,
		snap.ReadOps, snap.WriteOps,
		snap.TotalReadBytes, snap.TotalWriteBytes,
		snap.TotalReadDur.Microseconds(), snap.TotalWriteDur.Microseconds(),
	)
	if err != nil {
		// The audit trail is best-effort: a write failure here must never
		// take down the release path that callers actually depend on.
		return
	}
}

// Close closes the underlying connection pool.
func (s *Sink) Close() error {
	return s.db.Close()
}

var _ handle.StatsSink = (*Sink)(nil)
