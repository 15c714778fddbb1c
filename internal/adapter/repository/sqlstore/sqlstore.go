package sqlstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Store is the durable local store backing entities, the sync queue and
// sessions. It runs on modernc.org/sqlite on devices and on lib/pq against a
// clinic-hub Postgres; queries are written once with ? placeholders and
// rebound per dialect.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// Open opens the store for the given driver ("sqlite" or "postgres") and
// runs migrations.
func Open(driver, dsn string, logger *slog.Logger) (*Store, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}

	s := &Store{
		db:     db,
		driver: driver,
		logger: logger.With("component", "sqlstore", "driver", driver),
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS entities (
  tenant_id   TEXT NOT NULL,
  practice_id TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  id          TEXT NOT NULL,
  payload     TEXT NOT NULL,
  version     BIGINT NOT NULL,
  sync_status TEXT NOT NULL,
  deleted     INTEGER NOT NULL DEFAULT 0,
  created_at  BIGINT NOT NULL,
  updated_at  BIGINT NOT NULL,
  PRIMARY KEY (tenant_id, practice_id, entity_type, id)
);

CREATE TABLE IF NOT EXISTS operations (
  id           TEXT PRIMARY KEY,
  tenant_id    TEXT NOT NULL,
  practice_id  TEXT NOT NULL,
  entity_type  TEXT NOT NULL,
  entity_id    TEXT NOT NULL,
  kind         TEXT NOT NULL,
  payload      TEXT NOT NULL DEFAULT '',
  base_version BIGINT NOT NULL DEFAULT 0,
  depends_on   TEXT NOT NULL DEFAULT '',
  priority     INTEGER NOT NULL DEFAULT 0,
  status       TEXT NOT NULL,
  retry_count  INTEGER NOT NULL DEFAULT 0,
  next_attempt BIGINT NOT NULL DEFAULT 0,
  last_error   TEXT NOT NULL DEFAULT '',
  created_at   BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_operations_scope_status
  ON operations (tenant_id, practice_id, status);
CREATE INDEX IF NOT EXISTS idx_operations_entity
  ON operations (tenant_id, practice_id, entity_type, entity_id);

CREATE TABLE IF NOT EXISTS sessions (
  id            TEXT PRIMARY KEY,
  blob          TEXT NOT NULL,
  expires_at    BIGINT NOT NULL,
  last_activity BIGINT NOT NULL
);
`)
	return err
}

// rebind rewrites ? placeholders to $n for the postgres dialect.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// unixNano converts a time to its stored representation, keeping the zero
// value round-trippable.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
