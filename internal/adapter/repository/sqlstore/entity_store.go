package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/praxio/localcore/internal/domain"
)

// PutEntity upserts the entity and, when op is non-nil, enqueues the sync
// operation in the same transaction. Both writes succeed or neither does, so
// a pending record can never exist without its queue entry.
func (s *Store) PutEntity(ctx context.Context, entity *domain.StoredEntity, op *domain.SyncOperation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin entity transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, s.rebind(`
INSERT INTO entities (tenant_id, practice_id, entity_type, id, payload, version, sync_status, deleted, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (tenant_id, practice_id, entity_type, id) DO UPDATE SET
  payload = excluded.payload,
  version = excluded.version,
  sync_status = excluded.sync_status,
  deleted = excluded.deleted,
  updated_at = excluded.updated_at`),
		entity.Scope.TenantID, entity.Scope.PracticeID, entity.EntityType, entity.ID,
		string(entity.Payload), entity.Version, string(entity.SyncStatus), boolToInt(entity.Deleted),
		unixNano(entity.CreatedAt), unixNano(entity.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}

	if op != nil {
		if err := insertOperation(ctx, tx, s, op); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetEntity returns the record by id within scope, tombstones included.
func (s *Store) GetEntity(ctx context.Context, scope domain.TenantScope, entityType, id string) (*domain.StoredEntity, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id, entity_type, payload, version, sync_status, deleted, created_at, updated_at
FROM entities
WHERE tenant_id = ? AND practice_id = ? AND entity_type = ? AND id = ?`),
		scope.TenantID, scope.PracticeID, entityType, id,
	)

	e, err := scanEntity(row, scope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity: %w", err)
	}
	return e, nil
}

// ListEntities returns all live records of one type within scope, oldest
// first. Tombstoned records are filtered out.
func (s *Store) ListEntities(ctx context.Context, scope domain.TenantScope, entityType string) ([]domain.StoredEntity, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, entity_type, payload, version, sync_status, deleted, created_at, updated_at
FROM entities
WHERE tenant_id = ? AND practice_id = ? AND entity_type = ? AND deleted = 0
ORDER BY created_at ASC`),
		scope.TenantID, scope.PracticeID, entityType,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []domain.StoredEntity
	for rows.Next() {
		e, err := scanEntity(rows, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// RekeyEntity moves a record from a locally generated id to the
// server-assigned one.
func (s *Store) RekeyEntity(ctx context.Context, scope domain.TenantScope, entityType, oldID, newID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE entities SET id = ?
WHERE tenant_id = ? AND practice_id = ? AND entity_type = ? AND id = ?`),
		newID, scope.TenantID, scope.PracticeID, entityType, oldID,
	)
	if err != nil {
		return fmt.Errorf("failed to rekey entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// PurgeEntity removes a record after the server acknowledged its deletion.
func (s *Store) PurgeEntity(ctx context.Context, scope domain.TenantScope, entityType, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
DELETE FROM entities
WHERE tenant_id = ? AND practice_id = ? AND entity_type = ? AND id = ?`),
		scope.TenantID, scope.PracticeID, entityType, id,
	)
	if err != nil {
		return fmt.Errorf("failed to purge entity: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner, scope domain.TenantScope) (*domain.StoredEntity, error) {
	var (
		e                    domain.StoredEntity
		payload              string
		status               string
		deleted              int64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&e.ID, &e.EntityType, &payload, &e.Version, &status, &deleted, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	e.SyncStatus = domain.SyncStatus(status)
	e.Deleted = deleted != 0
	e.Scope = scope
	e.CreatedAt = fromUnixNano(createdAt)
	e.UpdatedAt = fromUnixNano(updatedAt)
	return &e, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
