package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/praxio/localcore/internal/domain"
)

// insertOperation writes a queued operation inside an open transaction.
func insertOperation(ctx context.Context, tx *sql.Tx, s *Store, op *domain.SyncOperation) error {
	deps, err := encodeDeps(op.DependsOn)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
INSERT INTO operations (id, tenant_id, practice_id, entity_type, entity_id, kind, payload, base_version,
                        depends_on, priority, status, retry_count, next_attempt, last_error, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		op.ID, op.Scope.TenantID, op.Scope.PracticeID, op.EntityType, op.EntityID,
		string(op.Kind), string(op.Payload), op.BaseVersion, deps, op.Priority,
		string(op.Status), op.RetryCount, unixNano(op.NextAttempt), op.LastError, unixNano(op.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue operation: %w", err)
	}
	return nil
}

// EnqueueOperation inserts a standalone operation in its own transaction.
func (s *Store) EnqueueOperation(ctx context.Context, op *domain.SyncOperation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := insertOperation(ctx, tx, s, op); err != nil {
		return err
	}
	return tx.Commit()
}

// ListOperations returns scope-local operations in the given statuses,
// oldest first. With no statuses, every operation in scope is returned.
func (s *Store) ListOperations(ctx context.Context, scope domain.TenantScope, statuses ...domain.OperationStatus) ([]domain.SyncOperation, error) {
	query := `
SELECT id, entity_type, entity_id, kind, payload, base_version, depends_on, priority,
       status, retry_count, next_attempt, last_error, created_at
FROM operations
WHERE tenant_id = ? AND practice_id = ?`
	args := []any{scope.TenantID, scope.PracticeID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []domain.SyncOperation
	for rows.Next() {
		var (
			op                     domain.SyncOperation
			payload, deps          string
			kind, status           string
			nextAttempt, createdAt int64
		)
		if err := rows.Scan(&op.ID, &op.EntityType, &op.EntityID, &kind, &payload, &op.BaseVersion,
			&deps, &op.Priority, &status, &op.RetryCount, &nextAttempt, &op.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Kind = domain.OperationKind(kind)
		op.Status = domain.OperationStatus(status)
		op.Payload = []byte(payload)
		op.DependsOn, err = decodeDeps(deps)
		if err != nil {
			return nil, err
		}
		op.NextAttempt = fromUnixNano(nextAttempt)
		op.CreatedAt = fromUnixNano(createdAt)
		op.Scope = scope
		out = append(out, op)
	}
	return out, rows.Err()
}

// OutstandingOperationIDs returns ids of non-completed operations targeting
// one entity, oldest first.
func (s *Store) OutstandingOperationIDs(ctx context.Context, scope domain.TenantScope, entityType, entityID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id FROM operations
WHERE tenant_id = ? AND practice_id = ? AND entity_type = ? AND entity_id = ? AND status <> ?
ORDER BY created_at ASC`),
		scope.TenantID, scope.PracticeID, entityType, entityID, string(domain.OpStatusCompleted),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list outstanding operations: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateOperation persists status, retry bookkeeping and payload changes.
func (s *Store) UpdateOperation(ctx context.Context, op *domain.SyncOperation) error {
	deps, err := encodeDeps(op.DependsOn)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE operations SET entity_id = ?, payload = ?, base_version = ?, depends_on = ?, status = ?,
                      retry_count = ?, next_attempt = ?, last_error = ?
WHERE id = ?`),
		op.EntityID, string(op.Payload), op.BaseVersion, deps, string(op.Status),
		op.RetryCount, unixNano(op.NextAttempt), op.LastError, op.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RemapEntityID rewrites the entity id on every non-completed operation that
// still references a locally generated id the server replaced.
func (s *Store) RemapEntityID(ctx context.Context, scope domain.TenantScope, entityType, oldID, newID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE operations SET entity_id = ?
WHERE tenant_id = ? AND practice_id = ? AND entity_type = ? AND entity_id = ? AND status <> ?`),
		newID, scope.TenantID, scope.PracticeID, entityType, oldID, string(domain.OpStatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("failed to remap operations: %w", err)
	}
	return nil
}

// DeleteCompletedBefore garbage-collects completed operations older than the
// cutoff.
func (s *Store) DeleteCompletedBefore(ctx context.Context, scope domain.TenantScope, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
DELETE FROM operations
WHERE tenant_id = ? AND practice_id = ? AND status = ? AND created_at < ?`),
		scope.TenantID, scope.PracticeID, string(domain.OpStatusCompleted), unixNano(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clear completed operations: %w", err)
	}
	return res.RowsAffected()
}

// CountOperations returns the number of scope-local operations in a status.
func (s *Store) CountOperations(ctx context.Context, scope domain.TenantScope, status domain.OperationStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT COUNT(*) FROM operations
WHERE tenant_id = ? AND practice_id = ? AND status = ?`),
		scope.TenantID, scope.PracticeID, string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count operations: %w", err)
	}
	return n, nil
}

func encodeDeps(deps []string) (string, error) {
	if len(deps) == 0 {
		return "", nil
	}
	b, err := json.Marshal(deps)
	if err != nil {
		return "", fmt.Errorf("failed to encode dependency list: %w", err)
	}
	return string(b), nil
}

func decodeDeps(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var deps []string
	if err := json.Unmarshal([]byte(raw), &deps); err != nil {
		return nil, fmt.Errorf("failed to decode dependency list: %w", err)
	}
	return deps, nil
}
