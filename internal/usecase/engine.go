package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/praxio/localcore/internal/domain"
)

// AuthState is the slice of the session manager the engine consults before
// mutating.
type AuthState interface {
	IsAuthenticated() bool
}

// PermissionEvaluator is the slice of the permission cache the engine
// consults before mutating.
type PermissionEvaluator interface {
	Can(resource, action string) bool
}

// Engine is the tenant-scoped local storage engine. One instance serves
// exactly one TenantScope; the lifecycle controller builds a fresh instance
// on practice switch instead of mutating this one.
type Engine struct {
	scope  domain.TenantScope
	store  domain.EntityStore
	ops    domain.OperationStore
	auth   AuthState
	perms  PermissionEvaluator
	logger *slog.Logger
	closed atomic.Bool
}

// NewEngine creates a storage engine bound to scope. The scope must be
// complete; an engine without one refuses to operate.
func NewEngine(scope domain.TenantScope, store domain.EntityStore, ops domain.OperationStore, auth AuthState, perms PermissionEvaluator, logger *slog.Logger) *Engine {
	return &Engine{
		scope:  scope,
		store:  store,
		ops:    ops,
		auth:   auth,
		perms:  perms,
		logger: logger.With("component", "storage_engine", "scope", scope.String()),
	}
}

// Scope returns the engine's tenant scope.
func (e *Engine) Scope() domain.TenantScope { return e.scope }

// Close detaches the engine; further calls fail with ErrNotInitialized.
func (e *Engine) Close() { e.closed.Store(true) }

func (e *Engine) guard(action string) error {
	if e.closed.Load() || e.scope.IsZero() {
		return domain.ErrNotInitialized
	}
	if action == "" {
		return nil
	}
	if e.auth != nil && !e.auth.IsAuthenticated() {
		return domain.ErrNotAuthenticated
	}
	return nil
}

func (e *Engine) guardMutation(entityType, action string) error {
	if err := e.guard(action); err != nil {
		return err
	}
	if e.perms != nil && !e.perms.Can(entityType, action) {
		return fmt.Errorf("%w: %s on %s", domain.ErrPermissionDenied, action, entityType)
	}
	return nil
}

// SaveEntity persists a new record and enqueues its create operation as one
// atomic unit. An id is assigned when the payload carries none.
func (e *Engine) SaveEntity(ctx context.Context, entityType string, payload json.RawMessage, status domain.SyncStatus) (*domain.StoredEntity, error) {
	if err := e.guardMutation(entityType, domain.ActionCreate); err != nil {
		return nil, err
	}
	if status == "" {
		status = domain.SyncStatusPending
	}

	id, err := payloadID(payload)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	} else {
		// A caller-supplied id must not clobber an existing record; that
		// path is UpdateEntity, and the queue must never carry two create
		// operations for one id.
		_, err := e.store.GetEntity(ctx, e.scope, entityType, id)
		if err == nil {
			return nil, &domain.ValidationError{EntityType: entityType, Detail: fmt.Sprintf("record %s already exists", id)}
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	now := time.Now().UTC()
	entity := &domain.StoredEntity{
		ID:         id,
		EntityType: entityType,
		Payload:    payload,
		Version:    1,
		SyncStatus: status,
		Scope:      e.scope,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	op := &domain.SyncOperation{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   id,
		Kind:       domain.OpCreate,
		Payload:    payload,
		Status:     domain.OpStatusPending,
		Scope:      e.scope,
		CreatedAt:  now,
	}

	if err := e.store.PutEntity(ctx, entity, op); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", entityType, err)
	}
	e.logger.Debug("entity saved", "entity_type", entityType, "id", id)
	return entity, nil
}

// UpdateEntity shallow-merges the partial payload into the stored record,
// bumps the version and enqueues an update operation depending on every
// outstanding operation for the record, so a still-pending create is always
// replayed first.
func (e *Engine) UpdateEntity(ctx context.Context, entityType, id string, partial json.RawMessage) (*domain.StoredEntity, error) {
	if err := e.guardMutation(entityType, domain.ActionUpdate); err != nil {
		return nil, err
	}

	entity, err := e.store.GetEntity(ctx, e.scope, entityType, id)
	if err != nil {
		return nil, err
	}
	if entity.Deleted {
		return nil, domain.ErrNotFound
	}

	merged, err := mergePayload(entity.Payload, partial)
	if err != nil {
		return nil, err
	}

	deps, err := e.ops.OutstandingOperationIDs(ctx, e.scope, entityType, id)
	if err != nil {
		return nil, fmt.Errorf("failed to compute dependencies: %w", err)
	}

	now := time.Now().UTC()
	baseVersion := entity.Version
	entity.Payload = merged
	entity.Version++
	entity.SyncStatus = domain.SyncStatusPending
	entity.UpdatedAt = now

	op := &domain.SyncOperation{
		ID:          uuid.NewString(),
		EntityType:  entityType,
		EntityID:    id,
		Kind:        domain.OpUpdate,
		Payload:     merged,
		BaseVersion: baseVersion,
		DependsOn:   deps,
		Status:      domain.OpStatusPending,
		Scope:       e.scope,
		CreatedAt:   now,
	}

	if err := e.store.PutEntity(ctx, entity, op); err != nil {
		return nil, fmt.Errorf("failed to update %s/%s: %w", entityType, id, err)
	}
	e.logger.Debug("entity updated", "entity_type", entityType, "id", id, "version", entity.Version)
	return entity, nil
}

// DeleteEntity tombstones the record and enqueues a delete operation
// depending on all outstanding operations for the id. The record disappears
// from reads immediately; the row is purged once the server acknowledges.
func (e *Engine) DeleteEntity(ctx context.Context, entityType, id string) error {
	if err := e.guardMutation(entityType, domain.ActionDelete); err != nil {
		return err
	}

	entity, err := e.store.GetEntity(ctx, e.scope, entityType, id)
	if err != nil {
		return err
	}
	if entity.Deleted {
		return domain.ErrNotFound
	}

	deps, err := e.ops.OutstandingOperationIDs(ctx, e.scope, entityType, id)
	if err != nil {
		return fmt.Errorf("failed to compute dependencies: %w", err)
	}

	now := time.Now().UTC()
	entity.Deleted = true
	entity.SyncStatus = domain.SyncStatusPending
	entity.UpdatedAt = now

	op := &domain.SyncOperation{
		ID:          uuid.NewString(),
		EntityType:  entityType,
		EntityID:    id,
		Kind:        domain.OpDelete,
		BaseVersion: entity.Version,
		DependsOn:   deps,
		Status:      domain.OpStatusPending,
		Scope:       e.scope,
		CreatedAt:   now,
	}

	if err := e.store.PutEntity(ctx, entity, op); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", entityType, id, err)
	}
	e.logger.Debug("entity tombstoned", "entity_type", entityType, "id", id)
	return nil
}

// GetEntity returns the record by id within the engine's scope, or
// ErrNotFound. Tombstoned records read as not found.
func (e *Engine) GetEntity(ctx context.Context, entityType, id string) (*domain.StoredEntity, error) {
	if err := e.guard(""); err != nil {
		return nil, err
	}
	entity, err := e.store.GetEntity(ctx, e.scope, entityType, id)
	if err != nil {
		return nil, err
	}
	if entity.Deleted {
		return nil, domain.ErrNotFound
	}
	return entity, nil
}

// GetAllEntities returns every live record of one type within scope.
func (e *Engine) GetAllEntities(ctx context.Context, entityType string) ([]domain.StoredEntity, error) {
	if err := e.guard(""); err != nil {
		return nil, err
	}
	return e.store.ListEntities(ctx, e.scope, entityType)
}

// ApplyRemote writes server-confirmed state back locally, marking the record
// synced. Used by the sync queue after a successful push and by pull-side
// reconciliation.
func (e *Engine) ApplyRemote(ctx context.Context, entityType, id string, payload json.RawMessage, remoteVersion int64) error {
	if err := e.guard(""); err != nil {
		return err
	}
	entity, err := e.store.GetEntity(ctx, e.scope, entityType, id)
	if err != nil {
		return err
	}
	if len(payload) > 0 {
		entity.Payload = payload
	}
	entity.Version = remoteVersion
	entity.SyncStatus = domain.SyncStatusSynced
	entity.UpdatedAt = time.Now().UTC()
	if err := e.store.PutEntity(ctx, entity, nil); err != nil {
		return fmt.Errorf("failed to apply remote state to %s/%s: %w", entityType, id, err)
	}
	return nil
}

// ApplyRemoteDelete purges a tombstoned record once the server acknowledged
// its deletion.
func (e *Engine) ApplyRemoteDelete(ctx context.Context, entityType, id string) error {
	if err := e.guard(""); err != nil {
		return err
	}
	return e.store.PurgeEntity(ctx, e.scope, entityType, id)
}

// AdoptServerID re-keys a record from its locally generated id to the
// server-assigned one and remaps every queued operation still referencing
// the old id.
func (e *Engine) AdoptServerID(ctx context.Context, entityType, localID, serverID string) error {
	if err := e.guard(""); err != nil {
		return err
	}
	if err := e.store.RekeyEntity(ctx, e.scope, entityType, localID, serverID); err != nil {
		return fmt.Errorf("failed to adopt server id for %s/%s: %w", entityType, localID, err)
	}
	if err := e.ops.RemapEntityID(ctx, e.scope, entityType, localID, serverID); err != nil {
		return fmt.Errorf("failed to remap queued operations for %s/%s: %w", entityType, localID, err)
	}
	e.logger.Debug("adopted server id", "entity_type", entityType, "local_id", localID, "server_id", serverID)
	return nil
}

// MarkSyncStatus stamps a record's sync status without touching its payload.
func (e *Engine) MarkSyncStatus(ctx context.Context, entityType, id string, status domain.SyncStatus) error {
	if err := e.guard(""); err != nil {
		return err
	}
	entity, err := e.store.GetEntity(ctx, e.scope, entityType, id)
	if err != nil {
		return err
	}
	entity.SyncStatus = status
	entity.UpdatedAt = time.Now().UTC()
	return e.store.PutEntity(ctx, entity, nil)
}

func payloadID(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		return "", &domain.ValidationError{Detail: "empty payload"}
	}
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", &domain.ValidationError{Detail: fmt.Sprintf("malformed payload: %v", err)}
	}
	return probe.ID, nil
}

// mergePayload shallow-merges partial into base: top-level keys in partial
// win, keys absent from partial are kept.
func mergePayload(base, partial json.RawMessage) (json.RawMessage, error) {
	var dst map[string]json.RawMessage
	if err := json.Unmarshal(base, &dst); err != nil {
		return nil, &domain.ValidationError{Detail: fmt.Sprintf("stored payload unreadable: %v", err)}
	}
	if dst == nil {
		// A JSON null decodes to a nil map without error.
		dst = make(map[string]json.RawMessage)
	}
	var src map[string]json.RawMessage
	if err := json.Unmarshal(partial, &src); err != nil {
		return nil, &domain.ValidationError{Detail: fmt.Sprintf("malformed partial payload: %v", err)}
	}
	for k, v := range src {
		dst[k] = v
	}
	merged, err := json.Marshal(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to merge payload: %w", err)
	}
	return merged, nil
}
