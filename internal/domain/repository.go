package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EntityStore is the durable, scope-partitioned home of StoredEntity
// records. Implementations must make the entity write and the queued
// operation a single atomic unit when both are supplied.
type EntityStore interface {
	// PutEntity persists the entity and, when op is non-nil, enqueues the
	// operation in the same transaction.
	PutEntity(ctx context.Context, entity *StoredEntity, op *SyncOperation) error

	// GetEntity returns the record by id within scope, tombstones included.
	GetEntity(ctx context.Context, scope TenantScope, entityType, id string) (*StoredEntity, error)

	// ListEntities returns all live (non-tombstoned) records of one type
	// within scope.
	ListEntities(ctx context.Context, scope TenantScope, entityType string) ([]StoredEntity, error)

	// RekeyEntity moves a record from a locally generated id to the
	// server-assigned one.
	RekeyEntity(ctx context.Context, scope TenantScope, entityType, oldID, newID string) error

	// PurgeEntity removes a tombstoned record after the server acknowledged
	// its deletion.
	PurgeEntity(ctx context.Context, scope TenantScope, entityType, id string) error
}

// OperationStore is the durable sync queue backing.
type OperationStore interface {
	// EnqueueOperation inserts a standalone operation. Operations created
	// by entity mutations are instead written atomically with the entity
	// through EntityStore.PutEntity.
	EnqueueOperation(ctx context.Context, op *SyncOperation) error

	// ListOperations returns scope-local operations in the given statuses,
	// ordered by creation time.
	ListOperations(ctx context.Context, scope TenantScope, statuses ...OperationStatus) ([]SyncOperation, error)

	// OutstandingOperationIDs returns ids of non-completed operations
	// targeting one entity, oldest first. Used to compute dependsOn edges
	// at enqueue time.
	OutstandingOperationIDs(ctx context.Context, scope TenantScope, entityType, entityID string) ([]string, error)

	// UpdateOperation persists status, retry bookkeeping and payload changes.
	UpdateOperation(ctx context.Context, op *SyncOperation) error

	// RemapEntityID rewrites the entity id on every non-completed operation
	// that still references a locally generated id replaced by the server.
	RemapEntityID(ctx context.Context, scope TenantScope, entityType, oldID, newID string) error

	// DeleteCompletedBefore garbage-collects completed operations older than
	// the cutoff, returning the number removed.
	DeleteCompletedBefore(ctx context.Context, scope TenantScope, cutoff time.Time) (int64, error)

	// CountOperations returns the number of scope-local operations in the
	// given status.
	CountOperations(ctx context.Context, scope TenantScope, status OperationStatus) (int, error)
}

// SessionStore is the durable tier of the session cache.
type SessionStore interface {
	PutSession(ctx context.Context, session *AuthSession) error

	// LatestSession returns the most recently active non-expired session,
	// or ErrNotFound.
	LatestSession(ctx context.Context) (*AuthSession, error)

	DeleteSession(ctx context.Context, id string) error

	// TouchSession updates the session's last-activity timestamp.
	TouchSession(ctx context.Context, id string, at time.Time) error
}

// RemoteResult carries the server-authoritative fields returned for an
// accepted mutation. ID may differ from the locally generated one.
type RemoteResult struct {
	ID      string
	Version int64
	Payload json.RawMessage
}

// RemoteGateway is the opaque upstream API boundary the queue drains
// against. Push returns a typed error (NetworkError, ValidationError,
// ConflictError) on rejection.
type RemoteGateway interface {
	Push(ctx context.Context, op SyncOperation) (*RemoteResult, error)
}

// IdentityProvider supplies user identity and role assignments when online.
type IdentityProvider interface {
	FetchIdentity(ctx context.Context, userID string) (*Identity, error)
	FetchRoleAssignments(ctx context.Context, userID, tenantID, practiceID string) ([]RoleAssignment, error)
}

// FastSessionCache is the fast tier consulted before the durable session
// store. Implementations return (nil, nil) on a miss.
type FastSessionCache interface {
	Get(ctx context.Context, key string) (*AuthSession, error)
	Set(ctx context.Context, key string, session *AuthSession, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
