package domain

import (
	"encoding/json"
	"time"
)

// SyncStatus tracks where a locally stored record stands relative to the
// upstream server of record.
type SyncStatus string

const (
	SyncStatusSynced     SyncStatus = "synced"
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusSyncing    SyncStatus = "syncing"
	SyncStatusFailed     SyncStatus = "failed"
	SyncStatusConflicted SyncStatus = "conflicted"
)

// StoredEntity is the canonical envelope for any business record held in the
// local store. The payload is opaque to the engine; only the envelope fields
// are interpreted. Records are mutated exclusively through the storage
// engine, never written directly by callers.
type StoredEntity struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	Payload    json.RawMessage `json:"payload"`
	Version    int64           `json:"version"`
	SyncStatus SyncStatus      `json:"sync_status"`
	Scope      TenantScope     `json:"scope"`
	Deleted    bool            `json:"deleted,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
