package domain

import (
	"encoding/json"
	"time"
)

// OperationKind is the mutation a queued sync operation replays upstream.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// OperationStatus is the replay state of a queued sync operation.
type OperationStatus string

const (
	OpStatusPending    OperationStatus = "pending"
	OpStatusSyncing    OperationStatus = "syncing"
	OpStatusCompleted  OperationStatus = "completed"
	OpStatusFailed     OperationStatus = "failed"
	OpStatusConflicted OperationStatus = "conflicted"
)

// Terminal reports whether the status ends an operation's replay lifecycle.
// Failed and conflicted operations are not terminal: they remain actionable
// until retried or cleared by policy.
func (s OperationStatus) Terminal() bool {
	return s == OpStatusCompleted
}

// SyncOperation is one durable queued mutation awaiting replay against the
// server. DependsOn captures causal edges computed at enqueue time: an
// operation must not be sent before every operation it depends on has
// completed.
type SyncOperation struct {
	ID          string          `json:"id"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Kind        OperationKind   `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion int64           `json:"base_version"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	Priority    int             `json:"priority"`
	Status      OperationStatus `json:"status"`
	RetryCount  int             `json:"retry_count"`
	NextAttempt time.Time       `json:"next_attempt,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Scope       TenantScope     `json:"scope"`
	CreatedAt   time.Time       `json:"created_at"`
}
