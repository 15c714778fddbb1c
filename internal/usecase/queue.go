package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/praxio/localcore/internal/adapter/metrics"
	"github.com/praxio/localcore/internal/domain"
)

// remoteApplier is the slice of the storage engine the queue writes
// server-confirmed state through.
type remoteApplier interface {
	ApplyRemote(ctx context.Context, entityType, id string, payload json.RawMessage, remoteVersion int64) error
	ApplyRemoteDelete(ctx context.Context, entityType, id string) error
	AdoptServerID(ctx context.Context, entityType, localID, serverID string) error
	MarkSyncStatus(ctx context.Context, entityType, id string, status domain.SyncStatus) error
}

// QueueEvents provides hooks for observability during a drain.
type QueueEvents struct {
	OnStart    func(total int)
	OnOp       func(op domain.SyncOperation, outcome string)
	OnComplete func(completed, failed, conflicted int)
}

// QueueConfig bundles drain tuning knobs.
type QueueConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	Retention   time.Duration
	RatePerSec  float64
}

// DefaultQueueConfig returns the tuning used by syncd unless overridden.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxRetries:  5,
		BackoffBase: 2 * time.Second,
		Retention:   7 * 24 * time.Hour,
		RatePerSec:  20,
	}
}

// Queue is the durable, ordered sync queue for one tenant scope. It turns
// the bag of pending mutations into a replay stream that respects causal
// dependencies, and drives that stream against the server while online.
type Queue struct {
	scope    domain.TenantScope
	ops      domain.OperationStore
	gateway  domain.RemoteGateway
	applier  remoteApplier
	isOnline func() bool
	limiter  *rate.Limiter
	cfg      QueueConfig
	logger   *slog.Logger
	metrics  *metrics.CoreMetrics
	events   *QueueEvents
	draining atomic.Bool
}

// NewQueue creates a sync queue bound to scope. metrics and events may be
// nil.
func NewQueue(scope domain.TenantScope, ops domain.OperationStore, gateway domain.RemoteGateway, applier remoteApplier,
	isOnline func() bool, cfg QueueConfig, logger *slog.Logger, m *metrics.CoreMetrics, events *QueueEvents) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultQueueConfig().MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultQueueConfig().BackoffBase
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultQueueConfig().RatePerSec
	}
	return &Queue{
		scope:    scope,
		ops:      ops,
		gateway:  gateway,
		applier:  applier,
		isOnline: isOnline,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		cfg:      cfg,
		logger:   logger.With("component", "sync_queue", "scope", scope.String()),
		metrics:  m,
		events:   events,
	}
}

// Enqueue appends an externally built operation with status pending. The
// storage engine enqueues its own operations atomically with the entity
// write; this path exists for callers replaying imported mutations.
func (q *Queue) Enqueue(ctx context.Context, op *domain.SyncOperation) error {
	if op.ID == "" || op.EntityID == "" || op.EntityType == "" {
		return &domain.ValidationError{EntityType: op.EntityType, Detail: "operation missing id, entity id or entity type"}
	}
	op.Status = domain.OpStatusPending
	op.Scope = q.scope
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	return q.ops.EnqueueOperation(ctx, op)
}

// Drain replays eligible queued operations against the server in dependency
// order. It is a no-op while offline and single-flight: a second call during
// an active drain returns immediately. Per-operation failures are recorded
// as status transitions, never returned; the error return is reserved for
// store-level faults.
func (q *Queue) Drain(ctx context.Context) error {
	if !q.isOnline() {
		return nil
	}
	if !q.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer q.draining.Store(false)

	if q.metrics != nil {
		q.metrics.DrainRunsTotal.Inc()
	}

	all, err := q.ops.ListOperations(ctx, q.scope)
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	now := time.Now().UTC()
	byID := make(map[string]*domain.SyncOperation, len(all))
	for i := range all {
		byID[all[i].ID] = &all[i]
	}

	var batch []*domain.SyncOperation
	for i := range all {
		op := &all[i]
		switch op.Status {
		case domain.OpStatusPending:
			batch = append(batch, op)
		case domain.OpStatusSyncing:
			// A syncing operation at rest means a previous drain was
			// interrupted; treat it as pending again.
			batch = append(batch, op)
		case domain.OpStatusFailed:
			if op.NextAttempt.IsZero() {
				continue // not auto-retried: validation failure or exhausted retries
			}
			if now.Before(op.NextAttempt) {
				if q.metrics != nil {
					q.metrics.BackoffSkipsTotal.Inc()
				}
				continue
			}
			batch = append(batch, op)
		}
	}

	ordered, blocked := orderOperations(batch, byID)
	if q.events != nil && q.events.OnStart != nil {
		q.events.OnStart(len(ordered))
	}
	q.logger.Info("drain started", "eligible", len(ordered), "blocked", len(blocked))

	// renamed collects local→server id adoptions made during this drain so
	// later operations in the same pass target the server id.
	renamed := make(map[string]string)
	// poisoned marks operations whose dependency failed or conflicted in
	// this pass; their dependents must not be sent.
	poisoned := make(map[string]bool)
	for id := range blocked {
		poisoned[id] = true
	}

	var completed, failed, conflicted int
	for _, op := range ordered {
		if ctx.Err() != nil {
			break
		}
		if q.dependencyPoisoned(op, poisoned) {
			poisoned[op.ID] = true
			q.recordOutcome(op, "skipped_dependency")
			continue
		}
		if newID, ok := renamed[op.EntityType+"/"+op.EntityID]; ok {
			op.EntityID = newID
		}

		outcome, pushErr := q.pushOne(ctx, op, renamed)
		switch outcome {
		case "completed":
			completed++
		case "conflicted":
			conflicted++
			poisoned[op.ID] = true
		case "failed":
			failed++
			poisoned[op.ID] = true
		case "aborted":
			// store fault or context cancellation mid-push; stop the pass
			q.recordOutcome(op, outcome)
			q.updateGauges(ctx)
			return pushErr
		}
		q.recordOutcome(op, outcome)
	}

	if q.events != nil && q.events.OnComplete != nil {
		q.events.OnComplete(completed, failed, conflicted)
	}
	q.logger.Info("drain finished", "completed", completed, "failed", failed, "conflicted", conflicted)
	q.updateGauges(ctx)
	return nil
}

// pushOne sends a single operation and applies the result. The returned
// outcome is one of completed, failed, conflicted, aborted; a non-nil error
// is a store-level fault the drain must surface.
func (q *Queue) pushOne(ctx context.Context, op *domain.SyncOperation, renamed map[string]string) (string, error) {
	op.Status = domain.OpStatusSyncing
	if err := q.ops.UpdateOperation(ctx, op); err != nil {
		return "aborted", fmt.Errorf("failed to mark operation %s syncing: %w", op.ID, err)
	}

	if err := q.limiter.Wait(ctx); err != nil {
		op.Status = domain.OpStatusPending
		_ = q.ops.UpdateOperation(ctx, op)
		return "aborted", nil
	}

	result, err := q.gateway.Push(ctx, *op)
	if err != nil {
		return q.recordFailure(ctx, op, err), nil
	}

	if op.Kind == domain.OpDelete {
		if err := q.applier.ApplyRemoteDelete(ctx, op.EntityType, op.EntityID); err != nil {
			q.logger.Error("failed to purge acknowledged delete", "op_id", op.ID, "error", err)
		}
	} else {
		if result.ID != "" && result.ID != op.EntityID {
			if err := q.applier.AdoptServerID(ctx, op.EntityType, op.EntityID, result.ID); err != nil {
				q.logger.Error("failed to adopt server id", "op_id", op.ID, "error", err)
			} else {
				renamed[op.EntityType+"/"+op.EntityID] = result.ID
				op.EntityID = result.ID
			}
		}
		if err := q.applier.ApplyRemote(ctx, op.EntityType, op.EntityID, result.Payload, result.Version); err != nil {
			q.logger.Error("failed to apply remote state", "op_id", op.ID, "error", err)
		}
	}

	op.Status = domain.OpStatusCompleted
	op.LastError = ""
	if err := q.ops.UpdateOperation(ctx, op); err != nil {
		q.logger.Error("failed to mark operation completed", "op_id", op.ID, "error", err)
	}
	return "completed", nil
}

func (q *Queue) recordFailure(ctx context.Context, op *domain.SyncOperation, pushErr error) string {
	var (
		conflict   *domain.ConflictError
		validation *domain.ValidationError
		network    *domain.NetworkError
	)
	switch {
	case errors.As(pushErr, &conflict):
		op.Status = domain.OpStatusConflicted
		op.LastError = pushErr.Error()
		op.NextAttempt = time.Time{}
		if err := q.applier.MarkSyncStatus(ctx, op.EntityType, op.EntityID, domain.SyncStatusConflicted); err != nil && !errors.Is(err, domain.ErrNotFound) {
			q.logger.Error("failed to mark entity conflicted", "op_id", op.ID, "error", err)
		}
		q.logger.Warn("operation conflicted", "op_id", op.ID, "entity", op.EntityType+"/"+op.EntityID,
			"base_version", conflict.BaseVersion, "server_version", conflict.ServerVersion)
		if err := q.ops.UpdateOperation(ctx, op); err != nil {
			q.logger.Error("failed to persist conflict", "op_id", op.ID, "error", err)
		}
		return "conflicted"

	case errors.As(pushErr, &validation):
		// Rejected payloads are not retried automatically; they need
		// operator intervention via RetryFailed.
		op.Status = domain.OpStatusFailed
		op.LastError = pushErr.Error()
		op.NextAttempt = time.Time{}
		if err := q.applier.MarkSyncStatus(ctx, op.EntityType, op.EntityID, domain.SyncStatusFailed); err != nil && !errors.Is(err, domain.ErrNotFound) {
			q.logger.Error("failed to mark entity failed", "op_id", op.ID, "error", err)
		}
		q.logger.Warn("operation rejected by server", "op_id", op.ID, "error", pushErr)
		if err := q.ops.UpdateOperation(ctx, op); err != nil {
			q.logger.Error("failed to persist rejection", "op_id", op.ID, "error", err)
		}
		return "failed"

	case errors.As(pushErr, &network):
		fallthrough
	default:
		op.Status = domain.OpStatusFailed
		op.RetryCount++
		op.LastError = pushErr.Error()
		if op.RetryCount >= q.cfg.MaxRetries {
			// Exhausted: stays failed until RetryFailed resets it.
			op.NextAttempt = time.Time{}
			if err := q.applier.MarkSyncStatus(ctx, op.EntityType, op.EntityID, domain.SyncStatusFailed); err != nil && !errors.Is(err, domain.ErrNotFound) {
				q.logger.Error("failed to mark entity failed", "op_id", op.ID, "error", err)
			}
			q.logger.Error("operation failed permanently", "op_id", op.ID, "retries", op.RetryCount, "error", pushErr)
		} else {
			backoff := q.cfg.BackoffBase * (1 << (op.RetryCount - 1))
			op.NextAttempt = time.Now().UTC().Add(backoff)
			q.logger.Warn("operation failed, will retry", "op_id", op.ID, "retries", op.RetryCount,
				"next_attempt", op.NextAttempt, "error", pushErr)
		}
		if err := q.ops.UpdateOperation(ctx, op); err != nil {
			q.logger.Error("failed to persist failure", "op_id", op.ID, "error", err)
		}
		return "failed"
	}
}

// dependencyPoisoned reports whether any dependency of op failed or
// conflicted earlier in this pass. Poisoning is transitive: a skipped
// dependent is itself poisoned.
func (q *Queue) dependencyPoisoned(op *domain.SyncOperation, poisoned map[string]bool) bool {
	for _, dep := range op.DependsOn {
		if poisoned[dep] {
			return true
		}
	}
	return false
}

// RetryFailed resets failed operations to pending and triggers a drain.
func (q *Queue) RetryFailed(ctx context.Context) error {
	failed, err := q.ops.ListOperations(ctx, q.scope, domain.OpStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to load failed operations: %w", err)
	}
	for i := range failed {
		op := &failed[i]
		op.Status = domain.OpStatusPending
		op.RetryCount = 0
		op.NextAttempt = time.Time{}
		if err := q.ops.UpdateOperation(ctx, op); err != nil {
			return fmt.Errorf("failed to reset operation %s: %w", op.ID, err)
		}
	}
	if len(failed) > 0 {
		q.logger.Info("reset failed operations", "count", len(failed))
	}
	return q.Drain(ctx)
}

// ClearCompleted garbage-collects completed operations older than the
// retention window.
func (q *Queue) ClearCompleted(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-q.cfg.Retention)
	n, err := q.ops.DeleteCompletedBefore(ctx, q.scope, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clear completed operations: %w", err)
	}
	if n > 0 {
		q.logger.Info("cleared completed operations", "count", n)
	}
	return n, nil
}

// PendingOperations returns queued operations awaiting replay.
func (q *Queue) PendingOperations(ctx context.Context) ([]domain.SyncOperation, error) {
	return q.ops.ListOperations(ctx, q.scope, domain.OpStatusPending, domain.OpStatusSyncing)
}

// FailedOperations returns operations that exhausted retries or were
// rejected by the server.
func (q *Queue) FailedOperations(ctx context.Context) ([]domain.SyncOperation, error) {
	return q.ops.ListOperations(ctx, q.scope, domain.OpStatusFailed)
}

// ConflictedOperations returns operations whose base version diverged from
// the server. They stay queryable until explicitly retried or cleared.
func (q *Queue) ConflictedOperations(ctx context.Context) ([]domain.SyncOperation, error) {
	return q.ops.ListOperations(ctx, q.scope, domain.OpStatusConflicted)
}

func (q *Queue) recordOutcome(op *domain.SyncOperation, outcome string) {
	if q.metrics != nil {
		q.metrics.DrainOperationsTotal.WithLabelValues(outcome).Inc()
	}
	if q.events != nil && q.events.OnOp != nil {
		q.events.OnOp(*op, outcome)
	}
}

func (q *Queue) updateGauges(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	for _, status := range []domain.OperationStatus{
		domain.OpStatusPending, domain.OpStatusFailed, domain.OpStatusConflicted,
	} {
		if n, err := q.ops.CountOperations(ctx, q.scope, status); err == nil {
			q.metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
		}
	}
}

// orderOperations produces a dependency-respecting replay order using
// Kahn's algorithm over the dependsOn edges present in the batch.
// Dependencies outside the batch count as satisfied when completed (or
// garbage-collected); otherwise the dependent is reported blocked.
// Operations with no ordering relation are sorted by priority (higher
// first), then by creation time.
func orderOperations(batch []*domain.SyncOperation, byID map[string]*domain.SyncOperation) (ordered []*domain.SyncOperation, blocked map[string]bool) {
	inBatch := make(map[string]*domain.SyncOperation, len(batch))
	for _, op := range batch {
		inBatch[op.ID] = op
	}
	blocked = make(map[string]bool)

	indegree := make(map[string]int, len(batch))
	dependents := make(map[string][]string)
	for _, op := range batch {
		indegree[op.ID] = 0
	}
	for _, op := range batch {
		for _, dep := range op.DependsOn {
			if _, ok := inBatch[dep]; ok {
				indegree[op.ID]++
				dependents[dep] = append(dependents[dep], op.ID)
				continue
			}
			if d, exists := byID[dep]; exists && d.Status != domain.OpStatusCompleted {
				// Dependency is parked (conflicted / failed without
				// retry); this operation must wait.
				blocked[op.ID] = true
			}
		}
	}

	ready := make([]*domain.SyncOperation, 0, len(batch))
	for _, op := range batch {
		if indegree[op.ID] == 0 && !blocked[op.ID] {
			ready = append(ready, op)
		}
	}
	sortReady(ready)

	for len(ready) > 0 {
		op := ready[0]
		ready = ready[1:]
		ordered = append(ordered, op)

		var released []*domain.SyncOperation
		for _, depID := range dependents[op.ID] {
			indegree[depID]--
			if indegree[depID] == 0 && !blocked[depID] {
				released = append(released, inBatch[depID])
			}
		}
		if len(released) > 0 {
			ready = append(ready, released...)
			sortReady(ready)
		}
	}

	// Anything not ordered and not already blocked sits behind a blocked
	// operation (or a dependency cycle, which enqueue-time edge computation
	// cannot produce); report it blocked rather than dropping it silently.
	if len(ordered) < len(batch) {
		placed := make(map[string]bool, len(ordered))
		for _, op := range ordered {
			placed[op.ID] = true
		}
		for _, op := range batch {
			if !placed[op.ID] {
				blocked[op.ID] = true
			}
		}
	}
	return ordered, blocked
}

func sortReady(ready []*domain.SyncOperation) {
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
}
