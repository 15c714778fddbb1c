package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/praxio/localcore/internal/domain"
	"github.com/praxio/localcore/internal/domain/mocks"
)

func newTestQueue(store *mocks.MockStore, gateway *mocks.MockGateway, online bool) (*Queue, *Engine) {
	engine := newTestEngine(store)
	cfg := DefaultQueueConfig()
	cfg.RatePerSec = 10000
	queue := NewQueue(testScope(), store, gateway, engine, func() bool { return online }, cfg, testLogger(), nil, nil)
	return queue, engine
}

func opByKind(store *mocks.MockStore, kind domain.OperationKind) *domain.SyncOperation {
	for _, op := range store.Operations {
		if op.Kind == kind {
			return op
		}
	}
	return nil
}

func TestDrainOfflineIsNoop(t *testing.T) {
	store := mocks.NewMockStore()
	gateway := mocks.NewMockGateway()
	queue, engine := newTestQueue(store, gateway, false)
	ctx := context.Background()

	if _, err := engine.SaveEntity(ctx, "pet", json.RawMessage(`{"name":"Rex"}`), ""); err != nil {
		t.Fatalf("SaveEntity failed: %v", err)
	}
	if err := queue.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(gateway.Pushed) != 0 {
		t.Errorf("expected no pushes while offline, got %d", len(gateway.Pushed))
	}
}

func TestDrainSingleFlight(t *testing.T) {
	store := mocks.NewMockStore()
	gateway := mocks.NewMockGateway()
	queue, engine := newTestQueue(store, gateway, true)
	ctx := context.Background()

	if _, err := engine.SaveEntity(ctx, "pet", json.RawMessage(`{"name":"Rex"}`), ""); err != nil {
		t.Fatalf("SaveEntity failed: %v", err)
	}

	queue.draining.Store(true)
	if err := queue.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(gateway.Pushed) != 0 {
		t.Errorf("expected second drain to yield while one is in flight, got %d pushes", len(gateway.Pushed))
	}
	queue.draining.Store(false)

	if err := queue.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(gateway.Pushed) != 1 {
		t.Errorf("expected 1 push, got %d", len(gateway.Pushed))
	}
}

func TestDrainOrdersCreateBeforeUpdate(t *testing.T) {
	store := mocks.NewMockStore()
	gateway := mocks.NewMockGateway()
	queue, engine := newTestQueue(store, gateway, true)
	ctx := context.Background()

	entity, err := engine.SaveEntity(ctx, "pet", json.RawMessage(`{"name":"Rex"}`), "")
	if err != nil {
		t.Fatalf("SaveEntity failed: %v", err)
	}
	if _, err := engine.UpdateEntity(ctx, "pet", entity.ID, json.RawMessage(`{"name":"Max"}`)); err != nil {
		t.Fatalf("UpdateEntity failed: %v", err)
	}
	createOp := opByKind(store, domain.OpCreate)
	updateOp := opByKind(store, domain.OpUpdate)

	if err := queue.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	ids := gateway.PushedIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 pushes, got %d", len(ids))
	}
	if ids[0] != createOp.ID || ids[1] != updateOp.ID {
		t.Errorf("expected create pushed before dependent update, got %v", ids)
	}

	for _, op := range store.Operations {
		if op.Status != domain.OpStatusCompleted {
			t.Errorf("expected operation %s completed, got %s", op.ID, op.Status)
		}
	}
	got, err := engine.GetEntity(ctx, "pet", entity.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.SyncStatus != domain.SyncStatusSynced {
		t.Errorf("expected entity synced after drain, got %s", got.SyncStatus)
	}
}

func TestDrainAdoptsServerID(t *testing.T) {
	store := mocks.NewMockStore()
	gateway := mocks.NewMockGateway()
	queue, engine := newTestQueue(store, gateway, true)
	ctx := context.Background()

	entity, err := engine.SaveEntity(ctx, "pet", json.RawMessage(`{"name":"Rex"}`), "")
	if err != nil {
		t.Fatalf("SaveEntity failed: %v", err)
	}
	if _, err := engine.UpdateEntity(ctx, "pet", entity.ID, json.RawMessage(`{"name":"Max"}`)); err != nil {
		t.Fatalf("UpdateEntity failed: %v", err)
	}
	createOp := opByKind(store, domain.OpCreate)
	gateway.Results[createOp.ID] = &domain.RemoteResult{ID: "srv-9", Version: 1}

	if err := queue.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if _, err := engine.GetEntity(ctx, "pet", "srv-9"); err != nil {
		t.Errorf("expected record under server id after adoption: %v", err)
	}
	if len(gateway.Pushed) != 2 {
		t.Fatalf("expected 2 pushes, got %d", len(gateway.Pushed))
	}
	if gateway.Pushed[1].EntityID != "srv-9" {
		t.Errorf("expected dependent update pushed with adopted id, got %s", gateway.Pushed[1].EntityID)
	}
}

func TestDrainConflictSkipsDependents(t *testing.T) {
	store := mocks.NewMockStore()
	gateway := mocks.NewMockGateway()
	queue, engine := newTestQueue(store, gateway, true)
	ctx := context.Background()

	entity, err := engine.SaveEntity(ctx, "pet", json.RawMessage(`{"name":"Rex"}`), "")
	if err != nil {
		t.Fatalf("SaveEntity failed: %v", err)
	}
	if _, err := engine.UpdateEntity(ctx, "pet", entity.ID, json.RawMessage(`{"name":"Max"}`)); err != nil {
		t.Fatalf("UpdateEntity failed: %v", err)
	}
	createOp := opByKind(store, domain.OpCreate)
	updateOp := opByKind(store, domain.OpUpdate)
	gateway.Errs[createOp.ID] = &domain.ConflictError{
		EntityType: "pet", EntityID: entity.ID, BaseVersion: 0, ServerVersion: 3,
	}

	if err := queue.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if len(gateway.Pushed) != 1 {
		t.Fatalf("expected only the conflicting op pushed, got %d", len(gateway.Pushed))
	}
	if got := store.Operations[createOp.ID].Status; got != domain.OpStatusConflicted {
		t.Errorf("expected create conflicted, got %s", got)
	}
	if got := store.Operations[updateOp.ID].Status; got != domain.OpStatusPending {
		t.Errorf("expected dependent update still pending, got %s", got)
	}

	raw, err := store.GetEntity(ctx, testScope(), "pet", entity.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if raw.SyncStatus != domain.SyncStatusConflicted {
		t.Errorf("expected entity marked conflicted, got %s", raw.SyncStatus)
	}

	conflicted, err := queue.ConflictedOperations(ctx)
	if err != nil {
		t.Fatalf("ConflictedOperations failed: %v", err)
	}
	if len(conflicted) != 1 {
		t.Errorf("expected 1 conflicted operation, got %d", len(conflicted))
	}
}

func TestDrainNetworkErrorBacksOff(t *testing.T) {
	store := mocks.NewMockStore()
	gateway := mocks.NewMockGateway()
	queue, engine := newTestQueue(store, gateway, true)
	ctx := context.Background()

	if _, err := engine.SaveEntity(ctx, "pet", json.RawMessage(`{"name":"Rex"}`), ""); err != nil {
		t.Fatalf("SaveEntity failed: %v", err)
	}
	createOp := opByKind(store, domain.OpCreate)
	gateway.Errs[createOp.ID] = &domain.NetworkError{Op: "push", Err: errors.New("connection refused")}

	if err := queue.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	op := store.Operations[createOp.ID]
	if op.Status != domain.OpStatusFailed {
		t.Errorf("expected failed status, got %s", op.Status)
	}
	if op.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", op.RetryCount)
	}
	if !op.NextAttempt.After(time.Now()) {
		t.Errorf("expected next attempt in the future, got %v", op.NextAttempt)
	}

	// Still inside its backoff window: the op is skipped.
	if err := queue.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(gateway.Pushed) != 1 {
		t.Errorf("expected backoff to skip retry, got %d pushes", len(gateway.Pushed))
	}
}

func TestDrainExhaustedRetriesPark(t *testing.T) {
	store := mocks.NewMockStore()
	gateway := mocks.NewMockGateway()
	engine := newTestEngine(store)
	cfg := DefaultQueueConfig()
	cfg.MaxRetries = 1
	cfg.RatePerSec = 10000
	queue := NewQueue(testScope(), store, gateway, engine, func() bool { return true }, cfg, testLogger(), nil, nil)
	ctx := context.Background()

	entity, err := engine.SaveEntity(ctx, "pet", json.RawMessage(`{"name":"Rex"}`), "")
	if err != nil {
		t.Fatalf("SaveEntity failed: %v", err)
	}
	createOp := opByKind(store, domain.OpCreate)
	gateway.Errs[createOp.ID] = &domain.NetworkError{Op: "push", Err: errors.New("connection refused")}

	if err := queue.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	op := store.Operations[createOp.ID]
	if op.Status != domain.OpStatusFailed || !op.NextAttempt.IsZero() {
		t.Errorf("expected parked failure, got status %s next attempt %v", op.Status, op.NextAttempt)
	}
	raw, err := store.GetEntity(ctx, testScope(), "pet", entity.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if raw.SyncStatus != domain.SyncStatusFailed {
		t.Errorf("expected entity marked failed, got %s", raw.SyncStatus)
	}

	// Parked operations are never auto-retried.
	if err := queue.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(gateway.Pushed) != 1 {
		t.Errorf("expected no auto-retry of parked op, got %d pushes", len(gateway.Pushed))
	}
}

func TestDrainValidationErrorIsNotRetried(t *testing.T) {
	store := mocks.NewMockStore()
	gateway := mocks.NewMockGateway()
	queue, engine := newTestQueue(store, gateway, true)
	ctx := context.Background()

	if _, err := engine.SaveEntity(ctx, "pet", json.RawMessage(`{"name":"Rex"}`), ""); err != nil {
		t.Fatalf("SaveEntity failed: %v", err)
	}
	createOp := opByKind(store, domain.OpCreate)
	gateway.Errs[createOp.ID] = &domain.ValidationError{EntityType: "pet", Detail: "name too long"}

	if err := queue.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	op := store.Operations[createOp.ID]
	if op.Status != domain.OpStatusFailed {
		t.Errorf("expected failed status, got %s", op.Status)
	}
	if op.RetryCount != 0 {
		t.Errorf("expected no retry accounting for rejected payload, got %d", op.RetryCount)
	}
	if !op.NextAttempt.IsZero() {
		t.Errorf("expected no scheduled retry, got %v", op.NextAttempt)
	}

	if err := queue.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(gateway.Pushed) != 1 {
		t.Errorf("expected rejected op not re-pushed, got %d pushes", len(gateway.Pushed))
	}
}

func TestDrainSurfacesStoreFaults(t *testing.T) {
	store := mocks.NewMockStore()
	gateway := mocks.NewMockGateway()
	queue, engine := newTestQueue(store, gateway, true)
	ctx := context.Background()

	if _, err := engine.SaveEntity(ctx, "pet", json.RawMessage(`{"name":"Rex"}`), ""); err != nil {
		t.Fatalf("SaveEntity failed: %v", err)
	}

	store.UpdateErr = errors.New("disk full")
	if err := queue.Drain(ctx); err == nil {
		t.Error("expected store fault surfaced from Drain")
	}
	if len(gateway.Pushed) != 0 {
		t.Errorf("expected no pushes after store fault, got %d", len(gateway.Pushed))
	}
}

func TestRetryFailedResetsAndDrains(t *testing.T) {
	store := mocks.NewMockStore()
	gateway := mocks.NewMockGateway()
	queue, engine := newTestQueue(store, gateway, true)
	ctx := context.Background()

	entity, err := engine.SaveEntity(ctx, "pet", json.RawMessage(`{"name":"Rex"}`), "")
	if err != nil {
		t.Fatalf("SaveEntity failed: %v", err)
	}
	createOp := opByKind(store, domain.OpCreate)
	gateway.Errs[createOp.ID] = &domain.ValidationError{EntityType: "pet", Detail: "rejected"}

	if err := queue.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	delete(gateway.Errs, createOp.ID)

	if err := queue.RetryFailed(ctx); err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}

	op := store.Operations[createOp.ID]
	if op.Status != domain.OpStatusCompleted {
		t.Errorf("expected completed after retry, got %s", op.Status)
	}
	got, err := engine.GetEntity(ctx, "pet", entity.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.SyncStatus != domain.SyncStatusSynced {
		t.Errorf("expected entity synced after retry, got %s", got.SyncStatus)
	}
}

func TestDrainHonorsPriorityAmongIndependents(t *testing.T) {
	store := mocks.NewMockStore()
	gateway := mocks.NewMockGateway()
	queue, _ := newTestQueue(store, gateway, true)
	ctx := context.Background()

	now := time.Now().UTC()
	low := &domain.SyncOperation{
		ID: "op-low", EntityType: "pet", EntityID: "pet-1", Kind: domain.OpCreate,
		Priority: 0, CreatedAt: now,
	}
	high := &domain.SyncOperation{
		ID: "op-high", EntityType: "client", EntityID: "client-1", Kind: domain.OpCreate,
		Priority: 5, CreatedAt: now.Add(time.Second),
	}
	for _, op := range []*domain.SyncOperation{low, high} {
		if err := queue.Enqueue(ctx, op); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	if err := queue.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	ids := gateway.PushedIDs()
	if len(ids) != 2 || ids[0] != "op-high" || ids[1] != "op-low" {
		t.Errorf("expected higher priority first, got %v", ids)
	}
}

func TestClearCompletedRespectsRetention(t *testing.T) {
	store := mocks.NewMockStore()
	gateway := mocks.NewMockGateway()
	queue, _ := newTestQueue(store, gateway, true)
	ctx := context.Background()

	old := &domain.SyncOperation{
		ID: "op-old", EntityType: "pet", EntityID: "pet-1", Kind: domain.OpCreate,
		Status: domain.OpStatusCompleted, Scope: testScope(),
		CreatedAt: time.Now().UTC().Add(-30 * 24 * time.Hour),
	}
	fresh := &domain.SyncOperation{
		ID: "op-fresh", EntityType: "pet", EntityID: "pet-2", Kind: domain.OpCreate,
		Status: domain.OpStatusCompleted, Scope: testScope(),
		CreatedAt: time.Now().UTC(),
	}
	store.Operations[old.ID] = old
	store.Operations[fresh.ID] = fresh

	n, err := queue.ClearCompleted(ctx)
	if err != nil {
		t.Fatalf("ClearCompleted failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 operation cleared, got %d", n)
	}
	if _, ok := store.Operations["op-fresh"]; !ok {
		t.Error("expected fresh completed operation retained")
	}
}
