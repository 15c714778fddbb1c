package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/praxio/localcore/internal/domain"
	"github.com/praxio/localcore/internal/domain/mocks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testScope() domain.TenantScope {
	return domain.TenantScope{TenantID: "tenant-1", PracticeID: "practice-1"}
}

type stubAuth struct{ ok bool }

func (s stubAuth) IsAuthenticated() bool { return s.ok }

type stubPerms struct{ ok bool }

func (s stubPerms) Can(resource, action string) bool { return s.ok }

func newTestEngine(store *mocks.MockStore) *Engine {
	return NewEngine(testScope(), store, store, stubAuth{ok: true}, stubPerms{ok: true}, testLogger())
}

func TestSaveEntityAssignsIDAndEnqueuesCreate(t *testing.T) {
	store := mocks.NewMockStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	entity, err := engine.SaveEntity(ctx, "pet", json.RawMessage(`{"name":"Rex"}`), "")
	if err != nil {
		t.Fatalf("SaveEntity failed: %v", err)
	}
	if entity.ID == "" {
		t.Error("expected a generated id")
	}
	if entity.Version != 1 {
		t.Errorf("expected version 1, got %d", entity.Version)
	}
	if entity.SyncStatus != domain.SyncStatusPending {
		t.Errorf("expected pending sync status, got %s", entity.SyncStatus)
	}

	if len(store.Operations) != 1 {
		t.Fatalf("expected 1 queued operation, got %d", len(store.Operations))
	}
	for _, op := range store.Operations {
		if op.Kind != domain.OpCreate {
			t.Errorf("expected create operation, got %s", op.Kind)
		}
		if op.EntityID != entity.ID {
			t.Errorf("operation entity id %s does not match entity %s", op.EntityID, entity.ID)
		}
	}
}

func TestSaveEntityUsesPayloadID(t *testing.T) {
	store := mocks.NewMockStore()
	engine := newTestEngine(store)

	entity, err := engine.SaveEntity(context.Background(), "pet", json.RawMessage(`{"id":"pet-7","name":"Rex"}`), "")
	if err != nil {
		t.Fatalf("SaveEntity failed: %v", err)
	}
	if entity.ID != "pet-7" {
		t.Errorf("expected payload id pet-7, got %s", entity.ID)
	}
}

func TestUpdateEntityMergesAndDependsOnCreate(t *testing.T) {
	store := mocks.NewMockStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	entity, err := engine.SaveEntity(ctx, "pet", json.RawMessage(`{"name":"Rex","species":"dog"}`), "")
	if err != nil {
		t.Fatalf("SaveEntity failed: %v", err)
	}
	var createOpID string
	for id := range store.Operations {
		createOpID = id
	}

	updated, err := engine.UpdateEntity(ctx, "pet", entity.ID, json.RawMessage(`{"name":"Max"}`))
	if err != nil {
		t.Fatalf("UpdateEntity failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}

	var merged map[string]any
	if err := json.Unmarshal(updated.Payload, &merged); err != nil {
		t.Fatalf("failed to decode merged payload: %v", err)
	}
	if merged["name"] != "Max" || merged["species"] != "dog" {
		t.Errorf("unexpected merged payload: %v", merged)
	}

	found := false
	for _, op := range store.Operations {
		if op.Kind != domain.OpUpdate {
			continue
		}
		found = true
		if op.BaseVersion != 1 {
			t.Errorf("expected base version 1, got %d", op.BaseVersion)
		}
		if len(op.DependsOn) != 1 || op.DependsOn[0] != createOpID {
			t.Errorf("expected dependency on create op %s, got %v", createOpID, op.DependsOn)
		}
	}
	if !found {
		t.Error("no update operation was queued")
	}
}

func TestUpdateEntityAfterNullPayloadSave(t *testing.T) {
	store := mocks.NewMockStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	// A JSON null decodes cleanly, so SaveEntity admits it; the later merge
	// must treat the stored payload as an empty object rather than panic.
	entity, err := engine.SaveEntity(ctx, "pet", json.RawMessage(`null`), "")
	if err != nil {
		t.Fatalf("SaveEntity failed: %v", err)
	}

	updated, err := engine.UpdateEntity(ctx, "pet", entity.ID, json.RawMessage(`{"name":"Rex"}`))
	if err != nil {
		t.Fatalf("UpdateEntity failed: %v", err)
	}
	var merged map[string]any
	if err := json.Unmarshal(updated.Payload, &merged); err != nil {
		t.Fatalf("failed to decode merged payload: %v", err)
	}
	if merged["name"] != "Rex" {
		t.Errorf("unexpected merged payload: %v", merged)
	}
}

func TestSaveEntityRejectsDuplicateID(t *testing.T) {
	store := mocks.NewMockStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	if _, err := engine.SaveEntity(ctx, "pet", json.RawMessage(`{"id":"pet-7","name":"Rex"}`), ""); err != nil {
		t.Fatalf("SaveEntity failed: %v", err)
	}

	_, err := engine.SaveEntity(ctx, "pet", json.RawMessage(`{"id":"pet-7","name":"Max"}`), "")
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError for duplicate id, got %v", err)
	}

	// The original record is untouched and only one create is queued.
	got, err := engine.GetEntity(ctx, "pet", "pet-7")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["name"] != "Rex" {
		t.Errorf("expected original payload preserved, got %v", payload)
	}
	if len(store.Operations) != 1 {
		t.Errorf("expected 1 queued operation, got %d", len(store.Operations))
	}
}

func TestUpdateEntityRejectsMalformedPartial(t *testing.T) {
	store := mocks.NewMockStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	entity, err := engine.SaveEntity(ctx, "pet", json.RawMessage(`{"name":"Rex"}`), "")
	if err != nil {
		t.Fatalf("SaveEntity failed: %v", err)
	}

	_, err = engine.UpdateEntity(ctx, "pet", entity.ID, json.RawMessage(`{"name":`))
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestDeleteEntityTombstones(t *testing.T) {
	store := mocks.NewMockStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	entity, err := engine.SaveEntity(ctx, "pet", json.RawMessage(`{"name":"Rex"}`), "")
	if err != nil {
		t.Fatalf("SaveEntity failed: %v", err)
	}

	if err := engine.DeleteEntity(ctx, "pet", entity.ID); err != nil {
		t.Fatalf("DeleteEntity failed: %v", err)
	}

	if _, err := engine.GetEntity(ctx, "pet", entity.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	list, err := engine.GetAllEntities(ctx, "pet")
	if err != nil {
		t.Fatalf("GetAllEntities failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected tombstoned record excluded from list, got %d", len(list))
	}

	deleteOps := 0
	for _, op := range store.Operations {
		if op.Kind == domain.OpDelete {
			deleteOps++
			if len(op.DependsOn) != 1 {
				t.Errorf("expected delete depending on pending create, got %v", op.DependsOn)
			}
		}
	}
	if deleteOps != 1 {
		t.Errorf("expected 1 delete operation, got %d", deleteOps)
	}
}

func TestMutationsRequireAuth(t *testing.T) {
	store := mocks.NewMockStore()
	engine := NewEngine(testScope(), store, store, stubAuth{ok: false}, stubPerms{ok: true}, testLogger())

	_, err := engine.SaveEntity(context.Background(), "pet", json.RawMessage(`{}`), "")
	if !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestMutationsRequirePermission(t *testing.T) {
	store := mocks.NewMockStore()
	engine := NewEngine(testScope(), store, store, stubAuth{ok: true}, stubPerms{ok: false}, testLogger())

	_, err := engine.SaveEntity(context.Background(), "pet", json.RawMessage(`{}`), "")
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestClosedEngineRefusesOperations(t *testing.T) {
	store := mocks.NewMockStore()
	engine := newTestEngine(store)
	engine.Close()

	_, err := engine.GetEntity(context.Background(), "pet", "pet-1")
	if !errors.Is(err, domain.ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}

func TestAdoptServerID(t *testing.T) {
	store := mocks.NewMockStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	entity, err := engine.SaveEntity(ctx, "pet", json.RawMessage(`{"name":"Rex"}`), "")
	if err != nil {
		t.Fatalf("SaveEntity failed: %v", err)
	}

	if err := engine.AdoptServerID(ctx, "pet", entity.ID, "srv-42"); err != nil {
		t.Fatalf("AdoptServerID failed: %v", err)
	}

	if _, err := engine.GetEntity(ctx, "pet", "srv-42"); err != nil {
		t.Errorf("expected record reachable under server id: %v", err)
	}
	if _, err := engine.GetEntity(ctx, "pet", entity.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected local id gone, got %v", err)
	}
	for _, op := range store.Operations {
		if op.EntityID != "srv-42" {
			t.Errorf("expected queued operation remapped to srv-42, got %s", op.EntityID)
		}
	}
}
