package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/praxio/localcore/internal/adapter/remote"
	"github.com/praxio/localcore/internal/adapter/repository/sqlstore"
	"github.com/praxio/localcore/internal/domain"
)

// fakeServer is a minimal server of record: it accepts pushes, assigns
// server ids to created records and tracks versions per entity.
type fakeServer struct {
	mu       sync.Mutex
	nextID   int
	versions map[string]int64
	requests []string
}

func (f *fakeServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)

		var body struct {
			ID          string          `json:"id"`
			Payload     json.RawMessage `json:"payload"`
			BaseVersion int64           `json:"base_version"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodPost:
			f.nextID++
			id := fmt.Sprintf("srv-%d", f.nextID)
			f.versions[id] = 1
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "version": 1, "payload": body.Payload})
		case http.MethodPut:
			id := filepath.Base(r.URL.Path)
			f.versions[id]++
			_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "version": f.versions[id], "payload": body.Payload})
		case http.MethodDelete:
			id := filepath.Base(r.URL.Path)
			delete(f.versions, id)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": id})
		default:
			http.NotFound(w, r)
		}
	}
}

// TestOfflineMutationsReplayAgainstServer drives the full path: mutations
// land in sqlite while offline, then a drain replays them in order through
// the HTTP client and the local records converge on server state.
func TestOfflineMutationsReplayAgainstServer(t *testing.T) {
	fake := &fakeServer{versions: make(map[string]int64)}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	dsn := filepath.Join(t.TempDir(), "flow.db")
	store, err := sqlstore.Open("sqlite", dsn, testLogger())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	client := remote.New(server.URL, 5*time.Second, testLogger())
	engine := NewEngine(testScope(), store, store, stubAuth{ok: true}, stubPerms{ok: true}, testLogger())

	online := false
	cfg := DefaultQueueConfig()
	cfg.RatePerSec = 10000
	queue := NewQueue(testScope(), store, client, engine, func() bool { return online }, cfg, testLogger(), nil, nil)
	ctx := context.Background()

	entity, err := engine.SaveEntity(ctx, "pet", json.RawMessage(`{"name":"Rex","species":"dog"}`), "")
	if err != nil {
		t.Fatalf("SaveEntity failed: %v", err)
	}
	if _, err := engine.UpdateEntity(ctx, "pet", entity.ID, json.RawMessage(`{"name":"Max"}`)); err != nil {
		t.Fatalf("UpdateEntity failed: %v", err)
	}

	// Still offline: everything stays queued locally.
	if err := queue.Drain(ctx); err != nil {
		t.Fatalf("offline Drain failed: %v", err)
	}
	if len(fake.requests) != 0 {
		t.Fatalf("expected no requests while offline, got %v", fake.requests)
	}

	online = true
	if err := queue.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	wantRequests := []string{
		"POST /v1/entities/pet",
		"PUT /v1/entities/pet/srv-1",
	}
	if len(fake.requests) != len(wantRequests) {
		t.Fatalf("expected %d requests, got %v", len(wantRequests), fake.requests)
	}
	for i, want := range wantRequests {
		if fake.requests[i] != want {
			t.Errorf("request %d: expected %q, got %q", i, want, fake.requests[i])
		}
	}

	got, err := engine.GetEntity(ctx, "pet", "srv-1")
	if err != nil {
		t.Fatalf("expected record under server id: %v", err)
	}
	if got.SyncStatus != domain.SyncStatusSynced {
		t.Errorf("expected synced record, got %s", got.SyncStatus)
	}
	if got.Version != 2 {
		t.Errorf("expected server version 2, got %d", got.Version)
	}
	var payload map[string]any
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["name"] != "Max" || payload["species"] != "dog" {
		t.Errorf("unexpected payload after replay: %v", payload)
	}

	pending, err := queue.PendingOperations(ctx)
	if err != nil {
		t.Fatalf("PendingOperations failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected empty queue after drain, got %d pending", len(pending))
	}

	// Delete round-trip: tombstone locally, purge on acknowledgement.
	if err := engine.DeleteEntity(ctx, "pet", "srv-1"); err != nil {
		t.Fatalf("DeleteEntity failed: %v", err)
	}
	if err := queue.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if _, err := engine.GetEntity(ctx, "pet", "srv-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected record purged after acknowledged delete, got %v", err)
	}
	if last := fake.requests[len(fake.requests)-1]; last != "DELETE /v1/entities/pet/srv-1" {
		t.Errorf("expected delete request last, got %q", last)
	}
}
