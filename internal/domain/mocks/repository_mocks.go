package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/praxio/localcore/internal/domain"
)

// MockStore is an in-memory implementation of domain.EntityStore,
// domain.OperationStore and domain.SessionStore for testing.
type MockStore struct {
	mu         sync.Mutex
	Entities   map[string]*domain.StoredEntity
	Operations map[string]*domain.SyncOperation
	Sessions   map[string]*domain.AuthSession

	PutErr    error
	GetErr    error
	ListErr   error
	UpdateErr error
}

func NewMockStore() *MockStore {
	return &MockStore{
		Entities:   make(map[string]*domain.StoredEntity),
		Operations: make(map[string]*domain.SyncOperation),
		Sessions:   make(map[string]*domain.AuthSession),
	}
}

func entityKey(scope domain.TenantScope, entityType, id string) string {
	return scope.String() + "/" + entityType + "/" + id
}

func (m *MockStore) PutEntity(ctx context.Context, entity *domain.StoredEntity, op *domain.SyncOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return m.PutErr
	}
	e := *entity
	m.Entities[entityKey(entity.Scope, entity.EntityType, entity.ID)] = &e
	if op != nil {
		o := *op
		m.Operations[op.ID] = &o
	}
	return nil
}

func (m *MockStore) GetEntity(ctx context.Context, scope domain.TenantScope, entityType, id string) (*domain.StoredEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	e, ok := m.Entities[entityKey(scope, entityType, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MockStore) ListEntities(ctx context.Context, scope domain.TenantScope, entityType string) ([]domain.StoredEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []domain.StoredEntity
	for _, e := range m.Entities {
		if e.Scope == scope && e.EntityType == entityType && !e.Deleted {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MockStore) RekeyEntity(ctx context.Context, scope domain.TenantScope, entityType, oldID, newID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := entityKey(scope, entityType, oldID)
	e, ok := m.Entities[old]
	if !ok {
		return domain.ErrNotFound
	}
	delete(m.Entities, old)
	e.ID = newID
	m.Entities[entityKey(scope, entityType, newID)] = e
	return nil
}

func (m *MockStore) PurgeEntity(ctx context.Context, scope domain.TenantScope, entityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Entities, entityKey(scope, entityType, id))
	return nil
}

func (m *MockStore) EnqueueOperation(ctx context.Context, op *domain.SyncOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return m.PutErr
	}
	cp := *op
	m.Operations[op.ID] = &cp
	return nil
}

func (m *MockStore) ListOperations(ctx context.Context, scope domain.TenantScope, statuses ...domain.OperationStatus) ([]domain.SyncOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	want := make(map[domain.OperationStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []domain.SyncOperation
	for _, op := range m.Operations {
		if op.Scope == scope && (len(want) == 0 || want[op.Status]) {
			out = append(out, *op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MockStore) OutstandingOperationIDs(ctx context.Context, scope domain.TenantScope, entityType, entityID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ops []*domain.SyncOperation
	for _, op := range m.Operations {
		if op.Scope == scope && op.EntityType == entityType && op.EntityID == entityID && !op.Status.Terminal() {
			ops = append(ops, op)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].CreatedAt.Before(ops[j].CreatedAt) })
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	return ids, nil
}

func (m *MockStore) UpdateOperation(ctx context.Context, op *domain.SyncOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	cp := *op
	m.Operations[op.ID] = &cp
	return nil
}

func (m *MockStore) RemapEntityID(ctx context.Context, scope domain.TenantScope, entityType, oldID, newID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.Operations {
		if op.Scope == scope && op.EntityType == entityType && op.EntityID == oldID && !op.Status.Terminal() {
			op.EntityID = newID
		}
	}
	return nil
}

func (m *MockStore) DeleteCompletedBefore(ctx context.Context, scope domain.TenantScope, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, op := range m.Operations {
		if op.Scope == scope && op.Status == domain.OpStatusCompleted && op.CreatedAt.Before(cutoff) {
			delete(m.Operations, id)
			n++
		}
	}
	return n, nil
}

func (m *MockStore) CountOperations(ctx context.Context, scope domain.TenantScope, status domain.OperationStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, op := range m.Operations {
		if op.Scope == scope && op.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MockStore) PutSession(ctx context.Context, session *domain.AuthSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return m.PutErr
	}
	cp := *session
	m.Sessions[session.ID] = &cp
	return nil
}

func (m *MockStore) LatestSession(ctx context.Context) (*domain.AuthSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.AuthSession
	now := time.Now()
	for _, s := range m.Sessions {
		if s.ExpiresAt.Before(now) {
			continue
		}
		if latest == nil || s.LastActivity.After(latest.LastActivity) {
			latest = s
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MockStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Sessions, id)
	return nil
}

func (m *MockStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Sessions[id]; ok {
		s.LastActivity = at
	}
	return nil
}

// MockGateway is a scripted domain.RemoteGateway that records pushes in
// call order.
type MockGateway struct {
	mu      sync.Mutex
	Pushed  []domain.SyncOperation
	Results map[string]*domain.RemoteResult // keyed by operation id
	Errs    map[string]error                // keyed by operation id
	PushErr error                           // applied to every push when set
}

func NewMockGateway() *MockGateway {
	return &MockGateway{
		Results: make(map[string]*domain.RemoteResult),
		Errs:    make(map[string]error),
	}
}

func (g *MockGateway) Push(ctx context.Context, op domain.SyncOperation) (*domain.RemoteResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Pushed = append(g.Pushed, op)
	if g.PushErr != nil {
		return nil, g.PushErr
	}
	if err, ok := g.Errs[op.ID]; ok {
		return nil, err
	}
	if res, ok := g.Results[op.ID]; ok {
		return res, nil
	}
	return &domain.RemoteResult{ID: op.EntityID, Version: op.BaseVersion + 1, Payload: op.Payload}, nil
}

// PushedIDs returns the operation ids in the order they were pushed.
func (g *MockGateway) PushedIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.Pushed))
	for _, op := range g.Pushed {
		ids = append(ids, op.ID)
	}
	return ids
}

// MockIdentityProvider is a canned domain.IdentityProvider.
type MockIdentityProvider struct {
	Identity       *domain.Identity
	Assignments    []domain.RoleAssignment
	IdentityErr    error
	AssignmentsErr error
	RefreshCalls   int
}

func (p *MockIdentityProvider) FetchIdentity(ctx context.Context, userID string) (*domain.Identity, error) {
	if p.IdentityErr != nil {
		return nil, p.IdentityErr
	}
	return p.Identity, nil
}

func (p *MockIdentityProvider) FetchRoleAssignments(ctx context.Context, userID, tenantID, practiceID string) ([]domain.RoleAssignment, error) {
	p.RefreshCalls++
	if p.AssignmentsErr != nil {
		return nil, p.AssignmentsErr
	}
	return p.Assignments, nil
}

// MockFastCache is a map-backed domain.FastSessionCache.
type MockFastCache struct {
	mu       sync.Mutex
	Sessions map[string]*domain.AuthSession
	GetErr   error
}

func NewMockFastCache() *MockFastCache {
	return &MockFastCache{Sessions: make(map[string]*domain.AuthSession)}
}

func (c *MockFastCache) Get(ctx context.Context, key string) (*domain.AuthSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.GetErr != nil {
		return nil, c.GetErr
	}
	s, ok := c.Sessions[key]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (c *MockFastCache) Set(ctx context.Context, key string, session *domain.AuthSession, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *session
	c.Sessions[key] = &cp
	return nil
}

func (c *MockFastCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Sessions, key)
	return nil
}
