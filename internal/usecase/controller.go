package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/praxio/localcore/internal/adapter/metrics"
	"github.com/praxio/localcore/internal/domain"
)

// ControllerConfig bundles the per-deployment knobs the controller needs to
// assemble scoped components.
type ControllerConfig struct {
	UserID          string
	SessionLifetime time.Duration
	SessionCacheTTL time.Duration
	PermissionTTL   time.Duration
	Queue           QueueConfig
}

// ControllerDeps carries the shared infrastructure the controller builds
// scoped components on top of.
type ControllerDeps struct {
	Entities  domain.EntityStore
	Ops       domain.OperationStore
	Sessions  domain.SessionStore
	FastCache domain.FastSessionCache
	Gateway   domain.RemoteGateway
	Identity  domain.IdentityProvider
	Metrics   *metrics.CoreMetrics
	Events    *QueueEvents
}

type initFlight struct {
	done chan struct{}
	err  error
}

// Controller owns the lifecycle of the scoped components: it initializes
// them for a tenant scope, rebuilds them on practice switch, and tears them
// down on logout. Only one initialization runs at a time; concurrent callers
// join the in-flight attempt and share its result.
type Controller struct {
	cfg    ControllerConfig
	deps   ControllerDeps
	logger *slog.Logger

	sessions  *Sessions
	online    atomic.Bool
	ready     atomic.Bool
	switching atomic.Bool

	initMu   sync.Mutex
	inflight *initFlight

	mu     sync.RWMutex
	scope  domain.TenantScope
	engine *Engine
	queue  *Queue
	perms  *Permissions
}

// NewController creates a lifecycle controller. Components are not usable
// until Initialize succeeds.
func NewController(cfg ControllerConfig, deps ControllerDeps, logger *slog.Logger) *Controller {
	if cfg.SessionLifetime <= 0 {
		cfg.SessionLifetime = 24 * time.Hour
	}
	c := &Controller{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "lifecycle_controller"),
	}
	c.sessions = NewSessions(deps.FastCache, deps.Sessions, cfg.SessionCacheTTL, logger, deps.Metrics)
	c.online.Store(true)
	return c
}

// Initialize brings up the scoped components for scope. Online it fetches a
// fresh identity and establishes a session; offline it restores the cached
// one. Concurrent calls join the initialization already in flight and
// receive its outcome.
func (c *Controller) Initialize(ctx context.Context, scope domain.TenantScope) error {
	c.initMu.Lock()
	if fl := c.inflight; fl != nil {
		c.initMu.Unlock()
		select {
		case <-fl.done:
			return fl.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fl := &initFlight{done: make(chan struct{})}
	c.inflight = fl
	c.initMu.Unlock()

	err := c.initialize(ctx, scope)

	c.initMu.Lock()
	fl.err = err
	close(fl.done)
	c.inflight = nil
	c.initMu.Unlock()
	return err
}

func (c *Controller) initialize(ctx context.Context, scope domain.TenantScope) error {
	if scope.IsZero() {
		return &domain.ValidationError{Detail: "incomplete tenant scope"}
	}

	session, err := c.resolveSession(ctx, scope)
	if err != nil {
		return err
	}

	perms := NewPermissions(scope, session.UserID, session.Role, c.deps.Identity,
		c.cfg.PermissionTTL, c.logger, c.deps.Metrics)
	if err := perms.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to build permission cache: %w", err)
	}

	engine := NewEngine(scope, c.deps.Entities, c.deps.Ops, c.sessions, perms, c.logger)
	queue := NewQueue(scope, c.deps.Ops, c.deps.Gateway, engine, c.online.Load,
		c.cfg.Queue, c.logger, c.deps.Metrics, c.deps.Events)

	c.mu.Lock()
	if c.engine != nil {
		c.engine.Close()
	}
	c.scope = scope
	c.engine = engine
	c.queue = queue
	c.perms = perms
	c.mu.Unlock()

	c.ready.Store(true)
	c.logger.Info("initialized", "scope", scope.String(), "user_id", session.UserID, "online", c.online.Load())
	return nil
}

// resolveSession establishes a fresh session when online and the identity
// service is reachable, and otherwise falls back to the cached one. A
// corrupt cached session is discarded; having no session at all is
// ErrNotAuthenticated.
func (c *Controller) resolveSession(ctx context.Context, scope domain.TenantScope) (*domain.AuthSession, error) {
	if c.online.Load() {
		identity, err := c.deps.Identity.FetchIdentity(ctx, c.cfg.UserID)
		if err == nil {
			return c.sessions.Establish(ctx, identity, scope, time.Now().UTC().Add(c.cfg.SessionLifetime))
		}
		var netErr *domain.NetworkError
		if !errors.As(err, &netErr) {
			return nil, fmt.Errorf("failed to fetch identity: %w", err)
		}
		c.logger.Warn("identity service unreachable, restoring cached session", "error", err)
	}

	if err := c.sessions.Load(ctx); err != nil {
		var corrupt *domain.CorruptSessionError
		if !errors.As(err, &corrupt) {
			return nil, err
		}
		c.logger.Warn("discarded corrupt cached session", "session_id", corrupt.SessionID)
	}
	session := c.sessions.Current()
	if session == nil || !session.TokenValid() {
		return nil, domain.ErrNotAuthenticated
	}
	return session, nil
}

// SwitchPractice rebuilds the scoped components for another practice in the
// same tenant. Data written under the previous practice stays on disk and is
// simply out of scope for the new instances. Only one switch runs at a time;
// a second caller gets ErrSwitchInFlight and retries.
func (c *Controller) SwitchPractice(ctx context.Context, practiceID string) error {
	if !c.ready.Load() {
		return domain.ErrNotInitialized
	}
	if practiceID == "" {
		return &domain.ValidationError{Detail: "practice id is required"}
	}
	if !c.switching.CompareAndSwap(false, true) {
		return domain.ErrSwitchInFlight
	}
	defer c.switching.Store(false)

	c.mu.RLock()
	tenantID := c.scope.TenantID
	c.mu.RUnlock()

	if err := c.Initialize(ctx, domain.TenantScope{TenantID: tenantID, PracticeID: practiceID}); err != nil {
		return err
	}
	if err := c.sessions.SetCurrentPractice(ctx, practiceID); err != nil {
		return err
	}
	c.logger.Info("switched practice", "practice_id", practiceID)
	return nil
}

// SetOnline flips connectivity. Coming back online re-establishes auth
// state and drains whatever queued up while offline.
func (c *Controller) SetOnline(ctx context.Context, online bool) error {
	wasOnline := c.online.Swap(online)
	if !online || wasOnline || !c.ready.Load() {
		return nil
	}

	c.mu.RLock()
	scope := c.scope
	c.mu.RUnlock()

	c.logger.Info("connectivity restored", "scope", scope.String())
	if err := c.Initialize(ctx, scope); err != nil {
		return err
	}
	if queue := c.Queue(); queue != nil {
		return queue.Drain(ctx)
	}
	return nil
}

// Teardown logs the session out and detaches the scoped components. Durable
// entity and queue state stays on disk for the next login.
func (c *Controller) Teardown(ctx context.Context) error {
	c.ready.Store(false)

	c.mu.Lock()
	if c.engine != nil {
		c.engine.Close()
	}
	c.engine = nil
	c.queue = nil
	c.perms = nil
	c.scope = domain.TenantScope{}
	c.mu.Unlock()

	if err := c.sessions.Logout(ctx); err != nil {
		return err
	}
	c.logger.Info("torn down")
	return nil
}

// Ready reports whether Initialize has completed successfully.
func (c *Controller) Ready() bool { return c.ready.Load() }

// Online reports the current connectivity flag.
func (c *Controller) Online() bool { return c.online.Load() }

// Engine returns the active storage engine, or nil before initialization.
func (c *Controller) Engine() *Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine
}

// Queue returns the active sync queue, or nil before initialization.
func (c *Controller) Queue() *Queue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queue
}

// Permissions returns the active permission cache, or nil before
// initialization.
func (c *Controller) Permissions() *Permissions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.perms
}

// Sessions returns the session manager.
func (c *Controller) Sessions() *Sessions { return c.sessions }

// Scope returns the active tenant scope.
func (c *Controller) Scope() domain.TenantScope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scope
}
