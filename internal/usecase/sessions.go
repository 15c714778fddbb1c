package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxio/localcore/internal/adapter/metrics"
	"github.com/praxio/localcore/internal/domain"
)

// fastCacheKey is the per-device key the active session lives under in the
// fast tier.
const fastCacheKey = "active"

// Sessions is the two-tier offline session cache: a fast tier (in-memory or
// Redis) in front of the durable store. Durable session material is
// obfuscated, not encrypted; anything sensitive must re-verify against the
// server when online.
type Sessions struct {
	fast    domain.FastSessionCache
	store   domain.SessionStore
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.CoreMetrics

	mu      sync.RWMutex
	current *domain.AuthSession
}

// NewSessions creates a session manager. ttl bounds fast-tier entries.
func NewSessions(fast domain.FastSessionCache, store domain.SessionStore, ttl time.Duration,
	logger *slog.Logger, m *metrics.CoreMetrics) *Sessions {
	return &Sessions{
		fast:    fast,
		store:   store,
		ttl:     ttl,
		logger:  logger.With("component", "session_manager"),
		metrics: m,
	}
}

// Load restores the active session: fast tier first, accepted only when it
// carries a concrete role; otherwise the most recently active non-expired
// durable session. A durable session still holding a placeholder role is
// corrupt, so it is deleted and reported via CorruptSessionError. No usable
// session at all is not an error: the manager is simply unauthenticated.
func (s *Sessions) Load(ctx context.Context) error {
	cached, err := s.fast.Get(ctx, fastCacheKey)
	if err != nil {
		s.logger.Warn("fast session tier unavailable", "error", err)
	}
	if cached != nil && cached.HasConcreteRole() && cached.TokenValid() {
		if s.metrics != nil {
			s.metrics.SessionCacheHits.Inc()
		}
		s.setCurrent(cached)
		return nil
	}
	if s.metrics != nil {
		s.metrics.SessionCacheMisses.Inc()
	}

	session, err := s.store.LatestSession(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		s.setCurrent(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load durable session: %w", err)
	}

	if !session.HasConcreteRole() {
		if delErr := s.store.DeleteSession(ctx, session.ID); delErr != nil {
			s.logger.Error("failed to delete corrupt session", "session_id", session.ID, "error", delErr)
		}
		s.setCurrent(nil)
		return &domain.CorruptSessionError{SessionID: session.ID, Reason: "placeholder role"}
	}

	s.setCurrent(session)
	if err := s.fast.Set(ctx, fastCacheKey, session, s.ttl); err != nil {
		s.logger.Warn("failed to warm fast session tier", "error", err)
	}
	return nil
}

// Establish creates and persists a session from a fresh online identity.
func (s *Sessions) Establish(ctx context.Context, identity *domain.Identity, scope domain.TenantScope, expiresAt time.Time) (*domain.AuthSession, error) {
	if identity.Role == "" || identity.Role == domain.RolePlaceholder {
		return nil, &domain.CorruptSessionError{Reason: "identity carries no concrete role"}
	}

	now := time.Now().UTC()
	session := &domain.AuthSession{
		ID:                uuid.NewString(),
		UserID:            identity.UserID,
		TenantID:          scope.TenantID,
		PracticeID:        identity.PracticeID,
		CurrentPracticeID: scope.PracticeID,
		Email:             identity.Email,
		Name:              identity.Name,
		Role:              identity.Role,
		Roles:             identity.Roles,
		ExpiresAt:         expiresAt,
		LastActivity:      now,
	}

	if err := s.store.PutSession(ctx, session); err != nil {
		return nil, err
	}
	if err := s.fast.Set(ctx, fastCacheKey, session, s.ttl); err != nil {
		s.logger.Warn("failed to warm fast session tier", "error", err)
	}
	s.setCurrent(session)
	s.logger.Info("session established", "user_id", identity.UserID, "role", identity.Role)
	return session, nil
}

// Current returns a copy of the active session, or nil.
func (s *Sessions) Current() *domain.AuthSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	cp := *s.current
	return &cp
}

// IsAuthenticated reports a present session with a still-valid token.
func (s *Sessions) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.TokenValid()
}

// IsTokenValid reports whether the active session's expiry is in the
// future.
func (s *Sessions) IsTokenValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.TokenValid()
}

// Touch records activity on the session, refreshing its last-activity
// stamp in both tiers.
func (s *Sessions) Touch(ctx context.Context) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return domain.ErrNotAuthenticated
	}
	now := time.Now().UTC()
	s.current.LastActivity = now
	session := *s.current
	s.mu.Unlock()

	if err := s.store.TouchSession(ctx, session.ID, now); err != nil {
		return err
	}
	if err := s.fast.Set(ctx, fastCacheKey, &session, s.ttl); err != nil {
		s.logger.Warn("failed to refresh fast session tier", "error", err)
	}
	return nil
}

// SetCurrentPractice records a practice switch on the persisted session.
func (s *Sessions) SetCurrentPractice(ctx context.Context, practiceID string) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return domain.ErrNotAuthenticated
	}
	s.current.CurrentPracticeID = practiceID
	session := *s.current
	s.mu.Unlock()

	if err := s.store.PutSession(ctx, &session); err != nil {
		return err
	}
	if err := s.fast.Set(ctx, fastCacheKey, &session, s.ttl); err != nil {
		s.logger.Warn("failed to refresh fast session tier", "error", err)
	}
	return nil
}

// Logout deletes the session from both tiers. Idempotent: logging out with
// no active session is a no-op.
func (s *Sessions) Logout(ctx context.Context) error {
	s.mu.Lock()
	session := s.current
	s.current = nil
	s.mu.Unlock()

	if err := s.fast.Delete(ctx, fastCacheKey); err != nil {
		s.logger.Warn("failed to evict fast session tier", "error", err)
	}
	if session == nil {
		return nil
	}
	if err := s.store.DeleteSession(ctx, session.ID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.logger.Info("session logged out", "user_id", session.UserID)
	return nil
}

// RefreshAuth re-runs the load procedure, used after external auth state
// changes such as re-authenticating when connectivity returns.
func (s *Sessions) RefreshAuth(ctx context.Context) error {
	return s.Load(ctx)
}

func (s *Sessions) setCurrent(session *domain.AuthSession) {
	s.mu.Lock()
	s.current = session
	s.mu.Unlock()
}
