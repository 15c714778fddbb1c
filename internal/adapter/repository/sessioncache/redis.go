package sessioncache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/praxio/localcore/internal/domain"
)

const keyPrefix = "localcore:session:"

// Redis is the fast tier of the session cache backed by a local Redis, for
// clinic-hub deployments where several workstations share one hub. A miss or
// an unreachable Redis is reported as a miss so callers fall through to the
// durable store.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis creates a Redis-backed session cache.
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: logger.With("component", "session_cache"),
	}
}

func (r *Redis) Get(ctx context.Context, key string) (*domain.AuthSession, error) {
	raw, err := r.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		// Fast tier is best-effort: log and report a miss so the durable
		// store stays authoritative.
		r.logger.Warn("session cache read failed, falling through", "error", err)
		return nil, nil
	}

	var session domain.AuthSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		r.logger.Warn("invalid cached session, dropping", "key", key, "error", err)
		_ = r.client.Del(ctx, keyPrefix+key).Err()
		return nil, nil
	}
	return &session, nil
}

func (r *Redis) Set(ctx context.Context, key string, session *domain.AuthSession, ttl time.Duration) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache session: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to evict session: %w", err)
	}
	return nil
}
