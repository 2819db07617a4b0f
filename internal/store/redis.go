// redis.go -- go-redis backed attempt store and rate limiter.
//
// Attempts live under login:{scope}:pkce_{provider} and login:{scope}:state_{provider},
// both written in one MULTI with the same TTL so a reader never sees a mixed pair.
package store

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/MGallo-Code/obol/internal/login"
	"github.com/MGallo-Code/obol/internal/oauth"
	"github.com/redis/go-redis/v9"
)

// DefaultAttemptTTL bounds how long an abandoned attempt lingers.
const DefaultAttemptTTL = 10 * time.Minute

// consumeRetries bounds optimistic-lock retries when a concurrent write touches the attempt.
const consumeRetries = 3

// NewRedisClient parses redisURL, connects, and pings to verify connectivity.
// The returned client is shared by every Redis-backed component and safe for concurrent use.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// RedisAttempts is the shared-state login.ScopedStore for multi-instance deployments.
type RedisAttempts struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisAttempts wraps rdb. ttl <= 0 uses DefaultAttemptTTL.
func NewRedisAttempts(rdb *redis.Client, ttl time.Duration) *RedisAttempts {
	if ttl <= 0 {
		ttl = DefaultAttemptTTL
	}
	return &RedisAttempts{rdb: rdb, ttl: ttl}
}

// Scope returns the attempt store for one flow scope.
func (s *RedisAttempts) Scope(id string) login.AttemptStore {
	return &redisScope{rdb: s.rdb, ttl: s.ttl, prefix: "login:" + id + ":"}
}

// CheckHealth pings Redis.
func (s *RedisAttempts) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

type redisScope struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func (s *redisScope) keys(p oauth.ProviderName) (string, string) {
	return s.prefix + login.VerifierKey(p), s.prefix + login.StateKey(p)
}

func (s *redisScope) Save(ctx context.Context, provider oauth.ProviderName, a login.Attempt) error {
	vKey, sKey := s.keys(provider)

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, vKey, a.CodeVerifier, s.ttl)
	pipe.Set(ctx, sKey, a.State, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving attempt: %w", err)
	}
	return nil
}

// Consume WATCHes both keys so two concurrent callbacks carrying the same state
// cannot both succeed, and a concurrent Save is never half-consumed.
func (s *redisScope) Consume(ctx context.Context, provider oauth.ProviderName, state string) (login.Attempt, error) {
	vKey, sKey := s.keys(provider)

	var out login.Attempt
	txf := func(tx *redis.Tx) error {
		vals, err := tx.MGet(ctx, vKey, sKey).Result()
		if err != nil {
			return err
		}
		verifier, _ := vals[0].(string)
		saved, _ := vals[1].(string)
		if verifier == "" || saved == "" {
			return login.ErrAttemptNotFound
		}
		if subtle.ConstantTimeCompare([]byte(saved), []byte(state)) != 1 {
			return login.ErrStateMismatch
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, vKey, sKey)
			return nil
		})
		if err != nil {
			return err
		}
		out = login.Attempt{CodeVerifier: verifier, State: saved}
		return nil
	}

	for i := 0; i < consumeRetries; i++ {
		err := s.rdb.Watch(ctx, txf, vKey, sKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, login.ErrInvalidState) {
				return login.Attempt{}, err
			}
			return login.Attempt{}, fmt.Errorf("consuming attempt: %w", err)
		}
		return out, nil
	}
	return login.Attempt{}, fmt.Errorf("consuming attempt: %w", redis.TxFailedErr)
}

func (s *redisScope) Discard(ctx context.Context, provider oauth.ProviderName) error {
	vKey, sKey := s.keys(provider)
	if err := s.rdb.Del(ctx, vKey, sKey).Err(); err != nil {
		return fmt.Errorf("discarding attempt: %w", err)
	}
	return nil
}

// RedisRateLimiter implements fixed-window rate limiting on a shared Redis client.
type RedisRateLimiter struct {
	rdb *redis.Client
}

// NewRedisRateLimiter wraps rdb.
func NewRedisRateLimiter(rdb *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{rdb: rdb}
}

// allowScript increments the counter and starts the window on the first hit.
// KEYS[1] = counter key, ARGV[1] = window in ms. Returns the new count.
var allowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Allow records one attempt for key and reports whether it is within policy.
// Returns ErrRateLimitExceeded when over the limit; other errors are Redis failures.
func (rl *RedisRateLimiter) Allow(ctx context.Context, key string, policy RateLimit) error {
	if policy.MaxAttempts <= 0 || policy.Window <= 0 {
		return nil
	}
	n, err := allowScript.Run(ctx, rl.rdb, []string{"ratelimit:" + key}, policy.Window.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if n > int64(policy.MaxAttempts) {
		return ErrRateLimitExceeded
	}
	return nil
}
