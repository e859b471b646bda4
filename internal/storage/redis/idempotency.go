// Package redis keeps checkout idempotency keys in Redis so that a retried
// PlaceOrder request replays the order created by the first attempt.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"
)

const (
	// keyIdemOrderPlace maps idem:order:place:{account}:{key} to an order ID.
	keyIdemOrderPlace = "idem:order:place:%s:%s"

	// pending marks a key reserved by a request that has not finished yet.
	pending = "-"
)

const (
	// DefaultTTL is how long a completed checkout can be replayed.
	DefaultTTL = 24 * time.Hour
	// DefaultPendingTTL bounds a reservation whose owner never settled it,
	// e.g. after a crash between Reserve and Complete.
	DefaultPendingTTL = 30 * time.Second
)

// IdempotencyStore reserves and resolves checkout idempotency keys.
type IdempotencyStore struct {
	rdb        goredis.UniversalClient
	ttl        time.Duration
	pendingTTL time.Duration
}

// Option configures an IdempotencyStore.
type Option func(*IdempotencyStore)

// WithPendingTTL overrides DefaultPendingTTL.
func WithPendingTTL(d time.Duration) Option {
	return func(s *IdempotencyStore) {
		if d > 0 {
			s.pendingTTL = d
		}
	}
}

// NewIdempotencyStore returns a store with the given replay TTL; zero
// selects DefaultTTL.
func NewIdempotencyStore(rdb goredis.UniversalClient, ttl time.Duration, opts ...Option) *IdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &IdempotencyStore{rdb: rdb, ttl: ttl, pendingTTL: DefaultPendingTTL}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewClient parses a redis:// URL and returns a client.
func NewClient(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return goredis.NewClient(opts), nil
}

func key(accountID, idemKey string) string {
	return fmt.Sprintf(keyIdemOrderPlace, accountID, idemKey)
}

// Reserve claims the key for a new checkout. When the key already resolved
// to an order, that order ID is returned with reserved=false. An empty ID
// with reserved=false means a concurrent request still owns the key.
func (s *IdempotencyStore) Reserve(ctx context.Context, accountID, idemKey string) (orderID string, reserved bool, err error) {
	k := key(accountID, idemKey)
	ok, err := s.rdb.SetNX(ctx, k, pending, s.pendingTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("reserving idempotency key: %w", err)
	}
	if ok {
		return "", true, nil
	}

	v, err := s.rdb.Get(ctx, k).Result()
	switch {
	case errors.Is(err, goredis.Nil):
		// Expired between SETNX and GET; let the caller retry the request.
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("reading idempotency key: %w", err)
	case v == pending:
		return "", false, nil
	default:
		return v, false, nil
	}
}

// Complete binds a reserved key to the created order.
func (s *IdempotencyStore) Complete(ctx context.Context, accountID, idemKey, orderID string) error {
	if err := s.rdb.Set(ctx, key(accountID, idemKey), orderID, s.ttl).Err(); err != nil {
		return fmt.Errorf("completing idempotency key: %w", err)
	}
	return nil
}

// Release drops a reservation after a failed checkout so the client can
// retry with the same key.
func (s *IdempotencyStore) Release(ctx context.Context, accountID, idemKey string) error {
	if err := s.rdb.Del(ctx, key(accountID, idemKey)).Err(); err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (s *IdempotencyStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
