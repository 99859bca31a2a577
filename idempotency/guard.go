package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/justapithecus/bale/log"
)

// Result is the tri-state outcome of a claim attempt. Duplicates are an
// expected outcome, not an error, so callers branch rather than catch.
type Result int

const (
	// ResultNew means this invocation won the claim; the record is a survivor.
	ResultNew Result = iota
	// ResultDuplicate means the key was already claimed within the TTL window.
	ResultDuplicate
)

// ErrConditionFailed is returned by Store implementations when the
// conditional write lost to an existing claim.
var ErrConditionFailed = errors.New("conditional check failed")

// TransientStoreError wraps any store failure other than a lost condition.
// It is retryable: the envelope goes back to the queue.
type TransientStoreError struct {
	// Op is the store operation that failed.
	Op string
	// Err is the underlying error.
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient idempotency store error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// Store abstracts the conditional key-value write.
// Implementations must be safe for concurrent use.
type Store interface {
	// ConditionalPut writes the claim record iff the partition key does not
	// already exist. Returns ErrConditionFailed when it does; any other
	// error is treated as transient.
	ConditionalPut(ctx context.Context, partitionKey, originalKey string, expiresAt time.Time) error
}

// Guard claims idempotency keys against a Store.
type Guard struct {
	store  Store
	logger *log.Logger
	ttl    time.Duration
	shard  bool
	now    func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithoutShardPrefix disables the hash-shard prefix on stored partition keys.
// The prefix is on by default to spread hot-key writes.
func WithoutShardPrefix() Option {
	return func(g *Guard) { g.shard = false }
}

// WithClock overrides the wall clock used to compute claim expiry (tests).
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a Guard with the given claim TTL.
func NewGuard(store Store, ttl time.Duration, logger *log.Logger, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		logger: logger,
		ttl:    ttl,
		shard:  true,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Claim attempts to claim the idempotency key. The stored partition value
// may carry a shard prefix; the logical key is unchanged either way.
func (g *Guard) Claim(ctx context.Context, key, originalKey string) (Result, error) {
	partition := key
	if g.shard {
		partition = ShardPrefix(key) + "#" + key
	}

	expiresAt := g.now().UTC().Add(g.ttl)

	err := g.store.ConditionalPut(ctx, partition, originalKey, expiresAt)
	switch {
	case err == nil:
		g.logger.Debug("claimed new object key", map[string]any{
			"partition_key": partition,
		})
		return ResultNew, nil
	case errors.Is(err, ErrConditionFailed):
		g.logger.Debug("duplicate object key", map[string]any{
			"partition_key": partition,
		})
		return ResultDuplicate, nil
	default:
		return 0, &TransientStoreError{Op: "conditional_put", Err: err}
	}
}
