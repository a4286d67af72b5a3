package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateWindow counts sends within fixed clock-aligned windows. Allow reserves
// one send slot and reports whether it fit under the limit; a send that is
// deferred must not consume a slot, so callers check Allow before sending
// and treat false as "leave the job pending for a later cycle".
type RateWindow interface {
	// Allow consumes one slot in the current window if fewer than limit
	// slots are taken. It returns the count after the call.
	Allow(ctx context.Context, limit int) (ok bool, count int, err error)

	// Count returns the slots taken in the current window without
	// consuming one.
	Count(ctx context.Context) (int, error)
}

// MemoryWindow is an in-process fixed window. The counter resets when the
// wall clock crosses a window boundary, so a restart or boundary crossing
// opens a fresh allowance.
type MemoryWindow struct {
	mu     sync.Mutex
	size   time.Duration
	bucket int64
	count  int
	now    func() time.Time
}

// NewMemoryWindow creates an in-process window of the given size.
func NewMemoryWindow(size time.Duration) *MemoryWindow {
	return &MemoryWindow{size: size, now: time.Now}
}

func (w *MemoryWindow) currentBucket() int64 {
	return w.now().UnixNano() / int64(w.size)
}

// Allow implements RateWindow.
func (w *MemoryWindow) Allow(_ context.Context, limit int) (bool, int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if b := w.currentBucket(); b != w.bucket {
		w.bucket = b
		w.count = 0
	}
	if w.count >= limit {
		return false, w.count, nil
	}
	w.count++
	return true, w.count, nil
}

// Count implements RateWindow.
func (w *MemoryWindow) Count(_ context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if b := w.currentBucket(); b != w.bucket {
		w.bucket = b
		w.count = 0
	}
	return w.count, nil
}

// NewSharedWindow selects the window implementation from configuration: a
// Redis-backed window when an address is set, so every process spends and
// reports the same budget, and a per-process memory window otherwise. The
// status API must read the same window the senders write to.
func NewSharedWindow(addr, password string, db int, prefix string, size time.Duration) RateWindow {
	if addr == "" {
		return NewMemoryWindow(size)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisWindow(client, prefix, size)
}

// RedisWindow shares a fixed window across worker processes using INCR on a
// bucket-stamped key with a TTL of two window lengths. Use it when more than
// one worker sends from the same pool.
type RedisWindow struct {
	client *redis.Client
	prefix string
	size   time.Duration
	now    func() time.Time
}

// NewRedisWindow creates a shared window of the given size. Keys are
// namespaced by prefix so multiple pools can share one Redis.
func NewRedisWindow(client *redis.Client, prefix string, size time.Duration) *RedisWindow {
	return &RedisWindow{client: client, prefix: prefix, size: size, now: time.Now}
}

func (w *RedisWindow) key() string {
	bucket := w.now().UnixNano() / int64(w.size)
	return fmt.Sprintf("%s:window:%d", w.prefix, bucket)
}

// Allow implements RateWindow.
func (w *RedisWindow) Allow(ctx context.Context, limit int) (bool, int, error) {
	key := w.key()
	count, err := w.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate window incr: %w", err)
	}
	if count == 1 {
		// Expiry only needs to outlive the window itself.
		w.client.Expire(ctx, key, 2*w.size)
	}
	if int(count) > limit {
		// Over the limit; the INCR still happened but the slot is not
		// granted. DECR keeps the count honest for status reporting.
		w.client.Decr(ctx, key)
		return false, limit, nil
	}
	return true, int(count), nil
}

// Count implements RateWindow.
func (w *RedisWindow) Count(ctx context.Context) (int, error) {
	count, err := w.client.Get(ctx, w.key()).Int()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("rate window get: %w", err)
	}
	return count, nil
}
