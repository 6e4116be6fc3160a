// Package rendezvous lets one goroutine park until a named result is
// delivered by another, typically from an unrelated HTTP request.
//
// Results are keyed by conversation and task name. A result delivered before
// anybody waits for it is buffered for a bounded time so that a slightly
// early delivery is not lost.
package rendezvous

import (
	"context"
	"errors"
	"hash/maphash"
	"strconv"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	DefaultBufferTTL     = 10 * time.Minute
	DefaultSweepInterval = time.Minute

	defaultShards = 32
)

var (
	ErrTimeout   = errors.New("timed out waiting for result")
	ErrCancelled = errors.New("wait cancelled")
	ErrConflict  = errors.New("a result is already being awaited for this key")
)

// Key identifies a pending result.
type Key struct {
	ChatID string
	Task   string
}

func (k Key) String() string {
	return k.ChatID + ":" + k.Task
}

// id encodes k unambiguously: the chat id is length-prefixed so that no chat
// id or task containing the separator can alias another key.
func (k Key) id() string {
	return strconv.Itoa(len(k.ChatID)) + ":" + k.ChatID + ":" + k.Task
}

// Result is the payload posted by the UI, e.g. {"confirm": "true", "content": "..."}.
type Result map[string]string

// Confirmed reports whether the user approved the request.
func (r Result) Confirmed() bool {
	return r["confirm"] == "true"
}

type outcome struct {
	value Result
	err   error
}

type waiter struct {
	// Buffered so that a delivery never blocks while holding the shard lock.
	ch chan outcome
}

type shard struct {
	mu      sync.Mutex
	waiters map[Key]*waiter
}

// Registry is safe for concurrent use. Create one per process and share it,
// and Close it when done to stop the sweep of expired buffered results.
type Registry struct {
	seed          maphash.Seed
	shards        []*shard
	buffer        *cache.Cache
	bufferTTL     time.Duration
	sweepInterval time.Duration

	stop      chan struct{}
	swept     chan struct{}
	closeOnce sync.Once
}

type Option func(*Registry)

// WithBufferTTL sets how long an undelivered result is kept.
func WithBufferTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		r.bufferTTL = ttl
	}
}

// WithSweepInterval sets how often expired buffered results are evicted.
func WithSweepInterval(interval time.Duration) Option {
	return func(r *Registry) {
		r.sweepInterval = interval
	}
}

func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = make([]*shard, n)
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		seed:          maphash.MakeSeed(),
		shards:        make([]*shard, defaultShards),
		bufferTTL:     DefaultBufferTTL,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(r)
	}

	for i := range r.shards {
		r.shards[i] = &shard{waiters: make(map[Key]*waiter)}
	}
	// Expired results are evicted by sweep, which Close stops.
	r.buffer = cache.New(r.bufferTTL, 0)
	r.stop = make(chan struct{})
	r.swept = make(chan struct{})
	if r.sweepInterval > 0 {
		go r.sweep()
	} else {
		close(r.swept)
	}

	return r
}

func (r *Registry) sweep() {
	defer close(r.swept)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.buffer.DeleteExpired()
		case <-r.stop:
			return
		}
	}
}

// Close stops the sweep and returns once it has exited. Waiters and buffered
// results are left as they are. Close is safe to call more than once.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.stop)
	})
	<-r.swept
}

func (r *Registry) shardFor(key Key) *shard {
	return r.shards[maphash.String(r.seed, key.id())%uint64(len(r.shards))]
}

// Wait blocks until a result is delivered for key, the timeout elapses
// (ErrTimeout), the wait is cancelled (ErrCancelled) or ctx is done.
// Only one waiter per key is allowed; a second one gets ErrConflict.
func (r *Registry) Wait(ctx context.Context, key Key, timeout time.Duration) (Result, error) {
	s := r.shardFor(key)

	s.mu.Lock()
	if v, ok := r.buffer.Get(key.id()); ok {
		r.buffer.Delete(key.id())
		s.mu.Unlock()
		slog.Debug("Result was delivered before wait", "key", key.String())
		return v.(Result), nil
	}
	if _, exists := s.waiters[key]; exists {
		s.mu.Unlock()
		slog.Warn("Rejecting concurrent wait", "key", key.String())
		return nil, ErrConflict
	}
	w := &waiter{ch: make(chan outcome, 1)}
	s.waiters[key] = w
	s.mu.Unlock()

	slog.Debug("Waiting for result", "key", key.String(), "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-w.ch:
		return o.value, o.err
	case <-timer.C:
		return r.abandon(s, key, w, ErrTimeout)
	case <-ctx.Done():
		return r.abandon(s, key, w, ctx.Err())
	}
}

// abandon unregisters w. If a delivery got there first, its outcome wins.
func (r *Registry) abandon(s *shard, key Key, w *waiter, err error) (Result, error) {
	s.mu.Lock()
	if s.waiters[key] == w {
		delete(s.waiters, key)
		s.mu.Unlock()
		slog.Debug("Stopped waiting for result", "key", key.String(), "reason", err)
		return nil, err
	}
	s.mu.Unlock()

	o := <-w.ch
	return o.value, o.err
}

// Deliver hands value to the waiter for key, or buffers it when nobody waits yet.
func (r *Registry) Deliver(key Key, value Result) {
	s := r.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.waiters[key]; ok {
		delete(s.waiters, key)
		w.ch <- outcome{value: value}
		slog.Debug("Delivered result to waiter", "key", key.String())
		return
	}

	r.buffer.Set(key.id(), value, cache.DefaultExpiration)
	slog.Debug("Buffered result with no waiter", "key", key.String(), "ttl", r.bufferTTL)
}

// Cancel rejects the waiter for key with ErrCancelled and drops any buffered result.
func (r *Registry) Cancel(key Key) {
	s := r.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	r.buffer.Delete(key.id())
	if w, ok := s.waiters[key]; ok {
		delete(s.waiters, key)
		w.ch <- outcome{err: ErrCancelled}
		slog.Debug("Cancelled waiter", "key", key.String())
	}
}

// Pending returns the number of registered waiters.
func (r *Registry) Pending() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.waiters)
		s.mu.Unlock()
	}
	return n
}

// Buffered returns the number of delivered results nobody has waited for yet.
func (r *Registry) Buffered() int {
	return r.buffer.ItemCount()
}
