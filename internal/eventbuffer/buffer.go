// Package eventbuffer holds recent events with strictly monotonic
// microsecond timestamps so a lobby that lost its connection can
// resubscribe with the timestamp of the last event it saw and replay
// what it missed.
package eventbuffer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Subscription errors callers branch on.
var (
	ErrCallbackAlreadySet = errors.New("an update callback is already set")
	ErrTooFarInThePast    = errors.New("subscription start is too far in the past")
)

// Entry is one buffered event.
type Entry[T any] struct {
	Time  int64 // microseconds since the Unix epoch
	Value T
}

// Buffer stores entries in arrival order and delivers them to at most
// one subscriber. Push delivers synchronously, so a slow subscriber
// backpressures producers.
type Buffer[T any] struct {
	mu       sync.Mutex
	maxAge   time.Duration
	entries  []Entry[T]
	lastTime int64
	callback func(Entry[T]) error
	sweep    *rate.Limiter
	now      func() int64 // swapped in tests
}

// New creates a buffer that keeps entries for maxAge. Expired entries
// are swept during pushes, at most once per dropEvery; dropEvery <= 0
// defaults to maxAge/10.
func New[T any](maxAge, dropEvery time.Duration) *Buffer[T] {
	if dropEvery <= 0 {
		dropEvery = maxAge / 10
	}
	return &Buffer[T]{
		maxAge: maxAge,
		sweep:  rate.NewLimiter(rate.Every(dropEvery), 1),
		now:    monotonicClock(),
	}
}

// monotonicClock reconciles the wall clock with the monotonic clock
// once, so later wall-clock steps cannot move timestamps backwards.
func monotonicClock() func() int64 {
	base := time.Now()
	baseMicro := base.UnixMicro()
	return func() int64 {
		return baseMicro + time.Since(base).Microseconds()
	}
}

// Push appends a value with a fresh timestamp and delivers it to the
// subscriber, if any, before returning. Two entries never share a
// timestamp even when the clock stands still.
//
// A subscriber callback must not fail; an error is a bug in the
// subscriber and panics.
func (b *Buffer[T]) Push(v T) Entry[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts := b.now()
	if ts <= b.lastTime {
		ts = b.lastTime + 1
	}
	b.lastTime = ts

	e := Entry[T]{Time: ts, Value: v}
	b.entries = append(b.entries, e)
	b.evictExpired(ts)

	if b.callback != nil {
		if err := b.callback(e); err != nil {
			panic(fmt.Sprintf("eventbuffer: subscriber callback failed: %v", err))
		}
	}
	return e
}

// evictExpired drops entries older than maxAge. Sweeps are paced by the
// limiter so large buffers are not rescanned on every push.
func (b *Buffer[T]) evictExpired(now int64) {
	if !b.sweep.Allow() {
		return
	}
	cutoff := now - b.maxAge.Microseconds()
	i := 0
	for i < len(b.entries) && b.entries[i].Time < cutoff {
		i++
	}
	if i > 0 {
		b.entries = append(b.entries[:0:0], b.entries[i:]...)
	}
}

// Subscribe attaches the single subscriber. Entries newer than since
// replay synchronously, in order, before Subscribe returns; pushes from
// other goroutines queue behind the replay. A since older than maxAge
// fails with ErrTooFarInThePast, a second subscriber with
// ErrCallbackAlreadySet.
func (b *Buffer[T]) Subscribe(since int64, fn func(Entry[T]) error) error {
	if fn == nil {
		return errors.New("nil update callback")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.callback != nil {
		return ErrCallbackAlreadySet
	}
	if since < b.now()-b.maxAge.Microseconds() {
		return ErrTooFarInThePast
	}
	for _, e := range b.entries {
		if e.Time > since {
			if err := fn(e); err != nil {
				panic(fmt.Sprintf("eventbuffer: subscriber callback failed: %v", err))
			}
		}
	}
	b.callback = fn
	return nil
}

// Unsubscribe detaches the subscriber. Safe to call when none is set.
func (b *Buffer[T]) Unsubscribe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callback = nil
}

// Len returns the number of buffered entries.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
