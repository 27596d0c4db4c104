// Package ratelimit implements the sliding-window admission control used by the send path.
// A Limiter combines one global window with one window per bucket (feature) and only admits
// a send when both have room, so a rejected attempt never consumes capacity in either.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidConfig is returned when a window is constructed with impossible bounds.
var ErrInvalidConfig = errors.New("ratelimit: invalid configuration")

// DefaultWindow is the trailing window used by Limiter buckets.
const DefaultWindow = time.Minute

// SlidingWindow counts admitted events in a trailing window.
type SlidingWindow struct {
	mu        sync.Mutex
	maxEvents int
	window    time.Duration
	events    []time.Time
	now       func() time.Time
}

// NewSlidingWindow returns a window admitting at most maxEvents per window.
func NewSlidingWindow(maxEvents int, window time.Duration) (*SlidingWindow, error) {
	if maxEvents < 1 {
		return nil, fmt.Errorf("%w: max_events must be >= 1, got %d", ErrInvalidConfig, maxEvents)
	}
	if window < time.Second {
		return nil, fmt.Errorf("%w: window must be >= 1s, got %s", ErrInvalidConfig, window)
	}
	return &SlidingWindow{
		maxEvents: maxEvents,
		window:    window,
		events:    make([]time.Time, 0, maxEvents),
		now:       time.Now,
	}, nil
}

// prune drops events that fell out of the window. Callers hold the lock.
func (w *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

func (w *SlidingWindow) canAllowAt(now time.Time) bool {
	w.prune(now)
	return len(w.events) < w.maxEvents
}

func (w *SlidingWindow) reserveAt(now time.Time) {
	w.events = append(w.events, now)
}

func (w *SlidingWindow) nextAllowedInAt(now time.Time) time.Duration {
	w.prune(now)
	if len(w.events) < w.maxEvents {
		return 0
	}
	// wait until the oldest event leaves the window
	wait := w.events[0].Add(w.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Allow reserves a slot if the window has room.
func (w *SlidingWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if !w.canAllowAt(now) {
		return false
	}
	w.reserveAt(now)
	return true
}

// NextAllowedIn returns how long until Allow would succeed.
func (w *SlidingWindow) NextAllowedIn() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextAllowedInAt(w.now())
}

// Len returns the number of events currently inside the window.
func (w *SlidingWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return len(w.events)
}

// Limiter is the two-tier limiter consulted by the send path. It is safe for concurrent use
// from the event loop and from scheduler goroutines.
type Limiter struct {
	mu        sync.Mutex
	global    *SlidingWindow
	buckets   map[string]*SlidingWindow
	bucketMax int
	window    time.Duration
	now       func() time.Time
}

// New builds a Limiter with per-minute quotas for the global and per-bucket windows.
func New(globalPerMinute, bucketPerMinute int) (*Limiter, error) {
	global, err := NewSlidingWindow(globalPerMinute, DefaultWindow)
	if err != nil {
		return nil, fmt.Errorf("global window: %w", err)
	}
	// validate the bucket bound up front instead of on first use
	if _, err := NewSlidingWindow(bucketPerMinute, DefaultWindow); err != nil {
		return nil, fmt.Errorf("bucket window: %w", err)
	}
	return &Limiter{
		global:    global,
		buckets:   make(map[string]*SlidingWindow),
		bucketMax: bucketPerMinute,
		window:    DefaultWindow,
		now:       time.Now,
	}, nil
}

// bucketFor returns the window for bucket, creating it lazily. Callers hold l.mu.
func (l *Limiter) bucketFor(bucket string) *SlidingWindow {
	w, ok := l.buckets[bucket]
	if !ok {
		w = &SlidingWindow{maxEvents: l.bucketMax, window: l.window, now: l.now}
		l.buckets[bucket] = w
	}
	return w
}

// Allow admits one send for bucket. Both windows are checked before either is touched.
func (l *Limiter) Allow(bucket string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	w := l.bucketFor(bucket)
	if !l.global.canAllowAt(now) || !w.canAllowAt(now) {
		return false
	}
	l.global.reserveAt(now)
	w.reserveAt(now)
	return true
}

// NextAllowedIn returns the wait until Allow(bucket) would succeed.
func (l *Limiter) NextAllowedIn(bucket string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	g := l.global.nextAllowedInAt(now)
	b := l.bucketFor(bucket).nextAllowedInAt(now)
	if b > g {
		return b
	}
	return g
}

// Usage reports the admitted count in the global window and in bucket's window.
func (l *Limiter) Usage(bucket string) (global, perBucket int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.global.prune(now)
	w := l.bucketFor(bucket)
	w.prune(now)
	return len(l.global.events), len(w.events)
}

// KeyedLimiter gives every key its own sliding window with no shared cap, so one noisy key
// never starves the others. Idle keys are dropped by EvictIdle.
type KeyedLimiter struct {
	mu      sync.Mutex
	windows map[string]*SlidingWindow
	max     int
	window  time.Duration
	now     func() time.Time
}

// NewKeyed builds a KeyedLimiter admitting maxEvents per key per window.
func NewKeyed(maxEvents int, window time.Duration) (*KeyedLimiter, error) {
	if _, err := NewSlidingWindow(maxEvents, window); err != nil {
		return nil, err
	}
	return &KeyedLimiter{
		windows: make(map[string]*SlidingWindow),
		max:     maxEvents,
		window:  window,
		now:     time.Now,
	}, nil
}

// Allow reserves a slot in key's window if it has room.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	w, ok := k.windows[key]
	if !ok {
		w = &SlidingWindow{maxEvents: k.max, window: k.window, now: k.now}
		k.windows[key] = w
	}
	if !w.canAllowAt(now) {
		return false
	}
	w.reserveAt(now)
	return true
}

// NextAllowedIn returns the wait until Allow(key) would succeed. Unknown keys wait 0.
func (k *KeyedLimiter) NextAllowedIn(key string) time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	w, ok := k.windows[key]
	if !ok {
		return 0
	}
	return w.nextAllowedInAt(k.now())
}

// EvictIdle drops keys with no event left in their window and returns how many were removed.
func (k *KeyedLimiter) EvictIdle() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	removed := 0
	for key, w := range k.windows {
		w.prune(now)
		if len(w.events) == 0 {
			delete(k.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.windows)
}

// CleanupLoop calls EvictIdle every interval until ctx is done.
func (k *KeyedLimiter) CleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.EvictIdle()
		}
	}
}
