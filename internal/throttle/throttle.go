// Package throttle enforces a minimum spacing between accesses to the same
// host, tracked separately per access level.
package throttle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/chanwatch/internal/clock"
	"github.com/JakeFAU/chanwatch/internal/watch"
)

// DefaultInterval is the floor between two grants for the same (host, level).
const DefaultInterval = time.Second

// Observer receives the time a caller spent waiting for its slot.
type Observer func(host string, level watch.Level, waited time.Duration)

// Option customizes a Throttle.
type Option func(*Throttle)

// WithClock swaps the time source.
func WithClock(c clock.Clock) Option {
	return func(t *Throttle) {
		t.clock = c
	}
}

// WithObserver registers a wait-time observer.
func WithObserver(o Observer) Option {
	return func(t *Throttle) {
		t.observe = o
	}
}

type key struct {
	host  string
	level watch.Level
}

// Throttle hands out serialized access slots per (host, level). Reserving a
// slot is atomic, so concurrent callers for the same key always receive
// distinct slots at least one interval apart.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	limiters map[key]*rate.Limiter
	granted  map[key]time.Time
	clock    clock.Clock
	observe  Observer
}

// New creates a Throttle. A non-positive interval falls back to DefaultInterval.
func New(interval time.Duration, opts ...Option) *Throttle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := &Throttle{
		interval: interval,
		limiters: make(map[key]*rate.Limiter),
		granted:  make(map[key]time.Time),
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Wait blocks until the caller owns the next slot for (host, level) or ctx
// is done. A canceled wait gives its slot back.
func (t *Throttle) Wait(ctx context.Context, host string, level watch.Level) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("throttle wait: %w", err)
	}
	k := key{host: host, level: level}

	t.mu.Lock()
	now := t.clock.Now()
	limiter, ok := t.limiters[k]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(t.interval), 1)
		t.limiters[k] = limiter
	}
	reservation := limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	slot := now.Add(delay)
	if slot.After(t.granted[k]) {
		t.granted[k] = slot
	}
	t.mu.Unlock()

	if !reservation.OK() {
		return fmt.Errorf("throttle wait: reservation refused for %s", host)
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			reservation.CancelAt(t.clock.Now())
			t.mu.Unlock()
			return fmt.Errorf("throttle wait: %w", ctx.Err())
		case <-t.clock.After(delay):
		}
	}
	if t.observe != nil {
		t.observe(host, level, delay)
	}
	return nil
}

// Slot describes the latest grant handed out for a (host, level) pair.
type Slot struct {
	Host      string    `json:"host"`
	Level     string    `json:"level"`
	GrantedAt time.Time `json:"granted_at"`
}

// Snapshot lists the latest grant per (host, level), sorted by host then level.
func (t *Throttle) Snapshot() []Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Slot, 0, len(t.granted))
	keys := make([]key, 0, len(t.granted))
	for k := range t.granted {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].host != keys[j].host {
			return keys[i].host < keys[j].host
		}
		return keys[i].level < keys[j].level
	})
	for _, k := range keys {
		out = append(out, Slot{Host: k.host, Level: k.level.String(), GrantedAt: t.granted[k]})
	}
	return out
}
