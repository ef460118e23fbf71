package node

import (
	"sync"
	"time"
)

// Heart implements the two-timeout lifetime from spec §4.I: an initial,
// short timeout applies until the first client request arrives; every
// request after that resets the timer to the idle timeout. External
// SIGTERM/SIGINT or an explicit Kill both trigger death immediately.
type Heart struct {
	mu       sync.Mutex
	timer    *time.Timer
	idle     time.Duration
	beatOnce bool
	died     chan DeathReason
	once     sync.Once
}

// DeathReason is why the heart stopped, mapped to a TerminationReason by
// the shutdown sequence (spec §4.I).
type DeathReason string

const (
	DeathLifetimeExceeded DeathReason = "LifetimeExceeded"
	DeathKilled           DeathReason = "Killed"
	DeathTerminated       DeathReason = "Terminated"
)

// NewHeart starts the heart with initial as its first deadline; beats
// received before the first Beat call do not reset it past initial.
func NewHeart(initial, idle time.Duration) *Heart {
	h := &Heart{idle: idle, died: make(chan DeathReason, 1)}
	h.timer = time.AfterFunc(initial, func() { h.die(DeathLifetimeExceeded) })
	return h
}

// Beat resets the lifetime to the idle timeout; called on every request the
// node's proxy server handles.
func (h *Heart) Beat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beatOnce = true
	h.timer.Reset(h.idle)
}

// Kill stops the heart immediately with an explicit reason (client DELETE of
// the session or its last window, or an external signal).
func (h *Heart) Kill(reason DeathReason) {
	h.die(reason)
}

func (h *Heart) die(reason DeathReason) {
	h.once.Do(func() {
		h.mu.Lock()
		h.timer.Stop()
		h.mu.Unlock()
		h.died <- reason
		close(h.died)
	})
}

// Died returns a channel that receives exactly once, when the heart stops.
func (h *Heart) Died() <-chan DeathReason { return h.died }
