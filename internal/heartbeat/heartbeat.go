// Package heartbeat implements the per-process liveness engine from
// spec §4.C: a single 1-second tick loop that refreshes tracked keys on
// their own cadence and expires them on graceful shutdown.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamspace/sessiongrid/internal/broker"
	"github.com/streamspace/sessiongrid/internal/logging"
)

const tick = 1 * time.Second

type beat struct {
	key           string
	value         string // fixed value to write each refresh; empty means "write the current timestamp"
	refreshEvery  time.Duration
	expireAfter   time.Duration
	passedSeconds int64
}

// cmd is a pending add/remove/force-refresh operation, applied at the next
// tick boundary per spec §4.C ("Pending add/remove operations are applied
// at tick boundaries").
type cmd struct {
	kind string // "add", "remove", "force"
	b    beat
}

// Engine is one heartbeat engine per process.
type Engine struct {
	b     broker.KV
	log   zerolog.Logger
	cmds  chan cmd
	done  chan struct{}
	beats map[string]*beat
}

// New creates an Engine bound to broker b. Call Run in a goroutine to start
// the tick loop.
func New(b broker.KV) *Engine {
	return &Engine{
		b:     b,
		log:   logging.Component("heartbeat"),
		cmds:  make(chan cmd, 64),
		done:  make(chan struct{}),
		beats: make(map[string]*beat),
	}
}

// AddBeat registers key to be refreshed every refreshEvery with TTL
// expireAfter. Per spec §4.C, expireAfter must exceed refreshEvery —
// otherwise the first refresh could race the expiry.
func (e *Engine) AddBeat(key string, refreshEvery, expireAfter time.Duration) {
	e.cmds <- cmd{kind: "add", b: beat{key: key, refreshEvery: refreshEvery, expireAfter: expireAfter}}
}

// AddBeatValue registers key to be refreshed like AddBeat, but every refresh
// writes value verbatim instead of the current timestamp — used for routing
// entries (spec §4.D), where the written value is an endpoint record a
// watcher must be able to unmarshal, not a liveness timestamp.
func (e *Engine) AddBeatValue(key, value string, refreshEvery, expireAfter time.Duration) {
	e.cmds <- cmd{kind: "add", b: beat{key: key, value: value, refreshEvery: refreshEvery, expireAfter: expireAfter}}
}

// StopBeat unregisters key; it is not actively expired, only no longer
// refreshed (callers that want it to appear dead immediately should expire
// it explicitly with a broker Expire or Del).
func (e *Engine) StopBeat(key string) {
	e.cmds <- cmd{kind: "remove", b: beat{key: key}}
}

// ForceRefresh makes the next tick write every tracked beat, regardless of
// its cadence.
func (e *Engine) ForceRefresh() {
	e.cmds <- cmd{kind: "force"}
}

// Run drives the 1-second tick loop until ctx is cancelled, then expires
// every tracked beat (TTL=1) before returning, per spec §4.C's graceful
// shutdown guarantee.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	defer close(e.done)

	var passedSeconds int64
	var forceNext bool

	for {
		select {
		case <-ctx.Done():
			e.expireAll(context.Background())
			return
		case c := <-e.cmds:
			switch c.kind {
			case "add":
				b := c.b
				e.beats[b.key] = &b
			case "remove":
				delete(e.beats, c.b.key)
			case "force":
				forceNext = true
			}
		case <-ticker.C:
			passedSeconds++
			for _, b := range e.beats {
				if forceNext || passedSeconds%int64(b.refreshEvery/time.Second) == 0 {
					e.refresh(ctx, b)
				}
			}
			forceNext = false
		}
	}
}

func (e *Engine) refresh(ctx context.Context, b *beat) {
	value := b.value
	if value == "" {
		value = time.Now().Format(time.RFC3339)
	}
	if err := e.b.Set(ctx, b.key, value, b.expireAfter); err != nil {
		e.log.Warn().Err(err).Str("key", b.key).Msg("heartbeat refresh failed")
	}
}

func (e *Engine) expireAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, b := range e.beats {
		wg.Add(1)
		go func(b *beat) {
			defer wg.Done()
			if err := e.b.Expire(ctx, b.key, time.Second); err != nil {
				e.log.Warn().Err(err).Str("key", b.key).Msg("heartbeat graceful-expire failed")
			}
		}(b)
	}
	wg.Wait()
}
