// Package broker defines the contract every other component depends on
// (spec §4.A): a mapping store with TTLs and atomic scripts, streams with
// consumer groups, pub/sub, blocking list pop, and key-change notifications.
// This package holds only interfaces; internal/broker/redisbroker provides
// the concrete Redis-shaped implementation.
package broker

import (
	"context"
	"time"
)

// KV is the mapping-store half of the contract: gets/sets with TTL, hash
// operations, list operations, and atomic multi-key scripts.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HSetNX(ctx context.Context, key, field, value string) (bool, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, count int64, value string) error

	// BLPop blocks (up to timeout) for the first available element across
	// keys, returning (key, value). Used by the Session Manager for slot
	// acquisition (spec §4.F step 2).
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) (key, value string, err error)

	// BRPopLPush blocks (up to timeout) popping the tail of src and pushing
	// it to the head of dst, returning the moved value. Used for the
	// self-to-self scheduling marker in spec §4.F step 3.
	BRPopLPush(ctx context.Context, src, dst string, timeout time.Duration) (string, error)

	// Eval runs an atomic Lua script across the given keys, used for the
	// slot-assignment and terminate scripts that must be single-writer
	// (spec §5 "Ordering guarantees").
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// NotificationPublisher is the narrow interface session/provisioner/node
// code uses to emit events (spec §4.A).
type NotificationPublisher interface {
	Publish(ctx context.Context, queue string, payload []byte) error
}

// ConsumedMessage is one at-least-once delivered message from a consumer
// group, carrying the cursor id needed to Ack it.
type ConsumedMessage struct {
	ID      string
	Payload []byte
}

// QueueConsumer is the narrow interface for joining a consumer group with
// at-least-once delivery, pending-entry redelivery, and cursor resume
// (spec §4.A).
type QueueConsumer interface {
	// EnsureGroup creates the consumer group at startPosition if absent.
	// startPosition is "$" (only new messages) or "0" (from the beginning).
	EnsureGroup(ctx context.Context, queue, group, startPosition string) error

	// Consume blocks up to block for new or pending messages addressed to
	// this consumer within group, delivering them to handler. A handler
	// that returns nil acks the message; an error leaves it pending for
	// redelivery on the next EnsureGroup/Consume cycle (at-least-once).
	Consume(ctx context.Context, queue, group, consumer string, block time.Duration, handler func(ConsumedMessage) error) error
}

// Requestor issues a request and collects responses with a split timeout:
// wait up to timeout.First for the first reply, then keep collecting until
// timeout.Quiet elapses with no further reply (spec §4.G step 4, §9).
type Requestor interface {
	Request(ctx context.Context, queue string, payload []byte, limit int, timeout SplitTimeout) ([][]byte, error)
}

// Responder lets a service answer broadcast requests on a queue (used by
// provisioners answering ProvisionerMatch).
type Responder interface {
	Respond(ctx context.Context, queue string, handler func(payload []byte) ([]byte, bool)) (unsubscribe func(), err error)
}

// SplitTimeout is the "first-response-then-quiet-window" pattern from
// spec §9's design note: "a single primitive request(queue, payload, limit?,
// timeout) returning a bounded asynchronous sequence."
type SplitTimeout struct {
	First time.Duration
	Quiet time.Duration
}

// ServiceAdvertiser announces an endpoint for a descriptor (spec §4.B).
type ServiceAdvertiser interface {
	Advertise(ctx context.Context, descriptor string, endpoint Endpoint) error
	Close() error
}

// ServiceDiscoverer resolves a descriptor to an endpoint (spec §4.B).
type ServiceDiscoverer interface {
	Discover(ctx context.Context, descriptor string) (Endpoint, error)
}

// Endpoint is a discoverable (host, port) with an unreachable callback, per
// spec §4.B ("every delivered endpoint carries an unreachable() callback").
type Endpoint struct {
	Host        string
	Port        int
	Unreachable func()
}

// KeyEvent is a keyspace-change notification (spec §4.D): either the key was
// set/refreshed ("set") or its TTL lapsed ("expired").
type KeyEvent struct {
	Key  string
	Type KeyEventType
}

type KeyEventType string

const (
	KeyEventSet     KeyEventType = "set"
	KeyEventExpired KeyEventType = "expired"
)

// KeyWatcher subscribes to keyspace notifications matching patterns
// (spec §4.D). Implementations must fail fast at startup if the broker does
// not have keyspace notifications enabled.
type KeyWatcher interface {
	Watch(ctx context.Context, patterns []string, handler func(KeyEvent)) error
}

// Broker is the full contract a component may depend on; most components
// only need a subset and should accept the narrower interfaces above.
type Broker interface {
	KV
	NotificationPublisher
	QueueConsumer
	Requestor
	Responder
	KeyWatcher
	Close() error
}
