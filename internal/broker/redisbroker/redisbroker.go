// Package redisbroker is the concrete broker.Broker implementation backed by
// a Redis-shaped store, using github.com/redis/go-redis/v9 — the client the
// teacher's api and docker-agent modules already depend on. It implements
// the narrow interfaces from internal/broker using KV pairs with TTL,
// Lua EVAL scripts for atomic multi-key ops, Streams for consumer groups,
// pub/sub for notifications and keyspace events, and BLPOP/BRPOPLPUSH for
// blocking queue operations.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rs/zerolog"

	"github.com/streamspace/sessiongrid/internal/broker"
	"github.com/streamspace/sessiongrid/internal/gridcore"
	"github.com/streamspace/sessiongrid/internal/logging"
)

// Broker wraps a *redis.Client and implements broker.Broker.
type Broker struct {
	rdb *redis.Client
	log zerolog.Logger
}

var _ broker.Broker = (*Broker)(nil)

// Config holds connection settings, resolved from flags/env at bootstrap the
// way docker-controller/cmd/main.go resolves its NATS settings.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// New dials Redis and returns a ready Broker.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, gridcore.New(gridcore.KindBrokerError, "failed to connect to broker", err)
	}
	return &Broker{rdb: rdb, log: logging.Component("broker")}, nil
}

func (b *Broker) Close() error { return b.rdb.Close() }

// --- KV ---

func (b *Broker) Get(ctx context.Context, key string) (string, error) {
	v, err := b.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", gridcore.New(gridcore.KindBrokerError, "GET "+key, err)
	}
	return v, nil
}

func (b *Broker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := b.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return gridcore.New(gridcore.KindBrokerError, "SET "+key, err)
	}
	return nil
}

func (b *Broker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, gridcore.New(gridcore.KindBrokerError, "SETNX "+key, err)
	}
	return ok, nil
}

func (b *Broker) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := b.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return gridcore.New(gridcore.KindBrokerError, "EXPIRE "+key, err)
	}
	return nil
}

func (b *Broker) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := b.rdb.Del(ctx, keys...).Err(); err != nil {
		return gridcore.New(gridcore.KindBrokerError, "DEL", err)
	}
	return nil
}

func (b *Broker) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, gridcore.New(gridcore.KindBrokerError, "EXISTS "+key, err)
	}
	return n > 0, nil
}

func (b *Broker) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := b.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", gridcore.New(gridcore.KindBrokerError, "HGET "+key, err)
	}
	return v, nil
}

func (b *Broker) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := b.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, gridcore.New(gridcore.KindBrokerError, "HGETALL "+key, err)
	}
	return m, nil
}

func (b *Broker) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := b.rdb.HSet(ctx, key, args...).Err(); err != nil {
		return gridcore.New(gridcore.KindBrokerError, "HSET "+key, err)
	}
	return nil
}

func (b *Broker) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	ok, err := b.rdb.HSetNX(ctx, key, field, value).Result()
	if err != nil {
		return false, gridcore.New(gridcore.KindBrokerError, "HSETNX "+key, err)
	}
	return ok, nil
}

func (b *Broker) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := b.rdb.SAdd(ctx, key, args...).Err(); err != nil {
		return gridcore.New(gridcore.KindBrokerError, "SADD "+key, err)
	}
	return nil
}

func (b *Broker) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := b.rdb.SRem(ctx, key, args...).Err(); err != nil {
		return gridcore.New(gridcore.KindBrokerError, "SREM "+key, err)
	}
	return nil
}

func (b *Broker) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := b.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, gridcore.New(gridcore.KindBrokerError, "SMEMBERS "+key, err)
	}
	return v, nil
}

func (b *Broker) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := b.rdb.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, gridcore.New(gridcore.KindBrokerError, "SISMEMBER "+key, err)
	}
	return ok, nil
}

func (b *Broker) LPush(ctx context.Context, key string, values ...string) error {
	args := toIface(values)
	if err := b.rdb.LPush(ctx, key, args...).Err(); err != nil {
		return gridcore.New(gridcore.KindBrokerError, "LPUSH "+key, err)
	}
	return nil
}

func (b *Broker) RPush(ctx context.Context, key string, values ...string) error {
	args := toIface(values)
	if err := b.rdb.RPush(ctx, key, args...).Err(); err != nil {
		return gridcore.New(gridcore.KindBrokerError, "RPUSH "+key, err)
	}
	return nil
}

func (b *Broker) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := b.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, gridcore.New(gridcore.KindBrokerError, "LRANGE "+key, err)
	}
	return v, nil
}

func (b *Broker) LRem(ctx context.Context, key string, count int64, value string) error {
	if err := b.rdb.LRem(ctx, key, count, value).Err(); err != nil {
		return gridcore.New(gridcore.KindBrokerError, "LREM "+key, err)
	}
	return nil
}

func (b *Broker) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	res, err := b.rdb.BLPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", gridcore.New(gridcore.KindQueueTimeout, "BLPOP timed out", err)
	}
	if err != nil {
		return "", "", gridcore.New(gridcore.KindBrokerError, "BLPOP", err)
	}
	return res[0], res[1], nil
}

func (b *Broker) BRPopLPush(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	v, err := b.rdb.BRPopLPush(ctx, src, dst, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", gridcore.New(gridcore.KindSchedulingTimeout, "BRPOPLPUSH timed out", err)
	}
	if err != nil {
		return "", gridcore.New(gridcore.KindBrokerError, "BRPOPLPUSH", err)
	}
	return v, nil
}

func (b *Broker) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	v, err := b.rdb.Eval(ctx, script, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, gridcore.New(gridcore.KindBrokerError, "EVAL", err)
	}
	return v, nil
}

func toIface(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// --- NotificationPublisher ---

func (b *Broker) Publish(ctx context.Context, queue string, payload []byte) error {
	// Streams double as our durable at-least-once queue and as the
	// publish side of NotificationPublisher: XADD appends, QueueConsumer
	// reads via a consumer group.
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: queue,
		Values: map[string]interface{}{"payload": payload},
		MaxLen: 100000,
		Approx: true,
	}).Err(); err != nil {
		return gridcore.New(gridcore.KindBrokerError, "XADD "+queue, err)
	}
	return nil
}

// --- QueueConsumer ---

func (b *Broker) EnsureGroup(ctx context.Context, queue, group, startPosition string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, queue, group, startPosition).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return gridcore.New(gridcore.KindBrokerError, "XGROUPCREATE "+queue, err)
	}
	return nil
}

func (b *Broker) Consume(ctx context.Context, queue, group, consumer string, block time.Duration, handler func(broker.ConsumedMessage) error) error {
	// The first read asks for ID "0": up to 10 of this consumer's pending
	// entries, i.e. messages a handler failed on in an earlier Consume call.
	// Every later read asks for ">" (new messages only).
	cursor := "0"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{queue, cursor},
			Count:    10,
			Block:    block,
		}).Result()
		cursor = ">"
		if errors.Is(err, redis.Nil) {
			continue // nothing new within block window
		}
		if err != nil {
			return gridcore.New(gridcore.KindBrokerError, "XREADGROUP "+queue, err)
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				payload, _ := msg.Values["payload"].(string)
				cm := broker.ConsumedMessage{ID: msg.ID, Payload: []byte(payload)}
				if err := handler(cm); err != nil {
					b.log.Warn().Err(err).Str("queue", queue).Str("id", msg.ID).Msg("handler failed, leaving pending for redelivery")
					continue
				}
				if err := b.rdb.XAck(ctx, queue, group, msg.ID).Err(); err != nil {
					b.log.Warn().Err(err).Str("queue", queue).Str("id", msg.ID).Msg("ack failed")
				}
			}
		}
	}
}

// --- Requestor / Responder ---
//
// Request/response rides on core pub/sub: the requestor subscribes to a
// private inbox subject, publishes the request carrying the inbox name, and
// every responder publishes its reply to that inbox. This mirrors spec §9's
// "single primitive request(queue, payload, limit?, timeout)".

func (b *Broker) Request(ctx context.Context, queue string, payload []byte, limit int, timeout broker.SplitTimeout) ([][]byte, error) {
	inbox := fmt.Sprintf("%s.inbox.%d", queue, time.Now().UnixNano())
	sub := b.rdb.Subscribe(ctx, inbox)
	defer sub.Close()

	env := fmt.Sprintf("%s\x00%s", inbox, payload)
	if err := b.rdb.Publish(ctx, queue, env).Err(); err != nil {
		return nil, gridcore.New(gridcore.KindBrokerError, "PUBLISH "+queue, err)
	}

	ch := sub.Channel()
	var replies [][]byte

	firstTimer := time.NewTimer(timeout.First)
	defer firstTimer.Stop()

	// Wait for the first reply (or the hard total timeout).
	select {
	case msg, ok := <-ch:
		if ok {
			replies = append(replies, []byte(msg.Payload))
		}
	case <-firstTimer.C:
		return replies, nil // nobody answered at all
	case <-ctx.Done():
		return replies, ctx.Err()
	}

	// Then keep collecting until a quiet window passes with no new reply.
	quiet := time.NewTimer(timeout.Quiet)
	defer quiet.Stop()
	for {
		if limit > 0 && len(replies) >= limit {
			return replies, nil
		}
		select {
		case msg, ok := <-ch:
			if !ok {
				return replies, nil
			}
			replies = append(replies, []byte(msg.Payload))
			if !quiet.Stop() {
				<-quiet.C
			}
			quiet.Reset(timeout.Quiet)
		case <-quiet.C:
			return replies, nil
		case <-ctx.Done():
			return replies, ctx.Err()
		}
	}
}

func (b *Broker) Respond(ctx context.Context, queue string, handler func(payload []byte) ([]byte, bool)) (func(), error) {
	sub := b.rdb.Subscribe(ctx, queue)
	ch := sub.Channel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				parts := strings.SplitN(msg.Payload, "\x00", 2)
				if len(parts) != 2 {
					continue
				}
				inbox, body := parts[0], parts[1]
				reply, ok := handler([]byte(body))
				if !ok {
					continue
				}
				if err := b.rdb.Publish(ctx, inbox, string(reply)).Err(); err != nil {
					b.log.Warn().Err(err).Str("inbox", inbox).Msg("failed to publish reply")
				}
			}
		}
	}()

	return func() { _ = sub.Close() }, nil
}

// --- KeyWatcher ---

func (b *Broker) Watch(ctx context.Context, patterns []string, handler func(broker.KeyEvent)) error {
	// A real deployment requires `notify-keyspace-events` to include K
	// (keyspace channels), x (expired events) and $ (string set events),
	// e.g. "K$x"; fail fast if the config is missing, per spec §4.D's
	// failure model.
	cfg, err := b.rdb.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		return gridcore.New(gridcore.KindBrokerError, "CONFIG GET notify-keyspace-events", err)
	}
	if v, ok := cfg["notify-keyspace-events"]; !ok || v == "" {
		return gridcore.New(gridcore.KindBrokerError, "keyspace notifications are not enabled on the broker", nil)
	}

	channels := make([]string, len(patterns))
	for i, p := range patterns {
		channels[i] = "__keyspace@*__:" + p
	}
	sub := b.rdb.PSubscribe(ctx, channels...)
	ch := sub.Channel()

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				// A keyspace channel is "__keyspace@<db>__:<key>" and its
				// payload is the event name.
				key := msg.Channel
				if i := strings.Index(key, "__:"); i >= 0 {
					key = key[i+len("__:"):]
				}
				evType := broker.KeyEventSet
				if msg.Payload == "expired" {
					evType = broker.KeyEventExpired
				}
				handler(broker.KeyEvent{Key: key, Type: evType})
			}
		}
	}()
	return nil
}

// TerminateScript is the atomic multi-key script used by the GC and the
// provisioner's reclamation loop (spec §4.K, §4.H): it returns the session's
// slot to reclaimed, moves the session from active to terminated, clears its
// heartbeat keys, and stamps terminatedAt — or is a no-op if the session is
// already terminated (testable property 7: idempotence).
const TerminateScript = `
local sessionID = ARGV[1]
local terminatedAt = ARGV[2]
local activeSet = KEYS[1]
local terminatedSet = KEYS[2]
local statusKey = KEYS[3]
local slotKey = KEYS[4]
local hbManagerKey = KEYS[5]
local hbNodeKey = KEYS[6]
local reclaimedListKey = KEYS[7]

if redis.call("SISMEMBER", terminatedSet, sessionID) == 1 then
  return 0
end

redis.call("SREM", activeSet, sessionID)
redis.call("SADD", terminatedSet, sessionID)
redis.call("HSETNX", statusKey, "terminatedAt", terminatedAt)
redis.call("DEL", hbManagerKey, hbNodeKey)

local slot = redis.call("GET", slotKey)
if slot then
  redis.call("RPUSH", reclaimedListKey, slot)
  redis.call("DEL", slotKey)
end

return 1
`
