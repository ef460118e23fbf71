package gc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace/sessiongrid/internal/broker"
	"github.com/streamspace/sessiongrid/internal/session"
)

// fakeBroker is a minimal in-memory broker.Broker covering only the
// operations the three GC passes actually use.
type fakeBroker struct {
	sets    map[string]map[string]struct{}
	kv      map[string]string
	hashes  map[string]map[string]string
	deleted []string
	evalCalls []evalCall
	evalResult interface{}
}

type evalCall struct {
	script string
	keys   []string
	args   []interface{}
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		sets:   map[string]map[string]struct{}{},
		kv:     map[string]string{},
		hashes: map[string]map[string]string{},
	}
}

func (f *fakeBroker) SMembers(ctx context.Context, key string) ([]string, error) {
	out := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}
func (f *fakeBroker) SAdd(ctx context.Context, key string, members ...string) error {
	if f.sets[key] == nil {
		f.sets[key] = map[string]struct{}{}
	}
	for _, m := range members {
		f.sets[key][m] = struct{}{}
	}
	return nil
}
func (f *fakeBroker) SRem(ctx context.Context, key string, members ...string) error {
	for _, m := range members {
		delete(f.sets[key], m)
	}
	return nil
}
func (f *fakeBroker) SIsMember(ctx context.Context, key, member string) (bool, error) {
	_, ok := f.sets[key][member]
	return ok, nil
}
func (f *fakeBroker) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := f.kv[key]
	return ok, nil
}
func (f *fakeBroker) Get(ctx context.Context, key string) (string, error) { return f.kv[key], nil }
func (f *fakeBroker) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return f.hashes[key], nil
}
func (f *fakeBroker) Del(ctx context.Context, keys ...string) error {
	f.deleted = append(f.deleted, keys...)
	return nil
}
func (f *fakeBroker) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	f.evalCalls = append(f.evalCalls, evalCall{script: script, keys: keys, args: args})
	return f.evalResult, nil
}

func (f *fakeBroker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	panic("not used")
}
func (f *fakeBroker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	panic("not used")
}
func (f *fakeBroker) Expire(ctx context.Context, key string, ttl time.Duration) error {
	panic("not used")
}
func (f *fakeBroker) HGet(ctx context.Context, key, field string) (string, error) {
	panic("not used")
}
func (f *fakeBroker) HSet(ctx context.Context, key string, fields map[string]string) error {
	panic("not used")
}
func (f *fakeBroker) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	panic("not used")
}
func (f *fakeBroker) LPush(ctx context.Context, key string, values ...string) error {
	panic("not used")
}
func (f *fakeBroker) RPush(ctx context.Context, key string, values ...string) error {
	panic("not used")
}
func (f *fakeBroker) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	panic("not used")
}
func (f *fakeBroker) LRem(ctx context.Context, key string, count int64, value string) error {
	panic("not used")
}
func (f *fakeBroker) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	panic("not used")
}
func (f *fakeBroker) BRPopLPush(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	panic("not used")
}
func (f *fakeBroker) Publish(ctx context.Context, queue string, payload []byte) error {
	panic("not used")
}
func (f *fakeBroker) EnsureGroup(ctx context.Context, queue, group, startPosition string) error {
	panic("not used")
}
func (f *fakeBroker) Consume(ctx context.Context, queue, group, consumer string, block time.Duration, handler func(broker.ConsumedMessage) error) error {
	panic("not used")
}
func (f *fakeBroker) Request(ctx context.Context, queue string, payload []byte, limit int, timeout broker.SplitTimeout) ([][]byte, error) {
	panic("not used")
}
func (f *fakeBroker) Respond(ctx context.Context, queue string, handler func(payload []byte) ([]byte, bool)) (func(), error) {
	panic("not used")
}
func (f *fakeBroker) Watch(ctx context.Context, patterns []string, handler func(broker.KeyEvent)) error {
	panic("not used")
}
func (f *fakeBroker) Close() error { panic("not used") }

var _ broker.Broker = (*fakeBroker)(nil)

func TestDeadSessionPassTerminatesSessionWithNoHeartbeats(t *testing.T) {
	fb := newFakeBroker()
	fb.sets[session.ActiveSetKey()] = map[string]struct{}{"sess-1": {}}
	fb.evalResult = int64(1)

	c := New(fb, DefaultConfig())
	c.deadSessionPass(context.Background())

	require.Len(t, fb.evalCalls, 1)
	assert.Equal(t, "sess-1", fb.evalCalls[0].args[0])
	assert.Contains(t, fb.evalCalls[0].keys, session.ActiveSetKey())
	assert.Contains(t, fb.evalCalls[0].keys, session.TerminatedSetKey())
}

func TestDeadSessionPassSkipsSessionWithLiveHeartbeat(t *testing.T) {
	fb := newFakeBroker()
	fb.sets[session.ActiveSetKey()] = map[string]struct{}{"sess-1": {}}
	fb.kv[session.HeartbeatNodeKey("sess-1")] = "2026-01-01T00:00:00Z"

	c := New(fb, DefaultConfig())
	c.deadSessionPass(context.Background())

	assert.Empty(t, fb.evalCalls)
}

func TestOldSessionPurgeDeletesSessionsPastRetention(t *testing.T) {
	fb := newFakeBroker()
	fb.sets[session.TerminatedSetKey()] = map[string]struct{}{"sess-old": {}, "sess-new": {}}
	fb.hashes[session.StatusKey("sess-old")] = map[string]string{
		"terminatedAt": time.Now().Add(-48 * time.Hour).Format(time.RFC3339),
	}
	fb.hashes[session.StatusKey("sess-new")] = map[string]string{
		"terminatedAt": time.Now().Format(time.RFC3339),
	}

	c := New(fb, Config{TerminatedRetain: 24 * time.Hour})
	c.oldSessionPurge(context.Background())

	assert.Contains(t, fb.deleted, session.StatusKey("sess-old"))
	assert.NotContains(t, fb.deleted, session.StatusKey("sess-new"))
	_, stillThere := fb.sets[session.TerminatedSetKey()]["sess-new"]
	assert.True(t, stillThere)
	_, oldStillThere := fb.sets[session.TerminatedSetKey()]["sess-old"]
	assert.False(t, oldStillThere)
}

func TestProvisionerPurgeSkipsRetainedProvisioners(t *testing.T) {
	fb := newFakeBroker()
	fb.sets[session.ProvisionersSetKey()] = map[string]struct{}{"prov-keep": {}, "prov-drop": {}}
	fb.kv[session.ProvisionerRetainKey("prov-keep")] = "1"

	c := New(fb, DefaultConfig())
	c.provisionerPurge(context.Background())

	assert.NotContains(t, fb.deleted, session.ProvisionerPlatformKey("prov-keep"))
	assert.Contains(t, fb.deleted, session.ProvisionerPlatformKey("prov-drop"))
}
