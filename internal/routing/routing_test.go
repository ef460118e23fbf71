package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/streamspace/sessiongrid/internal/broker"
	"github.com/streamspace/sessiongrid/internal/session"
)

// fakeBroker implements broker.Broker with only Get backed by an in-memory
// map; every other method panics if called, since the table tests below
// drive handle()/Pick() directly rather than through Start/Watch.
type fakeBroker struct {
	values map[string]string
}

func (f *fakeBroker) Get(ctx context.Context, key string) (string, error) { return f.values[key], nil }

func (f *fakeBroker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	panic("not used")
}
func (f *fakeBroker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	panic("not used")
}
func (f *fakeBroker) Expire(ctx context.Context, key string, ttl time.Duration) error {
	panic("not used")
}
func (f *fakeBroker) Del(ctx context.Context, keys ...string) error        { panic("not used") }
func (f *fakeBroker) Exists(ctx context.Context, key string) (bool, error) { panic("not used") }
func (f *fakeBroker) HGet(ctx context.Context, key, field string) (string, error) {
	panic("not used")
}
func (f *fakeBroker) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	panic("not used")
}
func (f *fakeBroker) HSet(ctx context.Context, key string, fields map[string]string) error {
	panic("not used")
}
func (f *fakeBroker) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	panic("not used")
}
func (f *fakeBroker) SAdd(ctx context.Context, key string, members ...string) error {
	panic("not used")
}
func (f *fakeBroker) SRem(ctx context.Context, key string, members ...string) error {
	panic("not used")
}
func (f *fakeBroker) SMembers(ctx context.Context, key string) ([]string, error) {
	panic("not used")
}
func (f *fakeBroker) SIsMember(ctx context.Context, key, member string) (bool, error) {
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
func (f *fakeBroker) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
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

func TestRoleForKey(t *testing.T) {
	tests := []struct {
		key      string
		wantRole Role
		wantOK   bool
	}{
		{"session:abc-123:heartbeat.node", RoleNode, true},
		{"discovery:manager:mgr-1", RoleManager, true},
		{"discovery:storage:store-1", RoleStorage, true},
		{"discovery:api:api-1", RoleAPI, true},
		{"session:abc:status", "", false},
		{"garbage", "", false},
	}
	for _, tt := range tests {
		role, ok := roleForKey(tt.key)
		assert.Equal(t, tt.wantOK, ok, tt.key)
		assert.Equal(t, tt.wantRole, role, tt.key)
	}
}

func TestHandleNodeKeyResolvesViaUpstreamKey(t *testing.T) {
	fb := &fakeBroker{values: map[string]string{
		session.UpstreamKey("abc-123"): `{"host":"node-7","port":4444}`,
	}}
	table := New(fb)

	table.handle(context.Background(), broker.KeyEvent{
		Key:  "session:abc-123:heartbeat.node",
		Type: broker.KeyEventSet,
	})

	ep, ok := table.Pick(RoleNode, "abc-123")
	assert.True(t, ok)
	assert.Equal(t, "node-7", ep.Host)
	assert.Equal(t, 4444, ep.Port)
}

func TestHandleAdvertisementKeyResolvesViaOwnValue(t *testing.T) {
	fb := &fakeBroker{values: map[string]string{
		"discovery:manager:mgr-1": `{"host":"manager","port":8080}`,
	}}
	table := New(fb)

	table.handle(context.Background(), broker.KeyEvent{
		Key:  "discovery:manager:mgr-1",
		Type: broker.KeyEventSet,
	})

	ep, ok := table.Pick(RoleManager, "")
	assert.True(t, ok)
	assert.Equal(t, "manager", ep.Host)
	assert.Equal(t, 8080, ep.Port)
}

func TestHandleExpiredRemovesEntry(t *testing.T) {
	fb := &fakeBroker{values: map[string]string{
		"discovery:api:api-1": `{"host":"api","port":9000}`,
	}}
	table := New(fb)

	table.handle(context.Background(), broker.KeyEvent{Key: "discovery:api:api-1", Type: broker.KeyEventSet})
	_, ok := table.Pick(RoleAPI, "")
	assert.True(t, ok)

	table.handle(context.Background(), broker.KeyEvent{Key: "discovery:api:api-1", Type: broker.KeyEventExpired})
	_, ok = table.Pick(RoleAPI, "")
	assert.False(t, ok)
}

func TestPickNodeMissesWhenNoEntry(t *testing.T) {
	table := New(&fakeBroker{values: map[string]string{}})
	_, ok := table.Pick(RoleNode, "nonexistent")
	assert.False(t, ok)
}

func TestStringSummarizesCounts(t *testing.T) {
	table := New(&fakeBroker{values: map[string]string{
		"discovery:manager:mgr-1": `{"host":"manager","port":8080}`,
	}})
	table.handle(context.Background(), broker.KeyEvent{Key: "discovery:manager:mgr-1", Type: broker.KeyEventSet})

	assert.Equal(t, "manager=1 api=0 storage=0 node=0", table.String())
}
