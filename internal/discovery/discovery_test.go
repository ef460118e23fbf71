package discovery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace/sessiongrid/internal/broker"
	"github.com/streamspace/sessiongrid/internal/heartbeat"
)

func TestDescriptorString(t *testing.T) {
	assert.Equal(t, "manager", Descriptor{Kind: "manager"}.String())
	assert.Equal(t, "session:abc-123", Descriptor{Kind: "session", ID: "abc-123"}.String())
}

func newTestDiscoverer(t *testing.T) *Discoverer {
	cache, err := lru.New[string, *cacheEntry](discoveryCacheSize)
	require.NoError(t, err)
	return &Discoverer{cache: cache}
}

func TestStoreDedupesIdenticalAnnouncements(t *testing.T) {
	d := newTestDiscoverer(t)

	ann := announcement{Descriptor: "manager", Host: "mgr-1", Port: 8080}
	d.store(ann)
	d.store(ann)

	entry, ok := d.cache.Get("manager")
	require.True(t, ok)
	assert.Len(t, entry.endpoints, 1)
}

func TestStoreKeepsDistinctEndpointsForSameDescriptor(t *testing.T) {
	d := newTestDiscoverer(t)

	d.store(announcement{Descriptor: "manager", Host: "mgr-1", Port: 8080})
	d.store(announcement{Descriptor: "manager", Host: "mgr-2", Port: 8080})

	entry, ok := d.cache.Get("manager")
	require.True(t, ok)
	assert.Len(t, entry.endpoints, 2)
}

func TestDiscoverReturnsFromPassiveCacheWithoutQuerying(t *testing.T) {
	d := newTestDiscoverer(t)
	d.store(announcement{Descriptor: "storage", Host: "store-1", Port: 9000})

	ep, err := d.Discover(context.Background(), Descriptor{Kind: "storage"})
	require.NoError(t, err)
	assert.Equal(t, "store-1", ep.Host)
	assert.Equal(t, 9000, ep.Port)
}

func TestUnreachableRemovesEndpointFromCache(t *testing.T) {
	d := newTestDiscoverer(t)
	d.store(announcement{Descriptor: "storage", Host: "store-1", Port: 9000})

	ep, err := d.Discover(context.Background(), Descriptor{Kind: "storage"})
	require.NoError(t, err)

	ep.Unreachable()

	entry, ok := d.cache.Get("storage")
	require.True(t, ok)
	assert.Empty(t, entry.endpoints)
}

// fakeKV is a minimal broker.KV backing AdvertiseRouted's heartbeat engine.
type fakeKV struct{ values map[string]string }

func (f *fakeKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.values[key] = value
	return nil
}
func (f *fakeKV) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }
func (f *fakeKV) Get(ctx context.Context, key string) (string, error)             { return f.values[key], nil }
func (f *fakeKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeKV) Del(ctx context.Context, keys ...string) error        { return nil }
func (f *fakeKV) Exists(ctx context.Context, key string) (bool, error) { return false, nil }
func (f *fakeKV) HGet(ctx context.Context, key, field string) (string, error) {
	return "", nil
}
func (f *fakeKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return nil, nil
}
func (f *fakeKV) HSet(ctx context.Context, key string, fields map[string]string) error { return nil }
func (f *fakeKV) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	return true, nil
}
func (f *fakeKV) SAdd(ctx context.Context, key string, members ...string) error { return nil }
func (f *fakeKV) SRem(ctx context.Context, key string, members ...string) error { return nil }
func (f *fakeKV) SMembers(ctx context.Context, key string) ([]string, error)    { return nil, nil }
func (f *fakeKV) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return false, nil
}
func (f *fakeKV) LPush(ctx context.Context, key string, values ...string) error { return nil }
func (f *fakeKV) RPush(ctx context.Context, key string, values ...string) error { return nil }
func (f *fakeKV) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return nil, nil
}
func (f *fakeKV) LRem(ctx context.Context, key string, count int64, value string) error {
	return nil
}
func (f *fakeKV) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	return "", "", nil
}
func (f *fakeKV) BRPopLPush(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	return "", nil
}
func (f *fakeKV) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return nil, nil
}

func TestAdvertiseRoutedWritesEndpointJSON(t *testing.T) {
	kv := &fakeKV{values: map[string]string{}}
	hb := heartbeat.New(kv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hb.Run(ctx)

	AdvertiseRouted(hb, "manager", "mgr-1", "manager-host", 8080, time.Second, 3*time.Second)
	hb.ForceRefresh()

	require.Eventually(t, func() bool {
		_, ok := kv.values["discovery:manager:mgr-1"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	var ann announcement
	require.NoError(t, json.Unmarshal([]byte(kv.values["discovery:manager:mgr-1"]), &ann))
	assert.Equal(t, "manager-host", ann.Host)
	assert.Equal(t, 8080, ann.Port)
}

var _ broker.KV = (*fakeKV)(nil)
