package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV implements broker.KV, recording Set/Expire calls. Every method not
// exercised by the heartbeat engine panics if called, so a test fails loudly
// if the engine starts depending on broker surface this fake doesn't cover.
type fakeKV struct {
	mu        sync.Mutex
	sets      map[string]string
	setCounts map[string]int
	expired   map[string]bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{sets: map[string]string{}, setCounts: map[string]int{}, expired: map[string]bool{}}
}

func (f *fakeKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[key] = value
	f.setCounts[key]++
	return nil
}

func (f *fakeKV) countOf(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setCounts[key]
}

func (f *fakeKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired[key] = true
	return nil
}

func (f *fakeKV) valueOf(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.sets[key]
	return v, ok
}

func (f *fakeKV) wasExpired(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expired[key]
}

func (f *fakeKV) Get(ctx context.Context, key string) (string, error) { panic("not used") }
func (f *fakeKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	panic("not used")
}
func (f *fakeKV) Del(ctx context.Context, keys ...string) error          { panic("not used") }
func (f *fakeKV) Exists(ctx context.Context, key string) (bool, error)   { panic("not used") }
func (f *fakeKV) HGet(ctx context.Context, key, field string) (string, error) {
	panic("not used")
}
func (f *fakeKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	panic("not used")
}
func (f *fakeKV) HSet(ctx context.Context, key string, fields map[string]string) error {
	panic("not used")
}
func (f *fakeKV) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	panic("not used")
}
func (f *fakeKV) SAdd(ctx context.Context, key string, members ...string) error { panic("not used") }
func (f *fakeKV) SRem(ctx context.Context, key string, members ...string) error { panic("not used") }
func (f *fakeKV) SMembers(ctx context.Context, key string) ([]string, error)    { panic("not used") }
func (f *fakeKV) SIsMember(ctx context.Context, key, member string) (bool, error) {
	panic("not used")
}
func (f *fakeKV) LPush(ctx context.Context, key string, values ...string) error { panic("not used") }
func (f *fakeKV) RPush(ctx context.Context, key string, values ...string) error { panic("not used") }
func (f *fakeKV) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	panic("not used")
}
func (f *fakeKV) LRem(ctx context.Context, key string, count int64, value string) error {
	panic("not used")
}
func (f *fakeKV) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	panic("not used")
}
func (f *fakeKV) BRPopLPush(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	panic("not used")
}
func (f *fakeKV) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	panic("not used")
}

func TestAddBeatWritesTimestampEachRefresh(t *testing.T) {
	kv := newFakeKV()
	e := New(kv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	e.AddBeat("session:abc:heartbeat.node", time.Second, 3*time.Second)
	e.ForceRefresh()

	require.Eventually(t, func() bool {
		_, ok := kv.valueOf("session:abc:heartbeat.node")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	v, _ := kv.valueOf("session:abc:heartbeat.node")
	_, err := time.Parse(time.RFC3339, v)
	assert.NoError(t, err)

	cancel()
	<-done
	assert.True(t, kv.wasExpired("session:abc:heartbeat.node"))
}

func TestAddBeatValueWritesFixedValueVerbatim(t *testing.T) {
	kv := newFakeKV()
	e := New(kv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	e.AddBeatValue("routing:manager:mgr-1", `{"host":"manager","port":8080}`, time.Second, 3*time.Second)
	e.ForceRefresh()

	require.Eventually(t, func() bool {
		v, ok := kv.valueOf("routing:manager:mgr-1")
		return ok && v == `{"host":"manager","port":8080}`
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestStopBeatPreventsFurtherRefresh(t *testing.T) {
	kv := newFakeKV()
	e := New(kv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	e.AddBeat("session:xyz:heartbeat.node", time.Second, 3*time.Second)
	e.ForceRefresh()
	require.Eventually(t, func() bool {
		_, ok := kv.valueOf("session:xyz:heartbeat.node")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	countAfterFirstRefresh := kv.countOf("session:xyz:heartbeat.node")

	e.StopBeat("session:xyz:heartbeat.node")
	e.ForceRefresh()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, countAfterFirstRefresh, kv.countOf("session:xyz:heartbeat.node"))
}
