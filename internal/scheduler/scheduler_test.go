package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace/sessiongrid/internal/broker"
	"github.com/streamspace/sessiongrid/internal/events"
	"github.com/streamspace/sessiongrid/internal/webdriver"
)

func TestCollectMetadataReturnsFirstCandidateMetadata(t *testing.T) {
	s := &Service{cfg: Config{RequiredMetadataKeys: []string{"team"}}}
	body := []byte(`{"capabilities":{"alwaysMatch":{"browserName":"chrome","streamspace:metadata":{"team":"infra"}}}}`)

	req, err := webdriver.ParseRequest(body)
	require.NoError(t, err)

	metadata, missing := s.collectMetadata(req)
	assert.Equal(t, "infra", metadata["team"])
	assert.Empty(t, missing)
}

func TestCollectMetadataReportsMissingRequiredKeys(t *testing.T) {
	s := &Service{cfg: Config{RequiredMetadataKeys: []string{"team", "costCenter"}}}
	body := []byte(`{"capabilities":{"alwaysMatch":{"browserName":"chrome"}}}`)

	req, err := webdriver.ParseRequest(body)
	require.NoError(t, err)

	_, missing := s.collectMetadata(req)
	assert.ElementsMatch(t, []string{"team", "costCenter"}, missing)
}

// fakeBroker records Publish calls and returns a configured Request result;
// every other broker.Broker method panics if exercised.
type fakeBroker struct {
	published  []publishedMsg
	responses  [][]byte
	requestErr error
}

type publishedMsg struct {
	queue   string
	payload []byte
}

func (f *fakeBroker) Publish(ctx context.Context, queue string, payload []byte) error {
	f.published = append(f.published, publishedMsg{queue: queue, payload: payload})
	return nil
}

func (f *fakeBroker) Request(ctx context.Context, queue string, payload []byte, limit int, timeout broker.SplitTimeout) ([][]byte, error) {
	return f.responses, f.requestErr
}

func (f *fakeBroker) Get(ctx context.Context, key string) (string, error) { panic("not used") }
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
func (f *fakeBroker) EnsureGroup(ctx context.Context, queue, group, startPosition string) error {
	panic("not used")
}
func (f *fakeBroker) Consume(ctx context.Context, queue, group, consumer string, block time.Duration, handler func(broker.ConsumedMessage) error) error {
	panic("not used")
}
func (f *fakeBroker) Respond(ctx context.Context, queue string, handler func(payload []byte) ([]byte, bool)) (func(), error) {
	panic("not used")
}
func (f *fakeBroker) Watch(ctx context.Context, patterns []string, handler func(broker.KeyEvent)) error {
	panic("not used")
}
func (f *fakeBroker) Close() error { panic("not used") }

func TestHandleTerminatesSoftlyOnMalformedCapabilities(t *testing.T) {
	fb := &fakeBroker{}
	s := New(fb, Config{}, "scheduler-1")

	payload, _ := json.Marshal(events.SessionCreated{ID: "sess-1", Capabilities: []byte("not json")})
	err := s.handle(broker.ConsumedMessage{Payload: payload})
	require.NoError(t, err)

	require.Len(t, fb.published, 1)
	assert.Equal(t, events.QueueSessionTerminated, fb.published[0].queue)

	var terminated events.SessionTerminated
	require.NoError(t, json.Unmarshal(fb.published[0].payload, &terminated))
	assert.Equal(t, "sess-1", terminated.ID)
	assert.Equal(t, events.ReasonStartupFailed, terminated.Reason)
}

func TestHandleSchedulesOnSuccessfulMatch(t *testing.T) {
	matchResp, _ := json.Marshal(events.ProvisionerMatchResponse{ProvisionerID: "prov-1"})
	fb := &fakeBroker{responses: [][]byte{matchResp}}
	s := New(fb, Config{}, "scheduler-1")

	caps := []byte(`{"capabilities":{"alwaysMatch":{"browserName":"chrome"}}}`)
	payload, _ := json.Marshal(events.SessionCreated{ID: "sess-2", Capabilities: caps})
	err := s.handle(broker.ConsumedMessage{Payload: payload})
	require.NoError(t, err)

	var gotAssignment, gotScheduled bool
	for _, m := range fb.published {
		switch m.queue {
		case "provisioning.assigned/prov-1":
			gotAssignment = true
		case events.QueueSessionScheduled:
			gotScheduled = true
			var scheduled events.SessionScheduled
			require.NoError(t, json.Unmarshal(m.payload, &scheduled))
			assert.Equal(t, "prov-1", scheduled.Provisioner)
		}
	}
	assert.True(t, gotAssignment, "expected a provisioning.assigned/prov-1 publish")
	assert.True(t, gotScheduled, "expected a session.scheduled publish")
}

func TestHandleFailsSoftlyWhenNoProvisionerResponds(t *testing.T) {
	fb := &fakeBroker{responses: nil}
	s := New(fb, Config{}, "scheduler-1")

	caps := []byte(`{"capabilities":{"alwaysMatch":{"browserName":"chrome"}}}`)
	payload, _ := json.Marshal(events.SessionCreated{ID: "sess-3", Capabilities: caps})
	err := s.handle(broker.ConsumedMessage{Payload: payload})
	require.NoError(t, err)

	require.Len(t, fb.published, 1)
	assert.Equal(t, events.QueueSessionTerminated, fb.published[0].queue)
}
