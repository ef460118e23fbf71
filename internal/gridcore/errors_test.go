package gridcore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogCode(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindQueueTimeout, "QTIMEOUT"},
		{KindSchedulingTimeout, "OTIMEOUT"},
		{KindHealthCheckTimeout, "NTIMEOUT"},
		{KindNoProvisionerAvailable, "QUNAVAILABLE"},
		{KindResourceUnavailable, "QUNAVAILABLE"},
		{KindInvalidCapabilities, "INVALIDCAP"},
		{KindMissingMetadata, "INVALIDCAP"},
		{KindParseError, "INVALIDCAP"},
		{KindBrokerError, "FAILURE"},
		{KindIoError, "FAILURE"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LogCode(tt.kind), tt.kind)
	}
}

func TestKindOfDefaultsToIoError(t *testing.T) {
	assert.Equal(t, KindIoError, KindOf(errors.New("unclassified")))
}

func TestKindOfExtractsWrappedKind(t *testing.T) {
	err := New(KindQueueTimeout, "no slot available", errors.New("blpop timeout"))
	assert.Equal(t, KindQueueTimeout, KindOf(err))
}

func TestGridErrorIsMatchesByKindNotIdentity(t *testing.T) {
	a := New(KindQueueTimeout, "a", nil)
	b := New(KindQueueTimeout, "b", nil)
	assert.True(t, errors.Is(a, b))

	c := New(KindSchedulingTimeout, "c", nil)
	assert.False(t, errors.Is(a, c))
}

func TestIsStartupFailure(t *testing.T) {
	assert.True(t, IsStartupFailure(KindQueueTimeout))
	assert.True(t, IsStartupFailure(KindProvisioningFailed))
	assert.False(t, IsStartupFailure(KindBrokerError))
	assert.False(t, IsStartupFailure(KindIoError))
}
