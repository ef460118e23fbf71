package natsbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectForPrefixesWithNamespace(t *testing.T) {
	assert.Equal(t, "sessiongrid.queue.foo", subjectFor("queue.foo"))
}

func TestNewWithEmptyURLReturnsDisabledBridge(t *testing.T) {
	br := New(nil, Config{})

	assert.False(t, br.enabled)

	// publish and Close must both no-op safely on a disabled bridge rather
	// than dereferencing the absent NATS connection.
	br.publish("sessiongrid.queue.foo", []byte("payload"))
	br.Close()
}
