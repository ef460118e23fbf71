package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStampFirstWriteWins(t *testing.T) {
	s := &Session{}
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	assert.True(t, s.Stamp(StateQueued, t0))
	assert.False(t, s.Stamp(StateQueued, t1))

	assert.Equal(t, t0, s.Timestamps[StateQueued])
}

func TestStampAllowsDistinctStates(t *testing.T) {
	s := &Session{}
	now := time.Now()

	assert.True(t, s.Stamp(StateQueued, now))
	assert.True(t, s.Stamp(StateScheduled, now.Add(time.Second)))

	assert.Len(t, s.Timestamps, 2)
}
