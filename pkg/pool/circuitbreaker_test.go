package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreakerOpensAboveThreshold(t *testing.T) {

	cb := NewCircuitBreaker("db1:5432", 10, 0)
	assert.Equal(t, BreakerClosed, cb.State())

	for errorCount := uint64(1); errorCount <= 10; errorCount++ {
		assert.False(t, cb.RecordFailure(errorCount, testEpoch))
	}
	assert.False(t, cb.IsOpen())

	assert.True(t, cb.RecordFailure(11, testEpoch))
	assert.True(t, cb.IsOpen())
	assert.Equal(t, BreakerOpen, cb.State())

	assert.False(t, cb.RecordFailure(12, testEpoch), "only the opening call reports a transition")
}

func TestCircuitBreakerClose(t *testing.T) {

	cb := NewCircuitBreaker("db1:5432", 0, 0)
	assert.False(t, cb.Close())

	cb.RecordFailure(1, testEpoch)
	assert.True(t, cb.Close())
	assert.False(t, cb.Close())
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreakerCooldown(t *testing.T) {

	cb := NewCircuitBreaker("db1:5432", 0, 30*time.Second)
	assert.True(t, cb.ReadyForProbe(testEpoch))

	cb.RecordFailure(1, testEpoch)
	assert.False(t, cb.ReadyForProbe(testEpoch.Add(10*time.Second)))
	assert.True(t, cb.ReadyForProbe(testEpoch.Add(30*time.Second)))

	noCooldown := NewCircuitBreaker("db2:5432", 0, 0)
	noCooldown.RecordFailure(1, testEpoch)
	assert.True(t, noCooldown.ReadyForProbe(testEpoch))
}
