package tsreplay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testClockReference = newClockReference(3271034319, 58)

func TestClockReferenceDuration(t *testing.T) {
	assert.Equal(t, 36344825768814*time.Nanosecond, testClockReference.Duration())
}

func TestClockReferenceTime(t *testing.T) {
	assert.Equal(t, int64(36344), testClockReference.Time().Unix())
}

func TestPCRDeltaNoWrap(t *testing.T) {
	assert.Equal(t, uint64(27000000), pcrDelta(100, 27000100))
}

func TestPCRDeltaWraps(t *testing.T) {
	assert.Equal(t, uint64(200), pcrDelta(pcrModulus-100, 100))
}

func TestBlockTimeMS(t *testing.T) {
	// 100ms of stream time is 100 * 27000 27MHz ticks.
	assert.InDelta(t, 100.0, blockTimeMS(2700000), 0.0001)
}
