package tsreplay

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainQueue(ctx context.Context, q *HandoffQueue) ([][]byte, error) {
	var got [][]byte
	buf := make([]byte, TSPacketSize)
	for {
		if err := q.Pop(ctx, buf); err != nil {
			return got, err
		}
		cp := make([]byte, TSPacketSize)
		copy(cp, buf)
		got = append(got, cp)
	}
}

func TestEngineEmitsBlocksThenEOF(t *testing.T) {
	p0, p1, p2 := uint64(0), uint64(2700), uint64(5400)
	data := append(tsPacket(&p0, false), tsPacket(&p1, false)...)
	data = append(data, tsPacket(&p2, false)...)
	data = append(data, tsPacket(nil, false)...)
	path := writeTempFile(t, "replay.ts", data)

	e, err := New(Options{Filename: path})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	got, popErr := drainQueue(ctx, e.Queue())
	assert.ErrorIs(t, popErr, io.EOF)
	require.NoError(t, <-done)

	// Only the first two packets ever complete a block; the final PCR
	// packet's own block never finds an end before the file runs out.
	require.Len(t, got, 2)
	assert.Equal(t, data[0:TSPacketSize], got[0])
	assert.Equal(t, data[TSPacketSize:2*TSPacketSize], got[1])
}

func TestEngineNoPCRStartupFailsCleanly(t *testing.T) {
	data := append(tsPacket(nil, false), tsPacket(nil, false)...)
	data = append(data, tsPacket(nil, false)...)
	path := writeTempFile(t, "nopcr.ts", data)

	e, err := New(Options{Filename: path})
	require.NoError(t, err)

	err = e.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoPCR)
	assert.Equal(t, 0, e.Queue().Len())
}

func TestEngineBadFormatStartupFailsCleanly(t *testing.T) {
	path := writeTempFile(t, "garbage.bin", make([]byte, 4096))
	e, err := New(Options{Filename: path})
	require.NoError(t, err)

	err = e.Run(context.Background())
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestEngineStopPushesEOFInsteadOfHangingConsumer(t *testing.T) {
	p0, p1, p2 := uint64(0), uint64(2700), uint64(5400)
	data := append(tsPacket(&p0, false), tsPacket(&p1, false)...)
	data = append(data, tsPacket(&p2, false)...)
	path := writeTempFile(t, "replay.ts", data)

	e, err := New(Options{Filename: path, Pause: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// Give Run a moment to reach the pause busy-wait, then stop it there.
	time.Sleep(20 * time.Millisecond)
	e.Stop()

	buf := make([]byte, TSPacketSize)
	popErr := e.Queue().Pop(ctx, buf)
	assert.ErrorIs(t, popErr, io.EOF)
	require.NoError(t, <-done)
}

// TestEngineSuspendsWallClockDuringPauseWithinABlock reproduces the S3
// scenario: a pause that starts and ends in the middle of a block's inner
// loop. The pause's real wall-clock duration must not be charged against
// the drift accumulator twice, or an otherwise perfectly-paced block looks
// like it drifted by roughly -2x the pause length and trips a spurious
// drift-reset warning.
func TestEngineSuspendsWallClockDuringPauseWithinABlock(t *testing.T) {
	p0 := uint64(0)
	p1 := uint64(50 * 27000) // exactly 50ms of block time
	data := append(tsPacket(&p0, false), tsPacket(nil, false)...)
	data = append(data, tsPacket(nil, false)...)
	data = append(data, tsPacket(nil, false)...)
	data = append(data, tsPacket(nil, false)...)
	data = append(data, tsPacket(&p1, false)...)
	path := writeTempFile(t, "pause-mid-block.ts", data)

	metrics := NewMetrics(prometheus.Labels{"file": "pause-mid-block"})
	e, err := New(Options{Filename: path, Metrics: metrics})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	buf := make([]byte, TSPacketSize)
	require.NoError(t, e.Queue().Pop(ctx, buf)) // first packet of the block

	// Pause mid-block for well over driftResetThresholdMS; with the double-
	// subtraction bug this alone was enough to fire a spurious reset.
	e.Pause(true)
	time.Sleep(150 * time.Millisecond)
	e.Pause(false)

	// The block has five packets total (the PCR that opens it plus three
	// interior packets plus the packet immediately before the PCR that
	// closes it); one was already popped above.
	for i := 0; i < 4; i++ {
		require.NoError(t, e.Queue().Pop(ctx, buf))
	}

	popErr := e.Queue().Pop(ctx, buf)
	assert.ErrorIs(t, popErr, io.EOF)
	require.NoError(t, <-done)

	assert.Zero(t, testutil.ToFloat64(metrics.SyncResets))
}

func TestEngineCheckLengthDoesNotEnterPacingLoop(t *testing.T) {
	pkt := func(micros uint32, pcr *uint64) []byte {
		prefix := []byte{byte(micros >> 24), byte(micros >> 16), byte(micros >> 8), byte(micros)}
		return append(prefix, tsPacket(pcr, false)...)
	}
	pcr := uint64(1000)
	data := append(pkt(1_000_000, &pcr), pkt(61_000_000, nil)...)
	path := writeTempFile(t, "clip.m2ts", data)

	e, err := New(Options{Filename: path, CheckLength: true})
	require.NoError(t, err)

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, uint32(60000), e.Length())
	assert.Equal(t, 0, e.Queue().Len())
}
