package tsreplay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestSourceReaderOpenTS188FindsInitialPCRAtPacketZero(t *testing.T) {
	pcr := uint64(9000)
	data := append(tsPacket(&pcr, false), tsPacket(nil, false)...)
	path := writeTempFile(t, "two.ts", data)

	r := NewSourceReader(len(data))
	res, err := r.Open(path, 0)
	require.NoError(t, err)
	assert.Equal(t, GeometryTS188, res.Geometry)
	assert.Equal(t, 0, res.InitialPCROffset)
	assert.Equal(t, len(data), res.BytesRead)
}

func TestSourceReaderOpenExhaustedBufferIsCleanEOF(t *testing.T) {
	// Boundary case: exactly two TS188 packets, PCR only in packet 0. The
	// pacing loop's outer seek (which always skips the packet at cursor)
	// will find no second PCR and must exit cleanly with zero packets
	// pushed, not fail the open.
	pcr := uint64(9000)
	data := append(tsPacket(&pcr, false), tsPacket(nil, false)...)
	path := writeTempFile(t, "two.ts", data)

	r := NewSourceReader(len(data))
	res, err := r.Open(path, 0)
	require.NoError(t, err)

	_, ok := SeekNextPCR(r.Buffer()[:res.BytesRead], res.InitialPCROffset, res.Geometry)
	assert.False(t, ok)
}

func TestSourceReaderOpenBadFormat(t *testing.T) {
	path := writeTempFile(t, "garbage.bin", make([]byte, 4096))
	r := NewSourceReader(4096)
	_, err := r.Open(path, 0)
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestSourceReaderOpenNoPCR(t *testing.T) {
	data := append(tsPacket(nil, false), tsPacket(nil, false)...)
	data = append(data, tsPacket(nil, false)...)
	path := writeTempFile(t, "nopcr.ts", data)

	r := NewSourceReader(len(data))
	_, err := r.Open(path, 0)
	assert.ErrorIs(t, err, ErrNoPCR)
}

func TestSourceReaderOpenSkipBeyondFileResetsToZero(t *testing.T) {
	pcr := uint64(500)
	data := append(tsPacket(&pcr, false), tsPacket(nil, false)...)
	path := writeTempFile(t, "short.ts", data)

	r := NewSourceReader(len(data))
	res, err := r.Open(path, int64(len(data)*10))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Skip)
}

func TestSourceReaderM2TSLength(t *testing.T) {
	pkt := func(tsMicros uint32, pcr *uint64, ra bool) []byte {
		ts := tsPacket(pcr, ra)
		prefix := []byte{
			byte(tsMicros >> 24), byte(tsMicros >> 16), byte(tsMicros >> 8), byte(tsMicros),
		}
		return append(prefix, ts...)
	}
	pcr := uint64(7777)
	data := append(pkt(1_000_000, &pcr, false), pkt(2_000_000, nil, false)...)
	path := writeTempFile(t, "clip.m2ts", data)

	r := NewSourceReader(len(data))
	res, err := r.Open(path, 0)
	require.NoError(t, err)
	assert.Equal(t, GeometryM2TS192, res.Geometry)
	assert.Equal(t, uint32(1000), res.StartTimeMS)
	assert.Equal(t, uint32(1000), res.LengthMS) // 2000ms - 1000ms
}

func TestSourceReaderRefillShortReadSignalsExhaustion(t *testing.T) {
	pcr := uint64(500)
	data := append(tsPacket(&pcr, false), tsPacket(nil, false)...)
	path := writeTempFile(t, "short.ts", data)

	r := NewSourceReader(len(data) * 4)
	_, err := r.Open(path, 0)
	require.NoError(t, err)

	n, err := r.Refill(0)
	require.NoError(t, err)
	assert.Less(t, n, len(r.Buffer()))
}

func TestSourceReaderCloseIsIdempotent(t *testing.T) {
	pcr := uint64(500)
	data := append(tsPacket(&pcr, false), tsPacket(nil, false)...)
	path := writeTempFile(t, "short.ts", data)

	r := NewSourceReader(len(data))
	_, err := r.Open(path, 0)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}
