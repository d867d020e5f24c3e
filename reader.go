package tsreplay

import (
	"fmt"
	"os"
)

// SourceReader owns a positioned, read-only file handle and a reusable
// input buffer. It never advances the read offset on its own — the Pacing
// Loop owns that (skip field on Engine).
type SourceReader struct {
	file     *os.File
	fileSize int64
	buf      []byte
}

// NewSourceReader allocates a reader with the given buffer size (the "2 MiB
// default, configurable" input buffer from spec §3).
func NewSourceReader(bufferSize int) *SourceReader {
	return &SourceReader{buf: make([]byte, bufferSize)}
}

// OpenResult carries everything discovered while opening a file: the
// geometry the Framing Inspector settled on, how many bytes actually landed
// in the buffer, where the first usable PCR was found (so the Pacing Loop
// doesn't have to re-scan), and, for M2TS, the stream's total length.
type OpenResult struct {
	Geometry         Geometry
	BytesRead        int
	InitialPCROffset int
	StartTimeMS      uint32
	LengthMS         uint32
	Skip             int64 // echoes back the (possibly reset) skip actually used
}

// Open opens path read-only, stats it, reads one buffer's worth of data at
// byte offset skip, classifies it, and locates the first usable PCR. For
// M2TS files it also reads the trailing packet to compute LengthMS.
func (r *SourceReader) Open(path string, skip int64) (OpenResult, error) {
	var res OpenResult

	if r.file != nil {
		r.file.Close()
		r.file = nil
	}

	f, err := os.Open(path)
	if err != nil {
		return res, fmt.Errorf("tsreplay: opening %q: %w", path, ErrOpenFailed)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return res, fmt.Errorf("tsreplay: stat %q: %w", path, ErrOpenFailed)
	}
	r.file = f
	r.fileSize = fi.Size()

	if skip >= r.fileSize {
		logger.Warnf("tsreplay: skip %d is greater than file size %d, resetting to 0", skip, r.fileSize)
		skip = 0
	}
	res.Skip = skip

	n, err := r.file.ReadAt(r.buf, skip)
	if n <= 0 && err != nil {
		r.Close()
		return res, fmt.Errorf("tsreplay: reading initial buffer of %q: %w", path, ErrOpenFailed)
	}
	res.BytesRead = n

	res.Geometry = Classify(r.buf[:n])
	if res.Geometry == GeometryUnknown {
		r.Close()
		return res, fmt.Errorf("tsreplay: %q: %w", path, ErrBadFormat)
	}

	// Unlike SeekNextPCR's normal use (finding the PCR that ends the *next*
	// block after an already-known one), the very first PCR of a file can
	// legitimately be in packet 0 itself. Passing a negative cursor makes
	// the scan start there instead of skipping it.
	off, ok := SeekNextPCR(r.buf[:n], -res.Geometry.PacketStride(), res.Geometry)
	if !ok {
		r.Close()
		return res, fmt.Errorf("tsreplay: %q: %w", path, ErrNoPCR)
	}
	res.InitialPCROffset = off

	if res.Geometry == GeometryM2TS192 {
		res.StartTimeMS = M2TSTimeMS(r.buf[off : off+m2tsTimestampBytes])

		tail := make([]byte, M2TSPacketSize)
		if _, err := r.file.ReadAt(tail, r.fileSize-M2TSPacketSize); err != nil {
			logger.Warnf("tsreplay: failed to read trailing M2TS packet of %q: %v", path, err)
		} else if tail[m2tsTimestampBytes] != syncByte {
			logger.Warnf("tsreplay: failed to get M2TS file length for %q", path)
		} else {
			stopMS := M2TSTimeMS(tail)
			res.LengthMS = stopMS - res.StartTimeMS
		}
	}

	return res, nil
}

// Refill performs a positional read of one full buffer at byte offset skip.
// A short read (n < len(buffer)) signals the file is exhausted.
func (r *SourceReader) Refill(skip int64) (int, error) {
	n, err := r.file.ReadAt(r.buf, skip)
	if n < len(r.buf) {
		// A short read at EOF surfaces io.EOF from ReadAt; that's expected
		// and not itself a failure, the caller decides what a short read
		// means (loop vs. terminate).
		return n, nil
	}
	if err != nil {
		return n, fmt.Errorf("tsreplay: refilling at offset %d: %w", skip, err)
	}
	return n, nil
}

// Buffer returns the reader's input buffer. Only valid between Open/Refill
// calls and the next call to either.
func (r *SourceReader) Buffer() []byte { return r.buf }

// FileSize returns the size in bytes of the currently open file.
func (r *SourceReader) FileSize() int64 { return r.fileSize }

// Close is idempotent.
func (r *SourceReader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
