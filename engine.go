package tsreplay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	pausePollInterval = 500 * time.Microsecond

	minBlockTimeMS = 0.0
	maxBlockTimeMS = 250.0

	driftResetThresholdMS = 100.0
	timeTravelDiffMS       = -1000.0
)

// Engine runs the Pacing Loop for a single input file. It owns the file
// handle, the input buffer and the handoff queue's write half; a separate
// goroutine is expected to drain Queue() with Pop. Exactly one goroutine
// may call Run at a time. The control methods (Pause, SetPosition, Stop,
// CheckpointTick) are safe to call from any goroutine while Run is active.
type Engine struct {
	opts         Options
	reader       *SourceReader
	queue        *HandoffQueue
	checkpointer Checkpointer
	metrics      *Metrics
	id           string

	pause      atomic.Bool
	reposition atomic.Bool
	stop       atomic.Bool
	skip       atomic.Int64 // file byte offset the current buffer starts at
	positionMS atomic.Uint32

	// Set once per Open/reopen, read-only elsewhere.
	geometry    Geometry
	lengthMS    uint32
	startTimeMS uint32
}

// New builds an Engine from opts. It does not touch the filesystem; that
// happens the first time Run is called.
func New(opts Options) (*Engine, error) {
	if opts.Filename == "" {
		return nil, fmt.Errorf("tsreplay: %w: Filename is required", ErrOpenFailed)
	}

	cp := opts.Checkpointer
	if cp == nil && opts.Lock != "" {
		cp = &FileCheckpointer{Path: opts.Lock}
	}

	e := &Engine{
		opts:         opts,
		reader:       NewSourceReader(opts.bufferSize()),
		queue:        NewHandoffQueue(opts.ringCapacity()),
		checkpointer: cp,
		metrics:      opts.Metrics,
		id:           uuid.NewString(),
	}
	e.pause.Store(opts.Pause)
	e.skip.Store(opts.Skip)
	if opts.EOFCallback != nil && !opts.Loop {
		e.queue.SetEOFCallback(opts.EOFCallback)
	}
	if e.metrics != nil {
		e.queue.SetOverflowCallback(func() { e.metrics.QueueOverflows.Inc() })
	}
	return e, nil
}

// Queue returns the handoff queue a consumer goroutine drains with Pop.
func (e *Engine) Queue() *HandoffQueue { return e.queue }

// Length returns the stream's total duration in milliseconds: 0 for TS188,
// meaningful for M2TS192 once Run has opened the file at least once.
func (e *Engine) Length() uint32 { return e.lengthMS }

// Pause sets or clears the pacing loop's pause flag. Safe from any goroutine.
func (e *Engine) Pause(on bool) { e.pause.Store(on) }

// Paused reports the current pause flag.
func (e *Engine) Paused() bool { return e.pause.Load() }

// Position returns the last playback position observed by the pacing loop,
// in milliseconds: the M2TS timestamp of the first PCR packet found at the
// last (re)open (0 for TS188) plus the stream time emitted since that
// (re)open, updated once per block. Unlike SetPosition it never
// requests a seek; it recovers the Lua binding's nil-argument branch, which
// the original left as a TODO returning a hardcoded zero.
func (e *Engine) Position() uint32 { return e.positionMS.Load() }

// SetPosition requests a seek to the given millisecond offset, meaningful
// only for M2TS192 input within [0, length). It computes the target byte
// offset, arms reposition and returns the position observed just before the
// seek takes effect (the reopen happens asynchronously on the next outer
// loop iteration, mirroring the original's method_position, which likewise
// read mod->input.ptr before the pending reopen touched it). Returns 0 and
// takes no effect for TS188 or an out-of-range ms.
func (e *Engine) SetPosition(ms uint32) uint32 {
	if e.geometry != GeometryM2TS192 || e.lengthMS == 0 || ms >= e.lengthMS {
		return 0
	}
	fileSize := e.reader.FileSize()
	tsCount := uint32(fileSize / M2TSPacketSize)
	tsSkip := (ms * tsCount) / e.lengthMS
	e.skip.Store(int64(tsSkip) * M2TSPacketSize)
	e.reposition.Store(true)
	return e.positionMS.Load()
}

// Stop requests the pacing loop exit at its next safe point: the top of the
// outer loop, or the pause busy-wait.
func (e *Engine) Stop() { e.stop.Store(true) }

// CheckpointTick persists the current skip through the configured
// Checkpointer, if any. Intended to be called periodically (e.g. every two
// seconds) by an external timer, matching the original's asc_timer cadence.
func (e *Engine) CheckpointTick(ctx context.Context) error {
	if e.checkpointer == nil {
		return nil
	}
	if err := e.checkpointer.Save(ctx, e.skip.Load()); err != nil {
		return fmt.Errorf("tsreplay: checkpoint save: %w", err)
	}
	return nil
}

func wallMicros() int64 { return time.Now().UnixMicro() }

// stopped pushes the terminal EOF sentinel and returns the nil error Run
// reports for a clean Stop. Pushing the sentinel on Stop (distinct from
// loop-mode's deliberate no-sentinel exit) lets a blocked consumer unblock
// instead of waiting forever on a Pop that will never fire again.
func (e *Engine) stopped() error {
	e.queue.PushEOF()
	return nil
}

// syncAccumulators holds the outer drift accumulators. Its reset method
// zeroes them, and is called whenever pause clears, a reposition completes,
// a block is skipped for bad timing, or the drift-reset threshold is crossed.
type syncAccumulators struct {
	wallStartUs int64
	streamMS    float64
	diffMS      float64
	pausedMS    float64
}

func (s *syncAccumulators) reset() {
	s.wallStartUs = wallMicros()
	s.streamMS = 0
	s.diffMS = 0
	s.pausedMS = 0
}

// Run executes the pacing loop until EOF (non-loop mode), Stop is called, or
// an unrecoverable error occurs. It blocks; callers normally invoke it from
// its own goroutine.
//
// If Options.CheckLength is set, Run only opens the file, populates
// Length()/geometry and returns — it never enters the pacing loop.
func (e *Engine) Run(ctx context.Context) error {
	skip := e.skip.Load()
	if e.checkpointer != nil {
		loaded, err := e.checkpointer.Load(ctx)
		if err != nil {
			logger.Warnf("tsreplay: checkpoint load failed, starting from configured skip: %v", err)
		} else if loaded > 0 {
			skip = loaded
		}
	}

	res, err := e.openWithRecovery(skip)
	if err != nil {
		return fmt.Errorf("tsreplay: engine %s: %w", e.id, err)
	}
	e.applyOpenResult(res)

	if e.opts.CheckLength {
		e.reader.Close()
		return nil
	}

	defer func() {
		e.reader.Close()
		e.skip.Store(0)
	}()

	buf := e.reader.Buffer()
	bufEnd := res.BytesRead
	cursor := res.InitialPCROffset
	lastPCR := ExtractPCR(e.geometry.Payload(buf, cursor))

	var acc syncAccumulators
	acc.reset()
	// Tracks milliseconds of stream content emitted since the last (re)open,
	// independent of the drift-reset accumulators above: Position() must
	// keep advancing even when a clock jump resets acc.streamMS to zero.
	streamElapsedMS := 0.0

	for {
		if e.stop.Load() {
			return e.stopped()
		}

		// Step 1: pause.
		if e.pause.Load() {
			for e.pause.Load() {
				if e.stop.Load() {
					return e.stopped()
				}
				time.Sleep(pausePollInterval)
			}
			acc.reset()
		}

		// Step 2: reposition.
		if e.reposition.Load() {
			res, err := e.openWithRecovery(e.skip.Load())
			if err != nil {
				logger.Errorf("tsreplay: reopen on reposition failed: %v", err)
				if !e.opts.Loop {
					e.queue.PushEOF()
				}
				return err
			}
			e.applyOpenResult(res)
			buf = e.reader.Buffer()
			bufEnd = res.BytesRead
			cursor = res.InitialPCROffset
			lastPCR = ExtractPCR(e.geometry.Payload(buf, cursor))
			e.reposition.Store(false)
			acc.reset()
			streamElapsedMS = 0
			continue
		}

		// Step 3/4: find the next block boundary, refilling on exhaustion.
		blockEnd, found := SeekNextPCR(buf[:bufEnd], cursor, e.geometry)
		if !found {
			e.skip.Add(int64(cursor))
			n, err := e.reader.Refill(e.skip.Load())
			if err != nil {
				logger.Errorf("tsreplay: refill failed: %v", err)
				if !e.opts.Loop {
					e.queue.PushEOF()
				}
				return err
			}
			cursor = 0
			bufEnd = n
			if n < len(buf) {
				if !e.opts.Loop {
					e.queue.PushEOF()
					return nil
				}
				e.skip.Store(0)
				e.reposition.Store(true)
			}
			continue
		}

		// Step 5: compute block timing.
		stride := e.geometry.PacketStride()
		blockSizePackets := (blockEnd - cursor) / stride
		newPCR := ExtractPCR(e.geometry.Payload(buf, blockEnd))
		delta := pcrDelta(lastPCR, newPCR)
		blockMs := blockTimeMS(delta)
		lastPCR = newPCR

		// Step 6: sanity check.
		if blockMs < minBlockTimeMS || blockMs > maxBlockTimeMS {
			logger.Errorf("tsreplay: block time out of range: %.2fms block_size:%d", blockMs, blockSizePackets)
			cursor = blockEnd
			acc.reset()
			if e.metrics != nil {
				e.metrics.BlocksSkipped.Inc()
			}
			continue
		}
		acc.streamMS += blockMs
		streamElapsedMS += blockMs

		perPacketNs := 0.0
		if blockMs+acc.diffMS > 0 {
			perPacketNs = (blockMs + acc.diffMS) * 1_000_000 / float64(blockSizePackets)
		}

		blockStartWallUs := wallMicros()
		cumulativeTargetNs := 0.0
		pauseBlockNs := 0.0
		sleepNs := perPacketNs
		innerTimeTravel := false

		for cursor < blockEnd {
			// Inner step 1: pause.
			if e.pause.Load() {
				pauseStartUs := wallMicros()
				for e.pause.Load() {
					if e.stop.Load() {
						return e.stopped()
					}
					time.Sleep(pausePollInterval)
				}
				pauseStopUs := wallMicros()
				if pauseStopUs < pauseStartUs {
					e.reposition.Store(true)
				} else {
					pauseBlockNs += float64(pauseStopUs-pauseStartUs) * 1000
				}
			}

			// Inner step 2.
			if e.reposition.Load() {
				break
			}

			// Inner steps 3-4: emit and advance.
			e.queue.Push(e.geometry.Payload(buf, cursor))
			if e.metrics != nil {
				e.metrics.PacketsEmitted.Inc()
			}
			cursor += stride

			// Inner step 5: pace.
			if sleepNs > 0 {
				time.Sleep(time.Duration(sleepNs))
			}

			// Inner step 6: bang-bang feedback.
			cumulativeTargetNs += perPacketNs
			now := wallMicros()
			if now < blockStartWallUs {
				innerTimeTravel = true
				break
			}
			elapsedNs := float64(now-blockStartWallUs)*1000 - pauseBlockNs
			if elapsedNs > cumulativeTargetNs {
				sleepNs = 0
			} else {
				sleepNs = perPacketNs
			}
		}
		acc.pausedMS += pauseBlockNs / 1_000_000
		e.positionMS.Store(e.startTimeMS + uint32(streamElapsedMS))

		if e.reposition.Load() {
			continue
		}

		// Per-block drift correction.
		now := wallMicros()
		if innerTimeTravel || now < acc.wallStartUs {
			logger.Warnf("tsreplay: timetravel detected")
			acc.diffMS = timeTravelDiffMS
			if e.metrics != nil {
				e.metrics.TimeTravelEvents.Inc()
			}
		} else {
			// wallElapsedMS already includes every paused interval (the
			// loop is genuinely asleep in wall-clock time during a pause),
			// so it must be added back rather than subtracted again here.
			wallElapsedMS := float64(now-acc.wallStartUs) / 1000
			acc.diffMS = acc.streamMS - wallElapsedMS + acc.pausedMS
		}
		if e.metrics != nil {
			e.metrics.SyncDiffMS.Set(acc.diffMS)
		}

		if acc.diffMS < -driftResetThresholdMS || acc.diffMS > driftResetThresholdMS {
			logger.Warnf("tsreplay: wrong syncing time: %.2fms, reset time values", acc.diffMS)
			acc.reset()
			if e.metrics != nil {
				e.metrics.SyncResets.Inc()
			}
		}
	}
}

// applyOpenResult adopts the geometry/length/start-time discovered by a
// (re)open and re-seeds the skip the checkpointer will persist.
func (e *Engine) applyOpenResult(res OpenResult) {
	e.geometry = res.Geometry
	e.startTimeMS = res.StartTimeMS
	if res.Geometry == GeometryM2TS192 {
		e.lengthMS = res.LengthMS
	}
	e.skip.Store(res.Skip)
}

// openWithRecovery opens the file at skip. If the raw offset looks
// misaligned (classify/PCR search failed), it retries at the offset rounded
// down to each packet stride in turn (TS188, then M2TS192), and if neither
// works, opens again at offset 0. Spec's open question about an
// unaligned checkpoint offset is resolved this way rather than failing
// outright, since the common case (a corrupted or externally-edited lock
// file) is recoverable.
func (e *Engine) openWithRecovery(skip int64) (OpenResult, error) {
	res, err := e.reader.Open(e.opts.Filename, skip)
	if err == nil || skip == 0 {
		return res, err
	}
	if !isAlignmentError(err) {
		return res, err
	}

	for _, stride := range [...]int64{TSPacketSize, M2TSPacketSize} {
		aligned := skip - skip%stride
		if aligned == skip {
			continue
		}
		logger.Warnf("tsreplay: offset %d looked misaligned, retrying at %d", skip, aligned)
		if res, err := e.reader.Open(e.opts.Filename, aligned); err == nil {
			return res, nil
		}
	}

	logger.Warnf("tsreplay: offset %d unusable, restarting from 0", skip)
	return e.reader.Open(e.opts.Filename, 0)
}

func isAlignmentError(err error) bool {
	return errors.Is(err, ErrBadFormat) || errors.Is(err, ErrNoPCR)
}
