package tsreplay

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// notifyMsg is the Go-native rendering of the original's single-byte
// 0x00/0xFF notification stream: a small enum over a channel, per spec §9's
// own suggested re-architecture.
type notifyMsg byte

const (
	notifyPayload notifyMsg = 0x00
	notifyEOF     notifyMsg = 0xFF
)

// HandoffQueue is a circular buffer of fixed-size 188-byte slots paired with
// a notification channel that wakes a consumer on every push. capacity is a
// fixed multiple of TSPacketSize. write_offset is producer-owned,
// read_offset consumer-owned, count is the only field touched by both sides
// and is therefore atomic.
type HandoffQueue struct {
	buf         []byte
	writeOffset int // producer-only
	readOffset  int // consumer-only
	count       atomic.Int64
	overflow    int64 // written by the producer only; accessed atomically

	notify     chan notifyMsg
	onEOF      func()
	eofOnce    sync.Once
	onOverflow func()
}

// NewHandoffQueue allocates a queue capable of holding capacityPackets
// payloads before Push starts dropping. The default per spec §3 is 2048.
func NewHandoffQueue(capacityPackets int) *HandoffQueue {
	if capacityPackets <= 0 {
		capacityPackets = 2048
	}
	return &HandoffQueue{
		buf:    make([]byte, capacityPackets*TSPacketSize),
		notify: make(chan notifyMsg, capacityPackets+1),
	}
}

// SetEOFCallback registers a function invoked exactly once, from whichever
// goroutine calls Pop, when the terminal EOF sentinel is observed.
func (q *HandoffQueue) SetEOFCallback(fn func()) { q.onEOF = fn }

// SetOverflowCallback registers a function invoked from Push, once per
// payload dropped for a full ring. Unlike Overflows() (a point-in-time
// counter that resets as soon as the next payload is accepted) this fires
// exactly once per drop, so it can feed a monotonic metric safely.
func (q *HandoffQueue) SetOverflowCallback(fn func()) { q.onOverflow = fn }

// Len reports the number of payloads currently buffered.
func (q *HandoffQueue) Len() int { return int(q.count.Load()) / TSPacketSize }

// Overflows reports how many payloads have been dropped for a full ring
// since Push last accepted a payload; the count goes back to 0 as soon as
// Push accepts one again. Producer-written; safe to read from metrics
// collection on another goroutine since it's only ever written here.
func (q *HandoffQueue) Overflows() int64 { return atomic.LoadInt64(&q.overflow) }

// Push enqueues one 188-byte payload. If the ring is full it increments the
// overflow counter and drops the newest payload without copying — this is
// not a suspension point, it never blocks. If a prior overflow run just
// ended, it logs one aggregated message before accepting this payload.
func (q *HandoffQueue) Push(payload []byte) {
	capBytes := int64(len(q.buf))
	if q.count.Load() >= capBytes {
		atomic.AddInt64(&q.overflow, 1)
		if q.onOverflow != nil {
			q.onOverflow()
		}
		return
	}
	if dropped := atomic.SwapInt64(&q.overflow, 0); dropped > 0 {
		logger.Errorf("tsreplay: handoff queue overflow, dropped %d packets", dropped)
	}

	copy(q.buf[q.writeOffset:q.writeOffset+TSPacketSize], payload)
	q.writeOffset += TSPacketSize
	if q.writeOffset >= len(q.buf) {
		q.writeOffset = 0
	}
	q.count.Add(TSPacketSize) // release: consumer must see the bytes above first

	select {
	case q.notify <- notifyPayload:
	default:
		// Sized to capacity plus one, so this should be unreachable in
		// practice; if it happens the ring count is still authoritative.
		logger.Errorf("tsreplay: handoff queue notification channel full, dropping wake signal")
	}
}

// PushEOF posts the terminal end-of-stream sentinel. It never blocks.
func (q *HandoffQueue) PushEOF() {
	select {
	case q.notify <- notifyEOF:
	default:
		logger.Errorf("tsreplay: handoff queue notification channel full while pushing EOF")
	}
}

// Pop blocks until a notification arrives or ctx is done. On a payload
// notification it copies 188 bytes into out and returns nil. On the EOF
// sentinel it invokes the registered EOF callback (once, ever) and returns
// io.EOF; out is left untouched.
func (q *HandoffQueue) Pop(ctx context.Context, out []byte) error {
	select {
	case msg := <-q.notify:
		if msg == notifyEOF {
			if q.onEOF != nil {
				q.eofOnce.Do(q.onEOF)
			}
			return io.EOF
		}
		copy(out, q.buf[q.readOffset:q.readOffset+TSPacketSize])
		q.readOffset += TSPacketSize
		if q.readOffset >= len(q.buf) {
			q.readOffset = 0
		}
		q.count.Add(-TSPacketSize)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
