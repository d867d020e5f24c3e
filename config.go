package tsreplay

import "context"

// Options configures an Engine. Only Filename is required; everything else
// defaults to the behavior documented in spec §6's configuration table.
type Options struct {
	// Filename is the path to the input TS/M2TS file.
	Filename string

	// Lock is the path to a checkpoint file. When set and Checkpointer is
	// nil, a FileCheckpointer rooted at this path is used automatically:
	// read once at startup to seed Skip, written by CheckpointTick.
	Lock string

	// Loop, when true, rewinds to offset 0 on a short read instead of
	// signaling EOF.
	Loop bool

	// Pause sets the engine's initial pause state.
	Pause bool

	// Skip is the initial byte offset into the file. Ignored if a
	// Checkpointer (or Lock) yields a non-zero value at startup.
	Skip int64

	// BufferSizeMiB sizes the input buffer. Defaults to 2.
	BufferSizeMiB int

	// RingCapacityPackets sizes the handoff queue. Defaults to 2048.
	RingCapacityPackets int

	// CheckLength, when true, makes Run open-inspect-close only: it
	// populates Length() and returns nil without ever entering the pacing
	// loop.
	CheckLength bool

	// EOFCallback is invoked once, from the consumer goroutine that calls
	// HandoffQueue.Pop, when the terminal EOF sentinel arrives. Never
	// invoked in loop mode, not even for the sentinel that Stop posts.
	EOFCallback func()

	// Checkpointer overrides the checkpoint storage backend. If nil and
	// Lock is set, a FileCheckpointer is used. If nil and Lock is empty,
	// checkpointing is disabled and CheckpointTick is a no-op.
	Checkpointer Checkpointer

	// Metrics, if set, receives pacing-loop observations. Nil disables
	// metrics entirely (the zero value is not safe to use directly).
	Metrics *Metrics
}

func (o Options) bufferSize() int {
	if o.BufferSizeMiB <= 0 {
		return 2 * 1024 * 1024
	}
	return o.BufferSizeMiB * 1024 * 1024
}

func (o Options) ringCapacity() int {
	if o.RingCapacityPackets <= 0 {
		return 2048
	}
	return o.RingCapacityPackets
}

// Checkpointer is the storage abstraction behind CheckpointTick. Exactly
// one implementation is active per engine.
type Checkpointer interface {
	// Load returns the last checkpointed byte offset, or 0 if none exists
	// yet.
	Load(ctx context.Context) (int64, error)
	// Save persists skip as the new checkpoint.
	Save(ctx context.Context, skip int64) error
}
