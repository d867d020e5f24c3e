package tsreplay

import "errors"

// Sentinel errors for the taxonomy in spec §7. Wrap these with fmt.Errorf's
// %w at the call site to attach context; callers can still errors.Is against
// the sentinel.
var (
	// ErrOpenFailed means the input file could not be opened or stat'd.
	ErrOpenFailed = errors.New("tsreplay: open failed")
	// ErrBadFormat means classify found neither TS188 nor M2TS192 framing.
	ErrBadFormat = errors.New("tsreplay: unrecognized packet geometry")
	// ErrNoPCR means no usable (non-random-access) PCR was found in the
	// initial buffer.
	ErrNoPCR = errors.New("tsreplay: no pcr found in initial buffer")
)
