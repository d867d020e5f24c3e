package tsreplay

import "time"

// pcrModulus is 2^33 * 300: the wraparound point of the canonical PCR tick
// count (a 33-bit base clocked at 90 kHz combined with a 9-bit, 0-299
// extension clocked at 27 MHz). PCR deltas are computed modulo this value;
// in practice the delta between two consecutive block-end PCRs is always a
// small positive number well under one second of content, so the only case
// that matters is a single wrap.
const pcrModulus = uint64(1) << 33 * 300

// ClockReference is a 27 MHz tick count assembled from a PCR's base and
// extension fields, per ITU-T Rec. H.222.0 §2.4.3.5.
type ClockReference struct {
	Base      uint64 // 33 bits, 90 kHz
	Extension uint64 // 9 bits, 27 MHz
}

func newClockReference(base, extension uint64) ClockReference {
	return ClockReference{Base: base, Extension: extension}
}

// Ticks returns the canonical 27 MHz tick count: base*300 + extension.
func (c ClockReference) Ticks() uint64 {
	return c.Base*300 + c.Extension
}

// Duration converts the tick count to a time.Duration at 27 MHz.
func (c ClockReference) Duration() time.Duration {
	return time.Duration(c.Ticks()*1000/27) * time.Nanosecond
}

// Time renders the tick count as a time.Time relative to the Unix epoch.
// Only meaningful when the PCR is known to be relative to some epoch (it
// generally isn't); this exists mainly for human-readable logging.
func (c ClockReference) Time() time.Time {
	return time.Unix(0, int64(c.Ticks()*1000/27))
}

// pcrDelta computes next-prev in 27 MHz ticks, wrapping modulo 2^33*300.
// The replay engine never expects a delta anywhere near half the modulus;
// block times are sanity-checked separately in the pacing loop.
func pcrDelta(prev, next uint64) uint64 {
	if next >= prev {
		return next - prev
	}
	return pcrModulus - prev + next
}

// blockTimeMS mirrors the original's split computation exactly rather than
// doing a single division, since the 90 kHz and 27 MHz components round
// differently and the original's behavior (including its rounding error on
// fractional milliseconds) is what downstream consumers have been tuned
// against.
func blockTimeMS(deltaTicks uint64) float64 {
	base := deltaTicks / 300
	ext := deltaTicks % 300
	return float64(base)/90.0 + float64(ext)/27000.0
}
