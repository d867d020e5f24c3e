package tsreplay

import (
	"context"
	"fmt"
	"math/rand"
	"net"

	"github.com/google/uuid"
	"github.com/pion/rtp"
)

// tsPerRTPPacket is how many 188-byte TS payloads are packed into one RTP
// packet: seven is the standard MPEG2-TS-over-RTP framing (RFC 2250 §2),
// chosen so the combined payload (7*188=1316 bytes) comfortably clears
// common Ethernet MTUs once the RTP/UDP/IP headers are added.
const tsPerRTPPacket = 7

// mp2tPayloadType is the static RTP payload type assigned to MPEG2-TS per
// RFC 3551.
const mp2tPayloadType = 33

// RTPSink fans emitted TS payloads out over UDP multicast as RTP packets.
// It is an alternative consumer of an Engine's HandoffQueue, grounded on
// aminofox-zenlive's pion/rtp packet construction; unlike that repo's
// WebRTC tracks this sink talks bare UDP multicast, matching the original
// module's "downstream is whatever transport owns the ring" design (spec
// §4.3) rather than a signaling-negotiated peer connection.
type RTPSink struct {
	conn   *net.UDPConn
	ssrc   uint32
	seq    uint16
	accum  []byte
	header rtp.Header
}

// NewRTPSink dials a UDP multicast group (e.g. "239.1.1.1:5000") and
// prepares an RTP sink for it. The socket's multicast TTL is left at the
// system default (typically 1, so the feed stays on the local segment);
// RTPSink has no option to change it.
func NewRTPSink(multicastAddr string) (*RTPSink, error) {
	addr, err := net.ResolveUDPAddr("udp", multicastAddr)
	if err != nil {
		return nil, fmt.Errorf("tsreplay: resolving rtp sink address %q: %w", multicastAddr, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("tsreplay: dialing rtp sink address %q: %w", multicastAddr, err)
	}

	ssrc := rand.Uint32()
	if id, err := uuid.NewRandom(); err == nil {
		b := id[:]
		ssrc = uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	}

	return &RTPSink{
		conn: conn,
		ssrc: ssrc,
		accum: make([]byte, 0, tsPerRTPPacket*TSPacketSize),
		header: rtp.Header{
			Version:     2,
			PayloadType: mp2tPayloadType,
			SSRC:        ssrc,
		},
	}, nil
}

// Write buffers one 188-byte TS payload and flushes an RTP packet every
// tsPerRTPPacket payloads. Safe to call from a single goroutine only (the
// HandoffQueue consumer).
func (s *RTPSink) Write(payload []byte) error {
	s.accum = append(s.accum, payload...)
	if len(s.accum)/TSPacketSize < tsPerRTPPacket {
		return nil
	}
	return s.flush()
}

func (s *RTPSink) flush() error {
	s.header.SequenceNumber = s.seq
	s.header.Timestamp += uint32(tsPerRTPPacket * TSPacketSize)
	s.seq++

	pkt := rtp.Packet{Header: s.header, Payload: s.accum}
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("tsreplay: marshaling rtp packet: %w", err)
	}
	if _, err := s.conn.Write(raw); err != nil {
		return fmt.Errorf("tsreplay: writing rtp packet: %w", err)
	}
	s.accum = s.accum[:0]
	return nil
}

// Run drains q, feeding every payload to Write, until q.Pop returns an
// error (EOF or context cancellation). It never closes the sink.
func (s *RTPSink) Run(ctx context.Context, q *HandoffQueue) error {
	buf := make([]byte, TSPacketSize)
	for {
		if err := q.Pop(ctx, buf); err != nil {
			return err
		}
		if err := s.Write(buf); err != nil {
			logger.Errorf("tsreplay: rtp sink write failed: %v", err)
		}
	}
}

// Close releases the underlying UDP socket.
func (s *RTPSink) Close() error { return s.conn.Close() }
