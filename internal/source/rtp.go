package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"birbstream/native/internal/domain"

	"github.com/pion/rtp"
)

const (
	h264ClockRate = 90000

	// maxAccessUnit bounds one reassembled frame; a stream that never sets
	// the marker bit would otherwise grow without limit.
	maxAccessUnit = 4 << 20

	readPoll = 250 * time.Millisecond
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// RTPSource receives an H264 RTP stream on a UDP socket, for example from
//
//	ffmpeg -f v4l2 -i /dev/video0 -c:v libx264 -tune zerolatency -f rtp rtp://127.0.0.1:5004
//
// and emits one Annex-B access unit per sample.
type RTPSource struct {
	conn  net.PacketConn
	nalus *naluAssembler
	buf   []byte

	pending     [][]byte
	pendingSize int
	auTS        uint32
	prevTS      uint32
	havePrev    bool
	ready       []domain.MediaSample
	defaultDur  time.Duration
}

// ListenRTP binds addr. fps is used for the first sample's duration.
func ListenRTP(addr string, fps int) (*RTPSource, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen rtp %s: %w", addr, err)
	}
	if fps <= 0 {
		fps = 30
	}
	log.Printf("[source] receiving RTP/H264 on %s", conn.LocalAddr())
	return &RTPSource{
		conn:       conn,
		nalus:      newNALUAssembler(maxAccessUnit),
		buf:        make([]byte, 1600),
		defaultDur: time.Second / time.Duration(fps),
	}, nil
}

// Addr returns the bound UDP address.
func (s *RTPSource) Addr() net.Addr { return s.conn.LocalAddr() }

// NextSample blocks until an access unit is complete or ctx ends. It is not
// safe for concurrent use.
func (s *RTPSource) NextSample(ctx context.Context) (domain.MediaSample, error) {
	for {
		if len(s.ready) > 0 {
			out := s.ready[0]
			s.ready = s.ready[1:]
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return domain.MediaSample{}, err
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(readPoll)); err != nil {
			return domain.MediaSample{}, fmt.Errorf("set read deadline: %w", err)
		}
		n, _, err := s.conn.ReadFrom(s.buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return domain.MediaSample{}, io.EOF
			}
			return domain.MediaSample{}, fmt.Errorf("read rtp: %w", err)
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(s.buf[:n]); err != nil {
			log.Printf("[source] dropping malformed RTP packet: %v", err)
			continue
		}
		s.push(&pkt)
	}
}

func (s *RTPSource) push(pkt *rtp.Packet) {
	if len(s.pending) > 0 && pkt.Timestamp != s.auTS {
		// Timestamp moved on without a marker: the previous unit is done.
		s.flush()
	}
	if len(s.pending) == 0 {
		s.auTS = pkt.Timestamp
	}

	nalus, err := s.nalus.push(pkt)
	if err != nil {
		log.Printf("[source] %v", err)
	}
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		// The read buffer is reused, so keep a copy.
		s.pending = append(s.pending, append([]byte(nil), nalu...))
		s.pendingSize += len(annexBStartCode) + len(nalu)
	}

	if s.pendingSize > maxAccessUnit {
		log.Printf("[source] dropping oversized access unit (%d bytes)", s.pendingSize)
		s.pending, s.pendingSize = nil, 0
		return
	}
	if pkt.Marker && len(s.pending) > 0 {
		s.flush()
	}
}

func (s *RTPSource) flush() {
	data := make([]byte, 0, s.pendingSize)
	for _, nalu := range s.pending {
		data = append(data, annexBStartCode...)
		data = append(data, nalu...)
	}

	dur := s.defaultDur
	if s.havePrev {
		if delta := s.auTS - s.prevTS; delta > 0 && delta < h264ClockRate {
			dur = time.Duration(delta) * time.Second / h264ClockRate
		}
	}
	s.prevTS, s.havePrev = s.auTS, true

	s.ready = append(s.ready, domain.MediaSample{
		Data:      data,
		Timestamp: time.Now(),
		Duration:  dur,
	})
	s.pending, s.pendingSize = nil, 0
}

// Close releases the socket; a blocked NextSample returns io.EOF.
func (s *RTPSource) Close() error {
	return s.conn.Close()
}
