package source

import (
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

// RFC 6184 payload types.
const (
	naluTypeMask = 0x1f
	naluRefMask  = 0xe0 // F + NRI
	stapA        = 24
	fuA          = 28

	fuStart = 0x80
	fuEnd   = 0x40
)

var (
	errUnsupportedPayload = errors.New("unsupported h264 payload type")
	errTruncatedPayload   = errors.New("truncated h264 payload")
	errFragmentLost       = errors.New("h264 fragment lost")
)

// naluAssembler turns RTP H264 payloads back into NAL units. One instance per
// stream: it carries the FU-A chain in progress and the last sequence number.
type naluAssembler struct {
	frag    []byte
	inFrag  bool
	lastSeq uint16
	seen    bool
	maxFrag int
}

func newNALUAssembler(maxFrag int) *naluAssembler {
	return &naluAssembler{maxFrag: maxFrag}
}

// push returns the NAL units completed by pkt. Single NAL units and STAP-A
// aggregates alias pkt.Payload; reassembled fragments do not. A non-nil error
// describes what was dropped, and may accompany NAL units that survived.
func (a *naluAssembler) push(pkt *rtp.Packet) ([][]byte, error) {
	var lost error
	if a.seen && pkt.SequenceNumber != a.lastSeq+1 && a.inFrag {
		a.reset()
		lost = fmt.Errorf("%w: seq %d after %d", errFragmentLost, pkt.SequenceNumber, a.lastSeq)
	}
	a.lastSeq, a.seen = pkt.SequenceNumber, true

	p := pkt.Payload
	if len(p) == 0 {
		return nil, lost
	}

	var (
		nalus [][]byte
		err   error
	)
	switch t := p[0] & naluTypeMask; {
	case t >= 1 && t <= 23:
		nalus = [][]byte{p}
	case t == stapA:
		nalus, err = splitSTAPA(p)
	case t == fuA:
		nalus, err = a.fragment(p)
	default:
		err = fmt.Errorf("%w: %d", errUnsupportedPayload, t)
	}
	return nalus, errors.Join(lost, err)
}

func splitSTAPA(p []byte) ([][]byte, error) {
	var nalus [][]byte
	for rest := p[1:]; len(rest) > 0; {
		if len(rest) < 2 {
			return nalus, fmt.Errorf("%w: stap-a size field", errTruncatedPayload)
		}
		size := int(rest[0])<<8 | int(rest[1])
		rest = rest[2:]
		if size == 0 || size > len(rest) {
			return nalus, fmt.Errorf("%w: stap-a unit of %d bytes, %d left", errTruncatedPayload, size, len(rest))
		}
		nalus = append(nalus, rest[:size])
		rest = rest[size:]
	}
	return nalus, nil
}

func (a *naluAssembler) fragment(p []byte) ([][]byte, error) {
	if len(p) < 2 {
		return nil, fmt.Errorf("%w: fu-a header", errTruncatedPayload)
	}
	hdr := p[1]

	if hdr&fuStart != 0 {
		if a.inFrag {
			a.reset()
		}
		a.frag = append(a.frag[:0], p[0]&naluRefMask|hdr&naluTypeMask)
		a.inFrag = true
	} else if !a.inFrag {
		return nil, nil
	}

	if len(a.frag)+len(p)-2 > a.maxFrag {
		a.reset()
		return nil, fmt.Errorf("%w: fragmented unit over %d bytes", errTruncatedPayload, a.maxFrag)
	}
	a.frag = append(a.frag, p[2:]...)

	if hdr&fuEnd == 0 {
		return nil, nil
	}
	nalu := a.frag
	a.frag, a.inFrag = nil, false
	return [][]byte{nalu}, nil
}

func (a *naluAssembler) reset() {
	a.frag, a.inFrag = a.frag[:0], false
}
