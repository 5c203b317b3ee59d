package webrtc

import (
	"fmt"
	"strings"

	"birbstream/native/internal/domain"

	"github.com/pion/sdp/v3"
)

// ValidateOffer rejects offers that are not of type "offer", do not parse, or
// carry no video section offering mimeType. Errors wrap domain.ErrNegotiation.
func ValidateOffer(offer domain.SDPPayload, mimeType string) error {
	if offer.Type != "offer" {
		return fmt.Errorf("%w: sdp type must be \"offer\", got %q", domain.ErrNegotiation, offer.Type)
	}
	if strings.TrimSpace(offer.SDP) == "" {
		return fmt.Errorf("%w: empty sdp", domain.ErrNegotiation)
	}

	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(offer.SDP)); err != nil {
		return fmt.Errorf("%w: malformed sdp: %v", domain.ErrNegotiation, err)
	}

	kind, codec, ok := strings.Cut(mimeType, "/")
	if !ok {
		return fmt.Errorf("%w: bad mime type %q", domain.ErrNegotiation, mimeType)
	}
	for _, md := range sd.MediaDescriptions {
		if !strings.EqualFold(md.MediaName.Media, kind) {
			continue
		}
		for _, a := range md.Attributes {
			if a.Key != "rtpmap" {
				continue
			}
			// "<payload type> <encoding name>/<clock rate>[/<channels>]"
			fields := strings.Fields(a.Value)
			if len(fields) < 2 {
				continue
			}
			name, _, _ := strings.Cut(fields[1], "/")
			if strings.EqualFold(name, codec) {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: no %s section offers %s", domain.ErrNegotiation, kind, codec)
}
