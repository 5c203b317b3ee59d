package webrtc

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"birbstream/native/internal/domain"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/interceptor/pkg/report"
	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Config holds the server-side PeerConnection settings.
type Config struct {
	ICEServers []string
	LogLevel   string
}

// Negotiator builds one PeerConnection per viewer session from a shared pion
// API. It implements domain.Negotiator.
type Negotiator struct {
	api        *pion.API
	iceServers []pion.ICEServer
	codecs     []pion.RTPCodecParameters
}

var videoCodecs = []pion.RTPCodecParameters{
	{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 102,
	},
	{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 127,
	},
}

var videoFeedback = []pion.RTCPFeedback{
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
	{Type: "ccm", Parameter: "fir"},
}

// NewNegotiator registers the H264 codecs and interceptors. Failures here mean
// the process cannot serve any viewer and wrap domain.ErrConfiguration.
func NewNegotiator(cfg Config) (*Negotiator, error) {
	m := &pion.MediaEngine{}
	for _, c := range videoCodecs {
		if err := m.RegisterCodec(c, pion.RTPCodecTypeVideo); err != nil {
			return nil, fmt.Errorf("%w: register %s: %v", domain.ErrConfiguration, c.MimeType, err)
		}
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("%w: create nack responder: %v", domain.ErrConfiguration, err)
	}
	i.Add(responderFactory)

	senderReports, err := report.NewSenderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("%w: create sender reports: %v", domain.ErrConfiguration, err)
	}
	i.Add(senderReports)

	level, err := ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = level

	se := pion.SettingEngine{LoggerFactory: loggerFactory}

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	)

	var servers []pion.ICEServer
	for _, url := range cfg.ICEServers {
		servers = append(servers, pion.ICEServer{URLs: []string{url}})
	}

	return &Negotiator{
		api:        api,
		iceServers: servers,
		codecs:     videoCodecs,
	}, nil
}

// ParseLogLevel maps a level name to a pion log level. Empty means error.
func ParseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "", "error":
		return logging.LogLevelError, nil
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	default:
		return logging.LogLevelDisabled, fmt.Errorf("unknown pion log level %q", s)
	}
}

// Open creates the PeerConnection and local video track for key. State
// changes are reported to n as transport events.
func (g *Negotiator) Open(key domain.SessionKey, n domain.Notifier) (domain.Transport, error) {
	pc, err := g.api.NewPeerConnection(pion.Configuration{
		ICEServers:   g.iceServers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeH264, ClockRate: 90000},
		"video", "birbstream",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("add video track: %w", err)
	}

	var transceiver *pion.RTPTransceiver
	for _, tr := range pc.GetTransceivers() {
		if tr.Sender() == sender {
			transceiver = tr
			break
		}
	}

	// RTCP must be read for the NACK and report interceptors to see it.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	t := &Transport{
		key:         key,
		pc:          pc,
		track:       track,
		transceiver: transceiver,
		codecs:      g.codecs,
		closed:      make(chan struct{}),
	}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.Printf("[webrtc] %s ICE connection state: %s", key, state.String())
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Printf("[webrtc] %s peer connection state: %s", key, state.String())
		ts, ok := transportState(state)
		if !ok {
			return
		}
		n.Notify(domain.TransportEvent{Key: key, State: ts, At: time.Now()})
	})

	return t, nil
}

func transportState(state pion.PeerConnectionState) (domain.TransportState, bool) {
	switch state {
	case pion.PeerConnectionStateConnecting:
		return domain.TransportConnecting, true
	case pion.PeerConnectionStateConnected:
		return domain.TransportConnected, true
	case pion.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected, true
	case pion.PeerConnectionStateFailed:
		return domain.TransportFailed, true
	case pion.PeerConnectionStateClosed:
		return domain.TransportClosed, true
	default:
		return 0, false
	}
}

// Transport wraps one server-side PeerConnection and its outbound video
// track. It is both the session's transport handle and its relay sink.
type Transport struct {
	key         domain.SessionKey
	pc          *pion.PeerConnection
	track       *pion.TrackLocalStaticSample
	transceiver *pion.RTPTransceiver
	codecs      []pion.RTPCodecParameters

	closeOnce sync.Once
	closed    chan struct{}
}

func (t *Transport) Sink() domain.Sink { return t }

// PreferEncoding restricts the video transceiver to the registered codecs
// matching mimeType.
func (t *Transport) PreferEncoding(mimeType string) error {
	if t.transceiver == nil {
		return fmt.Errorf("no video transceiver")
	}
	var preferred []pion.RTPCodecParameters
	for _, c := range t.codecs {
		if strings.EqualFold(c.MimeType, mimeType) {
			preferred = append(preferred, c)
		}
	}
	if len(preferred) == 0 {
		return fmt.Errorf("no registered codec for %s", mimeType)
	}
	if err := t.transceiver.SetCodecPreferences(preferred); err != nil {
		return fmt.Errorf("set codec preferences: %w", err)
	}
	log.Printf("[webrtc] %s preferring %s", t.key, mimeType)
	return nil
}

// WriteSample sends one sample on the video track.
func (t *Transport) WriteSample(ctx context.Context, s domain.MediaSample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.closed:
		return io.ErrClosedPipe
	default:
	}
	switch t.pc.ConnectionState() {
	case pion.PeerConnectionStateFailed, pion.PeerConnectionStateClosed:
		return io.ErrClosedPipe
	}

	return t.track.WriteSample(media.Sample{
		Data:      s.Data,
		Timestamp: s.Timestamp,
		Duration:  s.Duration,
	})
}

// Negotiate applies the remote offer and returns the local answer once ICE
// gathering has completed or ctx ends.
func (t *Transport) Negotiate(ctx context.Context, offer domain.SDPPayload) (domain.SDPPayload, error) {
	if err := ValidateOffer(offer, pion.MimeTypeH264); err != nil {
		return domain.SDPPayload{}, err
	}

	if err := t.pc.SetRemoteDescription(pion.SessionDescription{
		Type: pion.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("%w: set remote description: %v", domain.ErrNegotiation, err)
	}
	if err := ctx.Err(); err != nil {
		return domain.SDPPayload{}, err
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("%w: create answer: %v", domain.ErrNegotiation, err)
	}

	gatherComplete := pion.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return domain.SDPPayload{}, fmt.Errorf("wait for ICE gathering: %w", ctx.Err())
	case <-t.closed:
		return domain.SDPPayload{}, fmt.Errorf("wait for ICE gathering: %w", io.ErrClosedPipe)
	}

	local := t.pc.LocalDescription()
	if local == nil {
		return domain.SDPPayload{}, fmt.Errorf("no local description after gathering")
	}

	log.Printf("[webrtc] %s local SDP answer set", t.key)
	return domain.SDPPayload{Type: local.Type.String(), SDP: local.SDP}, nil
}

// Diagnostics reports the PeerConnection's current states.
func (t *Transport) Diagnostics() domain.Diagnostics {
	d := domain.Diagnostics{
		ConnectionState:    t.pc.ConnectionState().String(),
		ICEConnectionState: t.pc.ICEConnectionState().String(),
		ICEGatheringState:  t.pc.ICEGatheringState().String(),
		SignalingState:     t.pc.SignalingState().String(),
	}
	if desc := t.pc.LocalDescription(); desc != nil {
		d.LocalDescription = &domain.SDPPayload{Type: desc.Type.String(), SDP: desc.SDP}
	}
	if desc := t.pc.RemoteDescription(); desc != nil {
		d.RemoteDescription = &domain.SDPPayload{Type: desc.Type.String(), SDP: desc.SDP}
	}
	return d
}

// Close shuts down the PeerConnection. Only the first call does anything.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if cerr := t.pc.Close(); cerr != nil {
			err = fmt.Errorf("%w: %s: %v", domain.ErrTransportTeardown, t.key, cerr)
		}
	})
	return err
}
