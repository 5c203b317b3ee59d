package signaling

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"birbstream/native/internal/domain"
	"birbstream/native/internal/metrics"
	"birbstream/native/internal/registry"
)

const (
	defaultNegotiationTimeout = 15 * time.Second
	defaultEventBuffer        = 256
)

// Config wires a Service to its collaborators. Broadcaster and Metrics are
// optional.
type Config struct {
	Registry    *registry.Registry
	Relay       domain.Relay
	Negotiator  domain.Negotiator
	Broadcaster domain.Broadcaster
	Metrics     *metrics.Metrics

	// NegotiationTimeout bounds one offer/answer exchange.
	NegotiationTimeout time.Duration

	// DisconnectGrace is how long a disconnected session may take to come
	// back. Zero tears it down on the first disconnect.
	DisconnectGrace time.Duration

	EventBuffer int
}

// Service coordinates the registry, negotiator and relay for every offer, and
// drives teardown from transport-state events. It implements domain.Notifier.
type Service struct {
	registry    *registry.Registry
	relay       domain.Relay
	negotiator  domain.Negotiator
	broadcaster domain.Broadcaster
	metrics     *metrics.Metrics

	negotiationTimeout time.Duration
	disconnectGrace    time.Duration

	events   chan domain.TransportEvent
	stopped  chan struct{}
	stopOnce sync.Once

	graceMu sync.Mutex
	grace   map[domain.SessionKey]*time.Timer

	// releasing tracks transport Close calls still in flight.
	releasing sync.WaitGroup
}

// New creates a Service. Run must be started for transport events to be
// handled.
func New(cfg Config) *Service {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = defaultNegotiationTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	return &Service{
		registry:           cfg.Registry,
		relay:              cfg.Relay,
		negotiator:         cfg.Negotiator,
		broadcaster:        cfg.Broadcaster,
		metrics:            cfg.Metrics,
		negotiationTimeout: cfg.NegotiationTimeout,
		disconnectGrace:    cfg.DisconnectGrace,
		events:             make(chan domain.TransportEvent, cfg.EventBuffer),
		stopped:            make(chan struct{}),
		grace:              make(map[domain.SessionKey]*time.Timer),
	}
}

// HandleOffer opens a session for req.SessionID and returns the local answer.
// On any error no session is left behind for the id.
func (s *Service) HandleOffer(ctx context.Context, req domain.OfferRequest) (domain.SDPPayload, error) {
	if req.SessionID == "" {
		s.metrics.IncOffer(metrics.OfferRejected)
		return domain.SDPPayload{}, fmt.Errorf("%w: missing session id", domain.ErrNegotiation)
	}

	sess, err := s.registry.Create(req.SessionID)
	if err != nil {
		log.Printf("[signaling] offer %s rejected: %v", req.SessionID, err)
		s.metrics.IncOffer(metrics.OfferDuplicate)
		return domain.SDPPayload{}, err
	}
	key := sess.Key()
	start := time.Now()

	negCtx, cancel := context.WithTimeout(ctx, s.negotiationTimeout)
	defer cancel()
	s.registry.BindNegotiation(sess, cancel)

	transport, err := s.negotiator.Open(key, s)
	if err != nil {
		s.teardown(sess, domain.StateFailed, "open failed")
		s.metrics.IncOffer(metrics.OfferRejected)
		return domain.SDPPayload{}, fmt.Errorf("open transport for %s: %w", key, err)
	}
	if !s.registry.BindTransport(sess, transport) {
		s.release(key, transport)
		s.metrics.IncOffer(metrics.OfferRejected)
		return domain.SDPPayload{}, fmt.Errorf("%w: %s closed during negotiation", domain.ErrSessionNotFound, key)
	}

	// The encoding preference has to be in place before the answer is
	// created, so the sink is attached first.
	if err := s.relay.Attach(key, transport.Sink()); err != nil {
		s.teardown(sess, domain.StateFailed, "attach failed")
		s.metrics.IncOffer(metrics.OfferAttachFail)
		return domain.SDPPayload{}, err
	}
	// A hang-up between BindTransport and Attach detached nothing.
	if !s.live(key) {
		s.relay.Detach(key)
		s.metrics.IncOffer(metrics.OfferRejected)
		return domain.SDPPayload{}, fmt.Errorf("%w: %s closed during negotiation", domain.ErrSessionNotFound, key)
	}

	answer, err := transport.Negotiate(negCtx, req.Offer)
	if err == nil && !s.live(key) {
		err = errClosedDuringNegotiation
	}
	if err != nil {
		if !s.teardown(sess, domain.StateFailed, "negotiation failed") {
			// Ended elsewhere; the relay entry may postdate that teardown.
			s.relay.Detach(key)
			s.metrics.IncOffer(metrics.OfferRejected)
			log.Printf("[signaling] %s closed during negotiation: %v", key, err)
			return domain.SDPPayload{}, fmt.Errorf("%w: %s closed during negotiation: %v", domain.ErrSessionNotFound, key, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			s.metrics.IncOffer(metrics.OfferTimeout)
		} else {
			s.metrics.IncOffer(metrics.OfferRejected)
		}
		log.Printf("[signaling] negotiate %s: %v", key, err)
		return domain.SDPPayload{}, err
	}

	s.metrics.ObserveNegotiation(time.Since(start))
	s.metrics.IncOffer(metrics.OfferAccepted)
	log.Printf("[signaling] %s answered in %s", key, time.Since(start).Round(time.Millisecond))
	s.broadcastViewers()
	return answer, nil
}

var errClosedDuringNegotiation = errors.New("session ended before the answer was returned")

func (s *Service) live(key domain.SessionKey) bool {
	sess, ok := s.registry.Lookup(key)
	return ok && !sess.State().Terminal()
}

// Notify queues a transport event for Run. Events for sessions that no longer
// exist are discarded when they are handled.
func (s *Service) Notify(ev domain.TransportEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case s.events <- ev:
	case <-s.stopped:
	}
}

// SinkFailed reports a sink the relay detached on its own; the session is
// torn down as failed.
func (s *Service) SinkFailed(key domain.SessionKey, err error) {
	s.Notify(domain.TransportEvent{Key: key, State: domain.TransportFailed, Err: err})
}

// Run consumes transport events in order until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	defer s.stopOnce.Do(func() { close(s.stopped) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Service) handleEvent(ev domain.TransportEvent) {
	sess, ok := s.registry.Lookup(ev.Key)
	if !ok {
		log.Printf("[signaling] ignoring %s event for stale session %s", ev.State, ev.Key)
		return
	}

	switch ev.State {
	case domain.TransportConnected:
		s.stopGrace(ev.Key)
		s.registry.Transition(sess, domain.StateConnected)

	case domain.TransportDisconnected:
		if ev.GraceExpired {
			if sess.State() == domain.StateDisconnected {
				s.teardown(sess, domain.StateFailed, "did not reconnect")
			}
			return
		}
		if s.disconnectGrace <= 0 {
			s.teardown(sess, domain.StateFailed, "disconnected")
			return
		}
		if s.registry.Transition(sess, domain.StateDisconnected) {
			s.startGrace(ev.Key)
		}

	case domain.TransportFailed:
		reason := "transport failed"
		if ev.Err != nil {
			reason = ev.Err.Error()
		}
		s.teardown(sess, domain.StateFailed, reason)

	case domain.TransportClosed:
		s.teardown(sess, domain.StateClosed, "transport closed")
	}
}

// teardown ends sess exactly once: further calls, from any goroutine, return
// false without side effects.
func (s *Service) teardown(sess *registry.Session, final domain.SessionState, reason string) bool {
	if !s.registry.Transition(sess, final) {
		return false
	}
	key := sess.Key()
	log.Printf("[signaling] tearing down %s: %s", key, reason)

	s.stopGrace(key)
	sess.CancelNegotiation()
	s.relay.Detach(key)
	s.registry.Remove(sess.ID())
	if t := sess.Transport(); t != nil {
		s.release(key, t)
	}

	s.metrics.IncTeardown(final.String())
	s.broadcastViewers()
	return true
}

// release closes t without holding up the caller.
func (s *Service) release(key domain.SessionKey, t domain.Transport) {
	s.releasing.Add(1)
	go func() {
		defer s.releasing.Done()
		if err := t.Close(); err != nil {
			log.Printf("[signaling] release %s: %v", key, err)
		}
	}()
}

func (s *Service) startGrace(key domain.SessionKey) {
	s.graceMu.Lock()
	defer s.graceMu.Unlock()
	if _, ok := s.grace[key]; ok {
		return
	}
	log.Printf("[signaling] %s disconnected, waiting %s", key, s.disconnectGrace)
	s.grace[key] = time.AfterFunc(s.disconnectGrace, func() {
		s.graceMu.Lock()
		delete(s.grace, key)
		s.graceMu.Unlock()
		s.Notify(domain.TransportEvent{Key: key, State: domain.TransportDisconnected, GraceExpired: true})
	})
}

func (s *Service) stopGrace(key domain.SessionKey) {
	s.graceMu.Lock()
	defer s.graceMu.Unlock()
	if t, ok := s.grace[key]; ok {
		t.Stop()
		delete(s.grace, key)
	}
}

func (s *Service) broadcastViewers() {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Broadcast(domain.BroadcastMessage{Type: "viewers", Count: s.registry.Len()})
}

// Close hangs up the session registered under id.
func (s *Service) Close(id string) error {
	sess, ok := s.registry.Get(id)
	if !ok || !s.teardown(sess, domain.StateClosed, "hang-up") {
		log.Printf("[signaling] close %s: %v", id, domain.ErrSessionNotFound)
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return nil
}

// SessionIDs returns the live session ids in sorted order.
func (s *Service) SessionIDs() []string {
	return s.registry.List()
}

// Diagnostics returns a per-id snapshot of every live session.
func (s *Service) Diagnostics() map[string]domain.Diagnostics {
	return s.registry.Describe()
}

// Shutdown tears down every session and waits for their transports to be
// released, or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	for _, sess := range s.registry.Sessions() {
		s.teardown(sess, domain.StateClosed, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.releasing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("release transports: %w", ctx.Err())
	}
}
