package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"birbstream/native/internal/domain"
	"birbstream/native/internal/metrics"
)

// MimeTypeH264 is the default encoding preference applied to attached sinks.
const MimeTypeH264 = "video/H264"

const defaultQueueSize = 256

// Config controls per-sink delivery.
type Config struct {
	// MimeType is passed to Sink.PreferEncoding on attach.
	MimeType string

	// QueueSize bounds the samples buffered for one sink. A sink that falls
	// this far behind is detached rather than skipped or allowed to stall the
	// others.
	QueueSize int

	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.MimeType == "" {
		c.MimeType = MimeTypeH264
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

// Relay reads one FrameSource and fans every sample out to the attached
// sinks. Each sink has its own queue and writer goroutine, so a slow or broken
// sink only affects itself.
type Relay struct {
	source  domain.FrameSource
	cfg     Config
	metrics *metrics.Metrics

	mu        sync.RWMutex
	subs      map[domain.SessionKey]*subscriber
	onFailure func(domain.SessionKey, error)

	produced atomic.Uint64
	failures atomic.Uint64
}

type subscriber struct {
	key    domain.SessionKey
	sink   domain.Sink
	queue  chan domain.MediaSample
	ctx    context.Context
	cancel context.CancelFunc

	// mu is held for the duration of every write; closed is only read and
	// written under it.
	mu     sync.Mutex
	closed bool
}

// New creates a relay for source.
func New(source domain.FrameSource, cfg Config) *Relay {
	cfg = cfg.withDefaults()
	return &Relay{
		source:  source,
		cfg:     cfg,
		metrics: cfg.Metrics,
		subs:    make(map[domain.SessionKey]*subscriber),
	}
}

// OnSinkFailure registers fn to be told about sinks the relay detached on its
// own. fn runs on its own goroutine.
func (r *Relay) OnSinkFailure(fn func(key domain.SessionKey, err error)) {
	r.mu.Lock()
	r.onFailure = fn
	r.mu.Unlock()
}

// Attach registers sink to receive every sample produced from now on. The
// encoding preference is applied before the sink can see any sample.
func (r *Relay) Attach(key domain.SessionKey, sink domain.Sink) error {
	if sink == nil {
		return fmt.Errorf("%w: %s: nil sink", domain.ErrRelayAttach, key)
	}
	if err := sink.PreferEncoding(r.cfg.MimeType); err != nil {
		return fmt.Errorf("%w: %s: prefer %s: %v", domain.ErrRelayAttach, key, r.cfg.MimeType, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscriber{
		key:    key,
		sink:   sink,
		queue:  make(chan domain.MediaSample, r.cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	r.mu.Lock()
	if _, ok := r.subs[key]; ok {
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s already attached", domain.ErrRelayAttach, key)
	}
	r.subs[key] = sub
	n := len(r.subs)
	r.mu.Unlock()

	go r.deliver(sub)

	r.metrics.SetAttachedSinks(n)
	log.Printf("[relay] attached %s (%d sinks)", key, n)
	return nil
}

// Detach removes the sink for key. Once Detach returns no further sample is
// written to it; a write blocked on the sink's context is cancelled first.
// It reports whether a sink was attached.
func (r *Relay) Detach(key domain.SessionKey) bool {
	r.mu.Lock()
	sub, ok := r.subs[key]
	if ok {
		delete(r.subs, key)
	}
	n := len(r.subs)
	r.mu.Unlock()

	if !ok {
		return false
	}
	sub.stop()

	r.metrics.SetAttachedSinks(n)
	log.Printf("[relay] detached %s (%d sinks)", key, n)
	return true
}

func (s *subscriber) stop() {
	s.cancel()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Len returns the number of attached sinks.
func (r *Relay) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Produced returns the number of samples read from the source.
func (r *Relay) Produced() uint64 { return r.produced.Load() }

// Failures returns the number of sinks detached by the relay itself.
func (r *Relay) Failures() uint64 { return r.failures.Load() }

// Run pulls samples until ctx is cancelled or the source is exhausted.
func (r *Relay) Run(ctx context.Context) error {
	log.Printf("[relay] running")
	for {
		sample, err := r.source.NextSample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				log.Printf("[relay] source exhausted")
				return nil
			}
			return fmt.Errorf("next sample: %w", err)
		}
		r.fanOut(sample)
	}
}

func (r *Relay) fanOut(sample domain.MediaSample) {
	r.produced.Add(1)
	r.metrics.IncSamples()

	var overflowed []*subscriber
	r.mu.RLock()
	for _, sub := range r.subs {
		select {
		case sub.queue <- sample:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range overflowed {
		r.fail(sub, fmt.Errorf("queue full after %d samples", cap(sub.queue)))
	}
}

func (r *Relay) deliver(sub *subscriber) {
	for {
		select {
		case <-sub.ctx.Done():
			return
		case sample := <-sub.queue:
			sub.mu.Lock()
			if sub.closed {
				sub.mu.Unlock()
				return
			}
			err := sub.sink.WriteSample(sub.ctx, sample)
			sub.mu.Unlock()

			if err != nil {
				if sub.ctx.Err() != nil {
					return
				}
				r.fail(sub, err)
				return
			}
		}
	}
}

// fail detaches sub because its sink misbehaved and reports it.
func (r *Relay) fail(sub *subscriber, cause error) {
	r.mu.Lock()
	current, ok := r.subs[sub.key]
	if !ok || current != sub {
		r.mu.Unlock()
		return
	}
	delete(r.subs, sub.key)
	n := len(r.subs)
	onFailure := r.onFailure
	r.mu.Unlock()

	sub.stop()

	r.failures.Add(1)
	r.metrics.IncSinkFailure()
	r.metrics.SetAttachedSinks(n)

	err := fmt.Errorf("%w: %s: %v", domain.ErrRelayAttach, sub.key, cause)
	log.Printf("[relay] detached failing sink: %v", err)
	if onFailure != nil {
		go onFailure(sub.key, err)
	}
}

// Close detaches every sink and closes the source.
func (r *Relay) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[domain.SessionKey]*subscriber)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	r.metrics.SetAttachedSinks(0)
	return r.source.Close()
}
