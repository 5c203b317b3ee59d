package domain

import "context"

// FrameSource supplies the live media samples in order. NextSample blocks until
// a sample is available, ctx ends or the source is exhausted (io.EOF).
type FrameSource interface {
	NextSample(ctx context.Context) (MediaSample, error)
	Close() error
}

// Sink is a per-session destination for relayed samples.
type Sink interface {
	// PreferEncoding restricts the sink to the given MIME type. The relay calls
	// it exactly once, before the first sample.
	PreferEncoding(mimeType string) error

	// WriteSample delivers one sample. It must return promptly once ctx is
	// done.
	WriteSample(ctx context.Context, s MediaSample) error
}

// Relay fans samples out to attached sinks.
type Relay interface {
	Attach(key SessionKey, sink Sink) error
	Detach(key SessionKey) bool
}

// Notifier receives asynchronous transport-state events.
type Notifier interface {
	Notify(ev TransportEvent)
}

// Negotiator opens transports for new sessions.
type Negotiator interface {
	Open(key SessionKey, n Notifier) (Transport, error)
}

// Transport is the handle for one negotiated peer connection. It is owned by
// exactly one session.
type Transport interface {
	Sink() Sink
	Negotiate(ctx context.Context, offer SDPPayload) (SDPPayload, error)
	Diagnostics() Diagnostics
	Close() error
}

// Broadcaster is a fire-and-forget fan-out to chat clients.
type Broadcaster interface {
	Broadcast(msg BroadcastMessage)
}
