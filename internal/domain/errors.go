package domain

import "errors"

var (
	// ErrConfiguration means a required capability is unavailable at startup.
	ErrConfiguration = errors.New("configuration error")

	// ErrNegotiation covers malformed offers and offers with no common encoding.
	ErrNegotiation = errors.New("negotiation failed")

	// ErrDuplicateSession is returned when an id already owns a live session.
	ErrDuplicateSession = errors.New("duplicate session")

	ErrSessionNotFound = errors.New("session not found")

	// ErrRelayAttach is returned or reported when a single sink misbehaves.
	ErrRelayAttach = errors.New("relay attach failed")

	ErrTransportTeardown = errors.New("transport teardown failed")
)
