// Package server implements the server-side connection handler (C6) and
// outbound connector (C7): per-connection authentication gate, stream/
// datagram dispatch, and the TCP/UDP dials that fulfil Connect and
// Associate requests.
package server

import (
	"crypto/tls"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/tuic-go/tuic/wire"
)

// Config holds every ServerConfig field from the external interface (§6).
type Config struct {
	ListenAddr            string
	TLSConfig             *tls.Config
	Tokens                map[[wire.TokenDigestLen]byte]struct{}
	AuthenticationTimeout time.Duration
	MaxUDPRelayPacketSize int

	QUICConfig *quic.Config

	// Observer is optional (nil-safe); *metrics.Registry satisfies it (A3).
	Observer Observer
}

// Observer receives connection/stream/association lifecycle and
// datagram-drop/auth-failure notifications.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	StreamOpened()
	StreamClosed()
	AssociationOpened()
	AssociationClosed()
	DroppedDatagram(reason string)
	AuthFailure()
	AuthStarted(id string)
	AuthFinished(id string, ok bool)
}

// Authenticated reports whether digest is one of the accepted tokens.
// Constant-time comparison is not required: digests are SHA-256 output,
// high-entropy by construction.
func (c Config) Authenticated(digest [wire.TokenDigestLen]byte) bool {
	_, ok := c.Tokens[digest]
	return ok
}
