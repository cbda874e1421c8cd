package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuic-go/tuic/udprelay"
	"github.com/tuic-go/tuic/wire"
)

// fakeConn is a minimal quic.Connection fake for exercising the
// authentication gate without a real QUIC handshake.
type fakeConn struct {
	quic.Connection
	closedWith string
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
}

func (c *fakeConn) CloseWithError(_ quic.ApplicationErrorCode, reason string) error {
	c.closedWith = reason
	return nil
}

func newTestHandler(tokens map[[wire.TokenDigestLen]byte]struct{}) (*ConnHandler, *fakeConn) {
	log := zerolog.Nop()
	conn := &fakeConn{}
	cfg := Config{
		Tokens:                tokens,
		AuthenticationTimeout: time.Second,
	}
	return NewConnHandler(cfg, conn, &log), conn
}

func digestOf(token string) [wire.TokenDigestLen]byte {
	return sha256.Sum256([]byte(token))
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestPerformAuth_AcceptsKnownDigest(t *testing.T) {
	digest := digestOf("good-token")
	h, conn := newTestHandler(map[[wire.TokenDigestLen]byte]struct{}{digest: {}})

	var buf bytes.Buffer
	require.NoError(t, wire.Encode(&buf, wire.NewAuthenticate(digest)))

	h.performAuth(&buf)

	assert.True(t, isClosed(h.authOK))
	assert.Empty(t, conn.closedWith)
}

func TestPerformAuth_RejectsUnknownDigest(t *testing.T) {
	h, conn := newTestHandler(map[[wire.TokenDigestLen]byte]struct{}{})

	var buf bytes.Buffer
	require.NoError(t, wire.Encode(&buf, wire.NewAuthenticate(digestOf("wrong"))))

	h.performAuth(&buf)

	assert.False(t, isClosed(h.authOK))
	assert.NotEmpty(t, conn.closedWith)
}

func TestPerformAuth_RejectsNonAuthenticateFirstFrame(t *testing.T) {
	h, conn := newTestHandler(nil)

	var buf bytes.Buffer
	require.NoError(t, wire.Encode(&buf, wire.NewHeartbeat()))

	h.performAuth(&buf)

	assert.False(t, isClosed(h.authOK))
	assert.NotEmpty(t, conn.closedWith)
}

func TestWaitAuthenticated_ReturnsOnceAuthenticated(t *testing.T) {
	h, _ := newTestHandler(nil)
	close(h.authOK)

	err := h.waitAuthenticated(context.Background())
	assert.NoError(t, err)
}

func TestWaitAuthenticated_TimesOutWithUnauthenticatedConnection(t *testing.T) {
	h, _ := newTestHandler(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := h.waitAuthenticated(ctx)
	assert.Error(t, err)
}

func TestHandleDissociate_RemovesAssocAndClosesOrigin(t *testing.T) {
	h, _ := newTestHandler(nil)

	origin, err := bindUDPOrigin()
	require.NoError(t, err)
	h.assocs.GetOrCreate(9, udprelay.Native, func() *assoc {
		return &assoc{origin: origin, mode: udprelay.Native, done: make(chan struct{})}
	})

	h.handleDissociate(9)

	_, ok := h.assocs.Get(9)
	assert.False(t, ok)
}

func TestHandlePacket_QuicModeUsesAddressDirectly(t *testing.T) {
	h, _ := newTestHandler(nil)
	t.Cleanup(func() { h.closeAllAssocs() })

	addr := wire.NewIPAddress(net.IPv4(127, 0, 0, 1), 9)
	cmd := wire.NewPacket(42, 1, 1, 0, &addr, []byte("hello"))

	h.handlePacket(cmd, udprelay.Quic)

	_, ok := h.assocs.Get(42)
	assert.True(t, ok)
	assert.Nil(t, h.assocs.Reassembler(42))
}
