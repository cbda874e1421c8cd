package server

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/tuic-go/tuic/relayerr"
	"github.com/tuic-go/tuic/udprelay"
	"github.com/tuic-go/tuic/wire"
)

// state is the connection lifecycle from §4.6: New -> Authenticating ->
// Ready -> Closed, with no return path.
type state int32

const (
	stateNew state = iota
	stateAuthenticating
	stateReady
	stateClosed
)

// assoc is the server's per-association bookkeeping: the bound origin
// socket and which transport (native datagrams or quic uni-streams) the
// client used when it first established this association, so replies go
// back out the same way.
type assoc struct {
	origin *udpOrigin
	mode   udprelay.Mode
	done   chan struct{}
}

// ConnHandler runs the per-connection authentication gate and dispatch
// loop described in §4.6: an errgroup-style fan-out over bi-streams,
// uni-streams, and datagrams, gated on a single Authenticate command.
type ConnHandler struct {
	cfg  Config
	conn quic.Connection
	log  *zerolog.Logger
	id   string

	authOnce sync.Once
	authOK   chan struct{}

	assocs *udprelay.Table[*assoc]
}

func NewConnHandler(cfg Config, conn quic.Connection, log *zerolog.Logger) *ConnHandler {
	id := uuid.NewString()
	return &ConnHandler{
		cfg:    cfg,
		conn:   conn,
		log:    log,
		id:     id,
		authOK: make(chan struct{}),
		assocs: udprelay.NewTable[*assoc](),
	}
}

// Serve runs until the connection ends, returning the reason. It starts
// the authentication timer, accepts bi-streams, uni-streams, and
// datagrams concurrently, and tears down every association's socket on
// exit (§4.6 step 5).
func (h *ConnHandler) Serve(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer h.closeAllAssocs()

	if h.cfg.Observer != nil {
		h.cfg.Observer.ConnectionOpened()
		defer h.cfg.Observer.ConnectionClosed()
	}

	if h.cfg.Observer != nil {
		h.cfg.Observer.AuthStarted(h.id)
	}

	authTimer := time.AfterFunc(h.cfg.AuthenticationTimeout, func() {
		h.authOnce.Do(func() {
			h.log.Warn().Msg("closing connection: no authenticate command within timeout")
			if h.cfg.Observer != nil {
				h.cfg.Observer.AuthFailure()
				h.cfg.Observer.AuthFinished(h.id, false)
			}
			_ = h.conn.CloseWithError(0, "authentication timeout")
			cancel()
		})
	})
	defer authTimer.Stop()

	var wg sync.WaitGroup
	errOnce := sync.Once{}
	var firstErr error
	reportErr := func(err error) {
		if err == nil {
			return
		}
		errOnce.Do(func() { firstErr = err })
		cancel()
	}

	wg.Add(3)
	go func() { defer wg.Done(); reportErr(h.acceptBiStreams(connCtx)) }()
	go func() { defer wg.Done(); reportErr(h.acceptUniStreams(connCtx)) }()
	go func() { defer wg.Done(); reportErr(h.readDatagrams(connCtx)) }()

	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return connCtx.Err()
}

func (h *ConnHandler) closeAllAssocs() {
	h.assocs.Range(func(_ uint32, a *assoc) {
		close(a.done)
		_ = a.origin.Close()
		if h.cfg.Observer != nil {
			h.cfg.Observer.AssociationClosed()
		}
	})
}

// waitAuthenticated blocks until the connection has authenticated or ctx
// ends first, whichever comes first — the authentication timeout path.
func (h *ConnHandler) waitAuthenticated(ctx context.Context) error {
	select {
	case <-h.authOK:
		return nil
	case <-ctx.Done():
		return relayerr.New(relayerr.Timeout, "waiting for authentication", ctx.Err())
	}
}

func (h *ConnHandler) acceptBiStreams(ctx context.Context) error {
	for {
		stream, err := h.conn.AcceptStream(ctx)
		if err != nil {
			return nil
		}
		go h.handleStreamCarrier(ctx, stream, stream)
	}
}

func (h *ConnHandler) acceptUniStreams(ctx context.Context) error {
	for {
		stream, err := h.conn.AcceptUniStream(ctx)
		if err != nil {
			return nil
		}
		go h.handleStreamCarrier(ctx, stream, nil)
	}
}

// handleStreamCarrier is reached for every accepted bi- or uni-stream.
// Whichever physical stream the connection accepts FIRST (of either kind)
// is claimed as the Authenticate carrier; every later stream instead waits
// for authentication before being dispatched on its own protocol.
func (h *ConnHandler) handleStreamCarrier(ctx context.Context, r io.Reader, bi quic.Stream) {
	claimed := false
	h.authOnce.Do(func() {
		claimed = true
		h.performAuth(r)
	})
	if claimed {
		return
	}

	if err := h.waitAuthenticated(ctx); err != nil {
		return
	}

	if bi != nil {
		h.handleBiStream(ctx, bi)
	} else {
		h.handleUniStream(r)
	}
}

func (h *ConnHandler) performAuth(r io.Reader) {
	cmd, err := wire.Decode(r)
	if err != nil || cmd.Tag != wire.CmdAuthenticate {
		h.log.Warn().Err(err).Msg("closing connection: first stream did not carry Authenticate")
		if h.cfg.Observer != nil {
			h.cfg.Observer.AuthFinished(h.id, false)
		}
		_ = h.conn.CloseWithError(0, "expected authenticate")
		return
	}
	if !h.cfg.Authenticated(cmd.TokenDigest) {
		h.log.Warn().Msg("closing connection: bad token digest")
		if h.cfg.Observer != nil {
			h.cfg.Observer.AuthFailure()
			h.cfg.Observer.AuthFinished(h.id, false)
		}
		_ = h.conn.CloseWithError(0, "bad token")
		return
	}
	if h.cfg.Observer != nil {
		h.cfg.Observer.AuthFinished(h.id, true)
	}
	close(h.authOK)
}

// handleBiStream decodes the one header command a Connect bi-stream
// carries and bidi-copies until either side closes.
func (h *ConnHandler) handleBiStream(ctx context.Context, stream quic.Stream) {
	cmd, err := wire.Decode(stream)
	if err != nil {
		stream.CancelRead(0)
		_ = stream.Close()
		return
	}
	if cmd.Tag != wire.CmdConnect {
		stream.CancelRead(0)
		_ = stream.Close()
		return
	}

	target, err := dialTCP(ctx, cmd.Addr)
	if err != nil {
		h.log.Debug().Err(err).Str("addr", cmd.Addr.String()).Msg("failed to dial connect target")
		_ = stream.Close()
		return
	}

	if h.cfg.Observer != nil {
		h.cfg.Observer.StreamOpened()
		defer h.cfg.Observer.StreamClosed()
	}
	bidiCopy(streamReadWriteCloser{stream}, target)
}

// streamReadWriteCloser adapts quic.Stream to io.ReadWriteCloser without
// exposing the rest of its surface to bidiCopy.
type streamReadWriteCloser struct {
	quic.Stream
}

// handleUniStream decodes one Packet or Dissociate command from a
// unidirectional stream (the "quic" UDP transport mode).
func (h *ConnHandler) handleUniStream(r io.Reader) {
	cmd, err := wire.Decode(r)
	if err != nil {
		h.dropDatagram("decode")
		return
	}

	switch cmd.Tag {
	case wire.CmdPacket:
		h.handlePacket(cmd, udprelay.Quic)
	case wire.CmdDissociate:
		h.handleDissociate(cmd.AssocID)
	}
}

func (h *ConnHandler) readDatagrams(ctx context.Context) error {
	for {
		data, err := h.conn.ReceiveDatagram(ctx)
		if err != nil {
			return nil
		}
		if err := h.waitAuthenticated(ctx); err != nil {
			continue
		}
		cmd, err := wire.Decode(bytes.NewReader(data))
		if err != nil {
			h.dropDatagram("decode")
			continue
		}
		switch cmd.Tag {
		case wire.CmdPacket:
			h.handlePacket(cmd, udprelay.Native)
		case wire.CmdHeartbeat:
			// No-op beyond keepalive: receiving it already reset the
			// QUIC idle timer.
		}
	}
}

// handlePacket reassembles (native mode) or passes through (quic mode) one
// outbound UDP payload, lazily binding the association's origin socket and
// starting its reply pump on first sight of a new assoc_id.
func (h *ConnHandler) handlePacket(cmd wire.Command, mode udprelay.Mode) {
	a, created := h.assocs.GetOrCreate(cmd.AssocID, mode, func() *assoc {
		origin, err := bindUDPOrigin()
		if err != nil {
			h.log.Warn().Err(err).Uint32("assoc_id", cmd.AssocID).Msg("failed to bind udp origin")
			return &assoc{origin: nil, mode: mode, done: make(chan struct{})}
		}
		return &assoc{origin: origin, mode: mode, done: make(chan struct{})}
	})
	if a.origin == nil {
		return
	}
	if created {
		if h.cfg.Observer != nil {
			h.cfg.Observer.AssociationOpened()
		}
		go h.pumpReplies(cmd.AssocID, a)
	}

	var (
		payload []byte
		addr    wire.Address
		ok      bool
	)
	if reassembler := h.assocs.Reassembler(cmd.AssocID); reassembler != nil {
		payload, addr, ok = reassembler.Feed(cmd)
	} else if cmd.PacketAddr != nil {
		payload, addr, ok = cmd.Payload, *cmd.PacketAddr, true
	}
	if !ok {
		// Fragmented packet still incomplete, or a malformed frag_id that
		// abandoned reassembly; neither is a single droppable datagram.
		return
	}

	if err := a.origin.SendTo(addr, payload); err != nil {
		h.log.Debug().Err(err).Uint32("assoc_id", cmd.AssocID).Msg("failed to relay udp payload to target")
	}
}

// pumpReplies reads datagrams back from the origin socket until the
// association is torn down, emitting each as a Packet command back to the
// client on whichever transport the assoc was created with.
func (h *ConnHandler) pumpReplies(assocID uint32, a *assoc) {
	buf := make([]byte, 65536)
	var pktID uint16
	for {
		select {
		case <-a.done:
			return
		default:
		}

		n, addr, err := a.origin.ReadFrom(buf, time.Now().Add(2*time.Second))
		if err != nil {
			continue
		}
		pktID++
		h.sendReply(assocID, pktID, addr, buf[:n], a.mode)
	}
}

func (h *ConnHandler) sendReply(assocID uint32, pktID uint16, addr wire.Address, payload []byte, mode udprelay.Mode) {
	maxPayload := h.cfg.MaxUDPRelayPacketSize
	if maxPayload <= 0 {
		maxPayload = 1200
	}

	cmd := wire.NewPacket(assocID, pktID, 1, 0, &addr, payload)

	if mode == udprelay.Quic {
		stream, err := h.conn.OpenUniStreamSync(context.Background())
		if err != nil {
			return
		}
		defer stream.Close()
		_ = wire.Encode(stream, cmd)
		return
	}

	var buf bytes.Buffer
	if err := wire.Encode(&buf, cmd); err != nil || buf.Len() <= maxPayload {
		if err == nil {
			_ = h.conn.SendDatagram(buf.Bytes())
		}
		return
	}
	// Oversized reply: fragment the same way the client does (§4.3).
	h.sendFragmentedReply(assocID, pktID, addr, payload, maxPayload)
}

func (h *ConnHandler) sendFragmentedReply(assocID uint32, pktID uint16, addr wire.Address, payload []byte, maxPayload int) {
	budget := maxPayload - wire.PacketHeaderLen - addr.EncodedLen()
	if budget <= 0 {
		budget = maxPayload
	}
	fragTotal := (len(payload) + budget - 1) / budget
	for i := 0; i < fragTotal; i++ {
		start := i * budget
		end := start + budget
		if end > len(payload) {
			end = len(payload)
		}
		var fragAddr *wire.Address
		if i == 0 {
			fragAddr = &addr
		}
		cmd := wire.NewPacket(assocID, pktID, uint8(fragTotal), uint8(i), fragAddr, payload[start:end])
		var buf bytes.Buffer
		if err := wire.Encode(&buf, cmd); err != nil {
			return
		}
		_ = h.conn.SendDatagram(buf.Bytes())
	}
}

func (h *ConnHandler) handleDissociate(assocID uint32) {
	if a, ok := h.assocs.Remove(assocID); ok {
		close(a.done)
		_ = a.origin.Close()
		if h.cfg.Observer != nil {
			h.cfg.Observer.AssociationClosed()
		}
	}
}

func (h *ConnHandler) dropDatagram(reason string) {
	if h.cfg.Observer != nil {
		h.cfg.Observer.DroppedDatagram(reason)
	}
}
