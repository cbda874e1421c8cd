// Package client implements the relay task (C4) and request dispatch (C5):
// a singleton QUIC connection to the server, reconnected lazily and backed
// off exponentially, multiplexing ProxyRequest values from local front-ends
// onto the wire protocol in package wire.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/tuic-go/tuic/quicstream"
	"github.com/tuic-go/tuic/relayerr"
	"github.com/tuic-go/tuic/retry"
	"github.com/tuic-go/tuic/udprelay"
	"github.com/tuic-go/tuic/wire"
)

// Config holds every ClientConfig field from the external interface (§6).
type Config struct {
	ServerAddrs           []string
	TokenDigest           [wire.TokenDigestLen]byte
	HeartbeatInterval     time.Duration // 0 disables
	ReduceRTT             bool
	UDPRelayMode          udprelay.Mode
	RequestTimeout        time.Duration
	MaxUDPRelayPacketSize int

	TLSConfig  *tls.Config
	QUICConfig *quic.Config

	// Observer and Ready are both optional (nil-safe); *metrics.Registry and
	// *metrics.ReadyServer satisfy them respectively (A3).
	Observer Observer
	Ready    ReadySink
}

// Observer receives connection-lifecycle and datagram-drop notifications.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	DroppedDatagram(reason string)
}

// ReadySink receives the client's up/down state for a readiness probe.
type ReadySink interface {
	SetConnected(connected bool)
}

// dialFunc is swapped out in tests so Manager's reconnect/backoff logic can
// be exercised without a real UDP socket.
type dialFunc func(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config) (quic.Connection, error)

func defaultDial(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config) (quic.Connection, error) {
	return quic.DialAddr(ctx, addr, tlsConf, quicConf)
}

// defaultDialEarly opens the connection 0-RTT: the first flight can carry
// the Authenticate stream before the handshake is confirmed, saving the
// round trip reduce_rtt is meant to buy.
func defaultDialEarly(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config) (quic.Connection, error) {
	conn, err := quic.DialAddrEarly(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Manager owns the single active QUIC connection per §4.4: at most one
// QuicConnection exists at a time, and a newly-established one supersedes
// whatever was active atomically.
type Manager struct {
	cfg    Config
	log    *zerolog.Logger
	picker *addrPicker
	dial   dialFunc

	requests chan ProxyRequest

	mu     sync.Mutex
	active *activeConn
}

// activeConn is the Manager's private bookkeeping for the current
// connection. It holds neither the registry's owning Register as a
// permanent slot nor a back-reference that would cycle with quic.Connection
// itself: regTask below is the background receive loop's own handle, Dropped
// when that loop exits, which is what ultimately drives the registry to
// zero and fences off reuse of a dead connection.
type activeConn struct {
	conn     quic.Connection
	regTask  *quicstream.Register
	registry *quicstream.Registry
	assocs   *udprelay.Table[*assocState]
	cancel   context.CancelFunc
}

type assocState struct {
	inbound  *udprelay.DropOldestChan[InboundPacket]
	outbound *udprelay.DropOldestChan[OutboundPacket]
	reg      *quicstream.Register
}

// NewManager builds a Manager. The request channel is bounded per §5
// backpressure: once full, front-end acceptors stall.
func NewManager(cfg Config, log *zerolog.Logger, requestQueueSize int) *Manager {
	dial := defaultDial
	if cfg.ReduceRTT {
		dial = defaultDialEarly
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		picker:   newAddrPicker(cfg.ServerAddrs),
		dial:     dial,
		requests: make(chan ProxyRequest, requestQueueSize),
	}
}

// Submit enqueues req for service by Run. It blocks if the request queue is
// full, which is the front-end backpressure signal described in §5.
func (m *Manager) Submit(req ProxyRequest) {
	m.requests <- req
}

// Run services the request channel until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-m.requests:
			m.handleRequest(ctx, req)
		}
	}
}

func (m *Manager) handleRequest(ctx context.Context, req ProxyRequest) {
	ac, err := m.ensureConnection(ctx)
	if err != nil {
		m.failRequest(req, err)
		return
	}

	switch r := req.(type) {
	case ConnectRequest:
		go m.dispatchConnect(ctx, ac, r)
	case AssociateRequest:
		go m.dispatchAssociate(ac, r)
	case DissociateRequest:
		m.dispatchDissociate(ac, r)
	default:
		m.log.Error().Msgf("unknown proxy request type %T", req)
	}
}

func (m *Manager) failRequest(req ProxyRequest, err error) {
	switch r := req.(type) {
	case ConnectRequest:
		r.Reply <- ConnectResult{Err: err}
	case AssociateRequest:
		r.Reply <- AssociateResult{Err: err}
	case DissociateRequest:
		// No reply channel; nothing in flight to fail.
	}
}

// ensureConnection returns the current connection, establishing one with
// backoff if none is active or the prior one has gone away.
func (m *Manager) ensureConnection(ctx context.Context) (*activeConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		select {
		case <-m.active.conn.Context().Done():
			m.active = nil
		default:
			return m.active, nil
		}
	}

	backoff := retry.BackoffHandler{MaxRetries: 8, RetryForever: false}
	var lastErr error
	for attempt := 0; attempt <= int(backoff.MaxRetries); attempt++ {
		addr := m.picker.Pick()
		ac, err := m.dialOne(ctx, addr)
		if err == nil {
			m.active = ac
			return ac, nil
		}
		lastErr = err
		m.log.Warn().Err(err).Str("addr", addr).Msg("failed to establish relay connection")
		if !backoff.Backoff(ctx) {
			break
		}
	}
	return nil, relayerr.New(relayerr.Handshake, "establishing quic connection", lastErr)
}

func (m *Manager) dialOne(ctx context.Context, addr string) (*activeConn, error) {
	conn, err := m.dial(ctx, addr, m.cfg.TLSConfig, m.cfg.QUICConfig)
	if err != nil {
		return nil, err
	}

	taskCtx, cancel := context.WithCancel(ctx)
	reg := quicstream.NewRegister()
	ac := &activeConn{
		conn:     conn,
		regTask:  reg,
		registry: reg.Registry(),
		assocs:   udprelay.NewTable[*assocState](),
		cancel:   cancel,
	}

	if err := m.authenticate(taskCtx, ac); err != nil {
		cancel()
		_ = conn.CloseWithError(0, "authentication failed")
		return nil, err
	}

	if m.cfg.Observer != nil {
		m.cfg.Observer.ConnectionOpened()
	}
	if m.cfg.Ready != nil {
		m.cfg.Ready.SetConnected(true)
	}

	go m.receiveLoop(taskCtx, ac)
	if m.cfg.HeartbeatInterval > 0 {
		go m.heartbeatLoop(taskCtx, ac)
	}

	return ac, nil
}

// authenticate opens the first stream (0-RTT capable per ReduceRTT) and
// writes the Authenticate command with the configured token digest. There
// is no acknowledgment frame: a bad digest surfaces only as the server
// closing the connection, observed by receiveLoop/conn.Context().Done().
func (m *Manager) authenticate(ctx context.Context, ac *activeConn) error {
	stream, err := ac.conn.OpenStreamSync(ctx)
	if err != nil {
		return relayerr.New(relayerr.Handshake, "opening authentication stream", err)
	}
	defer stream.Close()

	if err := wire.Encode(stream, wire.NewAuthenticate(m.cfg.TokenDigest)); err != nil {
		return relayerr.New(relayerr.Auth, "writing authenticate command", err)
	}
	return nil
}

// receiveLoop accepts unidirectional streams and datagrams from the server
// for the lifetime of the connection, routing Packet commands to their
// association's inbound channel. It holds the connection's background
// Register for as long as it runs.
func (m *Manager) receiveLoop(ctx context.Context, ac *activeConn) {
	defer ac.regTask.Drop()
	defer ac.cancel()
	defer func() {
		if m.cfg.Observer != nil {
			m.cfg.Observer.ConnectionClosed()
		}
		if m.cfg.Ready != nil {
			m.cfg.Ready.SetConnected(false)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.acceptUniStreams(ctx, ac)
	}()
	go func() {
		defer wg.Done()
		m.readDatagrams(ctx, ac)
	}()
	wg.Wait()
}

func (m *Manager) acceptUniStreams(ctx context.Context, ac *activeConn) {
	for {
		stream, err := ac.conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go m.handleInboundPacketCarrier(ac, stream)
	}
}

func (m *Manager) handleInboundPacketCarrier(ac *activeConn, r io.Reader) {
	cmd, err := wire.Decode(r)
	if err != nil {
		m.log.Debug().Err(err).Msg("dropping malformed inbound packet stream")
		m.dropDatagram("decode")
		return
	}
	m.routeInboundPacket(ac, cmd)
}

func (m *Manager) readDatagrams(ctx context.Context, ac *activeConn) {
	for {
		data, err := ac.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		cmd, err := wire.Decode(bytes.NewReader(data))
		if err != nil {
			m.log.Debug().Err(err).Msg("dropping malformed inbound datagram")
			m.dropDatagram("decode")
			continue
		}
		if cmd.Tag == wire.CmdHeartbeat {
			continue
		}
		m.routeInboundPacket(ac, cmd)
	}
}

func (m *Manager) routeInboundPacket(ac *activeConn, cmd wire.Command) {
	if cmd.Tag != wire.CmdPacket {
		return
	}

	reassembler := ac.assocs.Reassembler(cmd.AssocID)
	var (
		payload []byte
		addr    wire.Address
		ok      bool
	)
	if reassembler != nil {
		payload, addr, ok = reassembler.Feed(cmd)
	} else if cmd.PacketAddr != nil {
		payload, addr, ok = cmd.Payload, *cmd.PacketAddr, true
	}
	if !ok {
		return
	}

	state, found := ac.assocs.Get(cmd.AssocID)
	if !found {
		return
	}
	if state.inbound.Send(InboundPacket{Addr: addr, Payload: payload}) {
		m.log.Warn().Uint32("assoc_id", cmd.AssocID).Msg("dropping oldest queued inbound udp packet: receiver not keeping up")
		m.dropDatagram("queue_full")
	}
}

func (m *Manager) dropDatagram(reason string) {
	if m.cfg.Observer != nil {
		m.cfg.Observer.DroppedDatagram(reason)
	}
}

// heartbeatLoop emits Heartbeat datagrams every HeartbeatInterval while the
// connection has at least one live stream or association, queried through
// the registry's reference count. The background receive loop itself holds
// one reference for the connection's lifetime, so "idle" means the count
// has not risen above that baseline.
func (m *Manager) heartbeatLoop(ctx context.Context, ac *activeConn) {
	const backgroundLoopBaseline = 1

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ac.registry.Count() <= backgroundLoopBaseline {
				continue
			}
			if err := ac.conn.SendDatagram(mustEncodeHeartbeat()); err != nil {
				return
			}
		}
	}
}

func mustEncodeHeartbeat() []byte {
	var buf bytes.Buffer
	_ = wire.Encode(&buf, wire.NewHeartbeat())
	return buf.Bytes()
}

// dispatchConnect opens a bi-directional stream, writes the Connect header,
// and hands the duplex to the caller (§4.5). No acknowledgment frame is
// expected; the server signals failure by resetting or closing the stream.
func (m *Manager) dispatchConnect(ctx context.Context, ac *activeConn, req ConnectRequest) {
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	quicStream, err := ac.conn.OpenStreamSync(reqCtx)
	if err != nil {
		req.Reply <- ConnectResult{Err: relayerr.New(relayerr.Timeout, "opening connect stream", err)}
		return
	}

	reg := ac.regTask.Clone()
	stream := quicstream.NewStream(quicStream, m.cfg.RequestTimeout, m.log, reg)

	if err := wire.Encode(stream, wire.NewConnect(req.Addr)); err != nil {
		stream.Close()
		req.Reply <- ConnectResult{Err: relayerr.New(relayerr.Io, "writing connect header", err)}
		return
	}

	req.Reply <- ConnectResult{Stream: stream}
}

// dispatchAssociate registers AssocID in the connection's association
// table and starts the goroutine that serializes Outbound packets to the
// wire per the negotiated udp_relay_mode (§4.3).
func (m *Manager) dispatchAssociate(ac *activeConn, req AssociateRequest) {
	_, created := ac.assocs.GetOrCreate(req.AssocID, m.cfg.UDPRelayMode, func() *assocState {
		return &assocState{inbound: req.Inbound, outbound: req.Outbound, reg: ac.regTask.Clone()}
	})
	if !created {
		req.Reply <- AssociateResult{Err: fmt.Errorf("assoc_id %d already registered", req.AssocID)}
		return
	}

	go m.pumpOutbound(ac, req.AssocID, req.Outbound)
	req.Reply <- AssociateResult{}
}

func (m *Manager) pumpOutbound(ac *activeConn, assocID uint32, outbound *udprelay.DropOldestChan[OutboundPacket]) {
	var pktID uint16
	for pkt := range outbound.C() {
		pktID++
		m.sendOutboundPacket(ac, assocID, pktID, pkt)
	}
}

func (m *Manager) sendOutboundPacket(ac *activeConn, assocID uint32, pktID uint16, pkt OutboundPacket) {
	maxPayload := m.fragmentThreshold()

	switch m.cfg.UDPRelayMode {
	case udprelay.Quic:
		m.sendViaUniStream(ac, assocID, pktID, pkt)
	default:
		m.sendViaDatagram(ac, assocID, pktID, pkt, maxPayload)
	}
}

func (m *Manager) fragmentThreshold() int {
	if m.cfg.MaxUDPRelayPacketSize <= 0 {
		return 1200
	}
	return m.cfg.MaxUDPRelayPacketSize
}

func (m *Manager) sendViaUniStream(ac *activeConn, assocID uint32, pktID uint16, pkt OutboundPacket) {
	stream, err := ac.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		m.log.Warn().Err(err).Uint32("assoc_id", assocID).Msg("failed to open uni-stream for udp packet")
		return
	}
	defer stream.Close()

	addr := pkt.Addr
	cmd := wire.NewPacket(assocID, pktID, 1, 0, &addr, pkt.Payload)
	if err := wire.Encode(stream, cmd); err != nil {
		m.log.Warn().Err(err).Msg("failed to encode udp packet onto uni-stream")
	}
}

func (m *Manager) sendViaDatagram(ac *activeConn, assocID uint32, pktID uint16, pkt OutboundPacket, maxPayload int) {
	addr := pkt.Addr
	headerLen := wire.PacketHeaderLen + addr.EncodedLen()
	budget := maxPayload - headerLen
	if budget <= 0 {
		budget = maxPayload
	}

	if len(pkt.Payload) <= budget {
		m.sendDatagram(ac, wire.NewPacket(assocID, pktID, 1, 0, &addr, pkt.Payload))
		return
	}

	fragTotal := (len(pkt.Payload) + budget - 1) / budget
	for i := 0; i < fragTotal; i++ {
		start := i * budget
		end := start + budget
		if end > len(pkt.Payload) {
			end = len(pkt.Payload)
		}
		var fragAddr *wire.Address
		if i == 0 {
			fragAddr = &addr
		}
		cmd := wire.NewPacket(assocID, pktID, uint8(fragTotal), uint8(i), fragAddr, pkt.Payload[start:end])
		m.sendDatagram(ac, cmd)
	}
}

func (m *Manager) sendDatagram(ac *activeConn, cmd wire.Command) {
	var buf bytes.Buffer
	if err := wire.Encode(&buf, cmd); err != nil {
		m.log.Warn().Err(err).Msg("failed to encode udp packet datagram")
		return
	}
	if err := ac.conn.SendDatagram(buf.Bytes()); err != nil {
		m.log.Warn().Err(err).Msg("failed to send udp packet datagram")
	}
}

func (m *Manager) dispatchDissociate(ac *activeConn, req DissociateRequest) {
	state, ok := ac.assocs.Remove(req.AssocID)
	if !ok {
		return
	}
	state.reg.Drop()

	stream, err := ac.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		m.log.Warn().Err(err).Uint32("assoc_id", req.AssocID).Msg("failed to open uni-stream for dissociate")
		return
	}
	defer stream.Close()
	if err := wire.Encode(stream, wire.NewDissociate(req.AssocID)); err != nil {
		m.log.Warn().Err(err).Msg("failed to encode dissociate onto uni-stream")
	}
}
