package socks

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/tuic-go/tuic/client"
	"github.com/tuic-go/tuic/udprelay"
	"github.com/tuic-go/tuic/wire"
)

// RequestHandler is the functions needed to handle a SOCKS5 command
type RequestHandler interface {
	Handle(*Request, io.ReadWriter) error
}

// Submitter is the one thing a request handler needs from the client
// connection manager: a way to hand it a ProxyRequest. client.Manager
// satisfies this directly.
type Submitter interface {
	Submit(client.ProxyRequest)
}

// StandardRequestHandler translates SOCKS5 commands into ProxyRequests for
// the relay's connection manager (C5), instead of dialing locally.
type StandardRequestHandler struct {
	submitter   Submitter
	nextAssocID atomic.Uint32
}

// NewRequestHandler creates a SOCKS5 request handler that relays CONNECT
// and UDP ASSOCIATE through submitter.
func NewRequestHandler(submitter Submitter) RequestHandler {
	return &StandardRequestHandler{submitter: submitter}
}

// Handle processes and responds to socks5 commands
func (h *StandardRequestHandler) Handle(req *Request, conn io.ReadWriter) error {
	switch req.Command {
	case connectCommand:
		return h.handleConnect(conn, req)
	case associateCommand:
		return h.handleAssociate(conn, req)
	case bindCommand:
		return h.handleBind(conn, req)
	default:
		if err := sendReply(conn, commandNotSupported, nil); err != nil {
			return fmt.Errorf("failed to send reply: %w", err)
		}
		return fmt.Errorf("unsupported command: %v", req.Command)
	}
}

// handleConnect submits a Connect ProxyRequest and, once the relay reports
// success, bidi-copies between the local connection and the returned
// stream until either side closes.
func (h *StandardRequestHandler) handleConnect(conn io.ReadWriter, req *Request) error {
	reply := make(chan client.ConnectResult, 1)
	h.submitter.Submit(client.ConnectRequest{Addr: req.DestAddr.toWireAddress(), Reply: reply})
	result := <-reply

	if result.Err != nil {
		if err := sendReply(conn, classifyConnectError(result.Err), nil); err != nil {
			return fmt.Errorf("failed to send reply: %w", err)
		}
		return fmt.Errorf("connect to %v failed: %w", req.DestAddr, result.Err)
	}
	defer result.Stream.Close()

	if err := sendReply(conn, successReply, nil); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}

	proxyDone := make(chan error, 2)
	go func() {
		_, e := io.Copy(result.Stream, req.bufConn)
		proxyDone <- e
	}()
	go func() {
		_, e := io.Copy(conn, result.Stream)
		proxyDone <- e
	}()

	for i := 0; i < 2; i++ {
		if e := <-proxyDone; e != nil {
			return e
		}
	}
	return nil
}

// classifyConnectError maps a relay dial failure to the closest SOCKS5
// reply code by sniffing the underlying net.OpError/DNSError.
func classifyConnectError(err error) uint8 {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "refused"):
		return connectionRefused
	case strings.Contains(msg, "network is unreachable"):
		return networkUnreachable
	default:
		return hostUnreachable
	}
}

// handleBind is used to handle a bind command.
// TODO: Support bind command
func (h *StandardRequestHandler) handleBind(conn io.ReadWriter, req *Request) error {
	if err := sendReply(conn, commandNotSupported, nil); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// handleAssociate binds a local ephemeral UDP socket, registers a UDP
// association with the relay's connection manager, and pumps datagrams
// between the two: packets the local application sends become Outbound
// relay packets; packets the relay delivers as Inbound are re-encoded as
// SOCKS5 UDP request datagrams back to whichever address last sent one
// (RFC 1928 §7).
func (h *StandardRequestHandler) handleAssociate(conn io.ReadWriter, req *Request) error {
	udpSocket, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		_ = sendReply(conn, generalFailure, nil)
		return fmt.Errorf("failed to bind udp relay socket: %w", err)
	}

	assocID := h.nextAssocID.Add(1)
	inbound := udprelay.NewDropOldestChan[client.InboundPacket](32)
	outbound := udprelay.NewDropOldestChan[client.OutboundPacket](32)
	reply := make(chan client.AssociateResult, 1)
	h.submitter.Submit(client.AssociateRequest{AssocID: assocID, Inbound: inbound, Outbound: outbound, Reply: reply})

	result := <-reply
	if result.Err != nil {
		udpSocket.Close()
		_ = sendReply(conn, generalFailure, nil)
		return fmt.Errorf("associate failed: %w", result.Err)
	}

	local, _ := udpSocket.LocalAddr().(*net.UDPAddr)
	if err := sendReply(conn, successReply, &AddrSpec{IP: local.IP, Port: local.Port}); err != nil {
		udpSocket.Close()
		outbound.Close()
		return fmt.Errorf("failed to send reply: %w", err)
	}

	var clientAddr atomic.Pointer[net.UDPAddr]

	go func() {
		for pkt := range inbound.C() {
			dst := clientAddr.Load()
			if dst == nil {
				continue
			}
			datagram, err := encodeUDPDatagram(pkt.Addr, pkt.Payload)
			if err != nil {
				continue
			}
			_, _ = udpSocket.WriteToUDP(datagram, dst)
		}
	}()

	// The control connection stays open for the association's lifetime
	// (RFC 1928 §7); its closure is what tears the relay side down.
	go func() {
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
		udpSocket.Close()
	}()

	buf := make([]byte, 65536)
	for {
		n, raddr, err := udpSocket.ReadFromUDP(buf)
		if err != nil {
			break
		}
		clientAddr.Store(raddr)

		addr, payload, err := decodeUDPDatagram(buf[:n])
		if err != nil {
			continue
		}
		outbound.Send(client.OutboundPacket{Addr: addr, Payload: payload})
	}
	outbound.Close()
	h.submitter.Submit(client.DissociateRequest{AssocID: assocID})
	return nil
}

// encodeUDPDatagram writes a SOCKS5 UDP request datagram (RFC 1928 §7):
// RSV(2) FRAG(1) then an address in SOCKS5's own tag convention, then
// payload.
func encodeUDPDatagram(addr wire.Address, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0})
	if err := addr.ToSocks5(&buf); err != nil {
		return nil, err
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}

// decodeUDPDatagram parses one SOCKS5 UDP request datagram back into a
// relay address and payload. Fragmented datagrams (FRAG != 0) are rejected;
// the relay protocol this front-end sits in front of has no use for them.
func decodeUDPDatagram(data []byte) (wire.Address, []byte, error) {
	if len(data) < 4 {
		return wire.Address{}, nil, fmt.Errorf("udp datagram too short")
	}
	if data[2] != 0 {
		return wire.Address{}, nil, fmt.Errorf("fragmented udp datagrams not supported")
	}

	r := bytes.NewReader(data[3:])
	addr, err := readAddrSpec(r)
	if err != nil {
		return wire.Address{}, nil, err
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return wire.Address{}, nil, err
	}
	return addr.toWireAddress(), payload, nil
}

func StreamHandler(tunnelConn io.ReadWriter, submitter Submitter, log *zerolog.Logger) {
	requestHandler := NewRequestHandler(submitter)
	socksServer := NewConnectionHandler(requestHandler)

	if err := socksServer.Serve(tunnelConn); err != nil {
		log.Debug().Err(err).Msg("socks stream handler error")
	}
}
