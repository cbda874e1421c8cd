package client

import (
	"io"

	"github.com/tuic-go/tuic/udprelay"
	"github.com/tuic-go/tuic/wire"
)

// ProxyRequest is the client-internal message a front-end (socks5,
// httpconnect) sends to the Manager: a tagged variant of Connect,
// Associate, or Dissociate. Handlers hold only the send side of Requests
// plus a reply-once channel; the Manager is the sole owner of the QUIC
// connection, which is what keeps the relay task and its callers from
// forming a reference cycle.
type ProxyRequest interface {
	isProxyRequest()
}

// ConnectRequest asks the Manager to open a bi-directional stream to Addr
// and hand back the duplex, already positioned past the Connect header.
type ConnectRequest struct {
	Addr  wire.Address
	Reply chan<- ConnectResult
}

func (ConnectRequest) isProxyRequest() {}

type ConnectResult struct {
	Stream io.ReadWriteCloser
	Err    error
}

// AssociateRequest registers a UDP association. Inbound delivers Packet
// payloads the relay task received from the server for this AssocID;
// Outbound carries payloads the caller wants relayed to Addr, serialized
// to the wire per the connection's negotiated udp_relay_mode.
type AssociateRequest struct {
	AssocID  uint32
	Inbound  *udprelay.DropOldestChan[InboundPacket]
	Outbound *udprelay.DropOldestChan[OutboundPacket]
	Reply    chan<- AssociateResult
}

func (AssociateRequest) isProxyRequest() {}

type AssociateResult struct {
	Err error
}

// InboundPacket is one reassembled UDP payload arriving from the server,
// with the address it was reported to come from.
type InboundPacket struct {
	Addr    wire.Address
	Payload []byte
}

// OutboundPacket is one UDP payload a front-end wants relayed to Addr.
type OutboundPacket struct {
	Addr    wire.Address
	Payload []byte
}

// DissociateRequest tears down a UDP association.
type DissociateRequest struct {
	AssocID uint32
}

func (DissociateRequest) isProxyRequest() {}
