package socks

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/tuic-go/tuic/wire"
)

const socks5Version = uint8(5)

// SOCKS5 command codes (RFC 1928 §4).
const (
	connectCommand   = uint8(1)
	bindCommand      = uint8(2)
	associateCommand = uint8(3)
)

// SOCKS5 reply codes (RFC 1928 §6).
const (
	successReply         = uint8(0)
	generalFailure        = uint8(1)
	ruleFailure           = uint8(2)
	networkUnreachable    = uint8(3)
	hostUnreachable       = uint8(4)
	connectionRefused     = uint8(5)
	ttlExpired            = uint8(6)
	commandNotSupported   = uint8(7)
	addrTypeNotSupported  = uint8(8)
)

const (
	addrTypeIPv4   = uint8(1)
	addrTypeFQDN   = uint8(3)
	addrTypeIPv6   = uint8(4)
)

// AddrSpec is a SOCKS5 DST.ADDR/DST.PORT pair: either a literal IP or an
// unresolved domain name, matching the relay's own wire.Address shape so
// the front-end can translate directly between the two.
type AddrSpec struct {
	FQDN string
	IP   net.IP
	Port int
}

func (a *AddrSpec) String() string {
	if a.FQDN != "" {
		return net.JoinHostPort(a.FQDN, strconv.Itoa(a.Port))
	}
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// Address renders the "host:port" form net.Dial accepts.
func (a *AddrSpec) Address() string {
	return a.String()
}

// toWireAddress translates a SOCKS5 address into the relay's own Address,
// the single point of contact between the two address encodings.
func (a *AddrSpec) toWireAddress() wire.Address {
	if a.FQDN != "" {
		return wire.NewDomainAddress(a.FQDN, uint16(a.Port))
	}
	return wire.NewIPAddress(a.IP, uint16(a.Port))
}

// Request is one decoded SOCKS5 client request: CONNECT, BIND, or UDP
// ASSOCIATE, plus whatever of the connection's buffered reader the header
// didn't consume, so the caller can keep streaming application bytes from
// the exact same reader.
type Request struct {
	Version  uint8
	Command  uint8
	DestAddr *AddrSpec
	bufConn  io.Reader
}

// NewRequest parses a SOCKS5 request header (RFC 1928 §4) from r. The
// returned Request's bufConn is r itself, so callers that go on to stream
// payload bytes must keep reading from r, not from whatever wrapped it.
func NewRequest(r io.Reader) (*Request, error) {
	header := []byte{0, 0, 0}
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read request header: %w", err)
	}

	if header[0] != socks5Version {
		return nil, fmt.Errorf("unsupported SOCKS version: %v", header[0])
	}

	dest, err := readAddrSpec(r)
	if err != nil {
		return nil, err
	}

	return &Request{
		Version:  header[0],
		Command:  header[1],
		DestAddr: dest,
		bufConn:  r,
	}, nil
}

func readAddrSpec(r io.Reader) (*AddrSpec, error) {
	addrType := []byte{0}
	if _, err := io.ReadFull(r, addrType); err != nil {
		return nil, fmt.Errorf("failed to read address type: %w", err)
	}

	addr := &AddrSpec{}
	switch addrType[0] {
	case addrTypeIPv4:
		ip := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(r, ip); err != nil {
			return nil, fmt.Errorf("failed to read ipv4 address: %w", err)
		}
		addr.IP = net.IP(ip)

	case addrTypeIPv6:
		ip := make([]byte, net.IPv6len)
		if _, err := io.ReadFull(r, ip); err != nil {
			return nil, fmt.Errorf("failed to read ipv6 address: %w", err)
		}
		addr.IP = net.IP(ip)

	case addrTypeFQDN:
		fqdnLen := []byte{0}
		if _, err := io.ReadFull(r, fqdnLen); err != nil {
			return nil, fmt.Errorf("failed to read fqdn length: %w", err)
		}
		fqdn := make([]byte, fqdnLen[0])
		if _, err := io.ReadFull(r, fqdn); err != nil {
			return nil, fmt.Errorf("failed to read fqdn: %w", err)
		}
		addr.FQDN = string(fqdn)

	default:
		return nil, fmt.Errorf("unrecognized address type: %v", addrType[0])
	}

	port := []byte{0, 0}
	if _, err := io.ReadFull(r, port); err != nil {
		return nil, fmt.Errorf("failed to read port: %w", err)
	}
	addr.Port = int(binary.BigEndian.Uint16(port))

	return addr, nil
}

// sendReply writes a SOCKS5 reply (RFC 1928 §6); addr is the bound address
// reported back to the client, or nil to report 0.0.0.0:0.
func sendReply(w io.Writer, resp uint8, addr *AddrSpec) error {
	var addrType uint8
	var addrBody []byte
	var addrPort uint16

	switch {
	case addr == nil:
		addrType = addrTypeIPv4
		addrBody = []byte{0, 0, 0, 0}
	case addr.FQDN != "":
		addrType = addrTypeFQDN
		addrBody = append([]byte{byte(len(addr.FQDN))}, addr.FQDN...)
		addrPort = uint16(addr.Port)
	case addr.IP.To4() != nil:
		addrType = addrTypeIPv4
		addrBody = addr.IP.To4()
		addrPort = uint16(addr.Port)
	default:
		addrType = addrTypeIPv6
		addrBody = addr.IP.To16()
		addrPort = uint16(addr.Port)
	}

	msg := make([]byte, 0, 6+len(addrBody))
	msg = append(msg, socks5Version, resp, 0, addrType)
	msg = append(msg, addrBody...)
	portBuf := []byte{0, 0}
	binary.BigEndian.PutUint16(portBuf, addrPort)
	msg = append(msg, portBuf...)

	_, err := w.Write(msg)
	return err
}
