// Package wire implements the relay's on-the-wire command codec: pure
// encode/decode functions over an io.Reader/io.Writer, with no knowledge of
// QUIC streams, datagrams, or sockets. Callers decide whether the reader is
// a full in-memory buffer (a datagram) or a live stream.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Version is the only wire version this codec accepts. Every frame begins
// with Version followed by a one-byte command tag.
const Version byte = 0x05

type CommandTag byte

const (
	CmdAuthenticate CommandTag = 0x00
	CmdConnect      CommandTag = 0x01
	CmdPacket       CommandTag = 0x02
	CmdDissociate   CommandTag = 0x03
	CmdHeartbeat    CommandTag = 0x04
)

func (t CommandTag) String() string {
	switch t {
	case CmdAuthenticate:
		return "Authenticate"
	case CmdConnect:
		return "Connect"
	case CmdPacket:
		return "Packet"
	case CmdDissociate:
		return "Dissociate"
	case CmdHeartbeat:
		return "Heartbeat"
	default:
		return fmt.Sprintf("CommandTag(0x%02x)", byte(t))
	}
}

// TokenDigestLen is the length of the SHA-256 digest carried by
// Authenticate.
const TokenDigestLen = 32

// PacketHeaderLen is the fixed size, in bytes, of a Packet command's
// version+tag prefix plus its assoc_id/pkt_id/frag_total/frag_id/len
// header — everything encodePacket writes before the optional address and
// payload. Callers budgeting a datagram's payload against a fixed MTU must
// subtract this in addition to the address's own encoded length.
const PacketHeaderLen = 2 + 10

// Command is a tagged union over the five relay commands. Only the fields
// relevant to Tag are populated; callers should switch on Tag rather than
// infer the variant from which fields are non-zero.
type Command struct {
	Tag CommandTag

	TokenDigest [TokenDigestLen]byte // Authenticate

	Addr Address // Connect

	AssocID   uint32   // Packet, Dissociate
	PktID     uint16   // Packet
	FragTotal uint8    // Packet
	FragID    uint8    // Packet
	PacketAddr *Address // Packet; non-nil only when FragID == 0
	Payload   []byte   // Packet
}

func NewAuthenticate(digest [TokenDigestLen]byte) Command {
	return Command{Tag: CmdAuthenticate, TokenDigest: digest}
}

func NewConnect(addr Address) Command {
	return Command{Tag: CmdConnect, Addr: addr}
}

func NewPacket(assocID uint32, pktID uint16, fragTotal, fragID uint8, addr *Address, payload []byte) Command {
	return Command{
		Tag:        CmdPacket,
		AssocID:    assocID,
		PktID:      pktID,
		FragTotal:  fragTotal,
		FragID:     fragID,
		PacketAddr: addr,
		Payload:    payload,
	}
}

func NewDissociate(assocID uint32) Command {
	return Command{Tag: CmdDissociate, AssocID: assocID}
}

func NewHeartbeat() Command {
	return Command{Tag: CmdHeartbeat}
}

// Encode writes cmd's version+tag prefix followed by its payload to w.
func Encode(w io.Writer, cmd Command) error {
	if _, err := w.Write([]byte{Version, byte(cmd.Tag)}); err != nil {
		return err
	}

	switch cmd.Tag {
	case CmdAuthenticate:
		_, err := w.Write(cmd.TokenDigest[:])
		return err

	case CmdConnect:
		return cmd.Addr.Encode(w)

	case CmdPacket:
		return encodePacket(w, cmd)

	case CmdDissociate:
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], cmd.AssocID)
		_, err := w.Write(buf[:])
		return err

	case CmdHeartbeat:
		return nil

	default:
		return fmt.Errorf("wire: cannot encode unknown command tag 0x%02x", byte(cmd.Tag))
	}
}

func encodePacket(w io.Writer, cmd Command) error {
	if cmd.FragID == 0 && cmd.PacketAddr == nil {
		return fmt.Errorf("wire: packet fragment 0 of assoc %d missing its address", cmd.AssocID)
	}
	if cmd.FragID != 0 && cmd.PacketAddr != nil {
		return fmt.Errorf("wire: packet fragment %d of assoc %d must not carry an address", cmd.FragID, cmd.AssocID)
	}

	var head [10]byte
	binary.BigEndian.PutUint32(head[0:4], cmd.AssocID)
	binary.BigEndian.PutUint16(head[4:6], cmd.PktID)
	head[6] = cmd.FragTotal
	head[7] = cmd.FragID
	binary.BigEndian.PutUint16(head[8:10], uint16(len(cmd.Payload)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}

	if cmd.PacketAddr != nil {
		if err := cmd.PacketAddr.Encode(w); err != nil {
			return err
		}
	}

	_, err := w.Write(cmd.Payload)
	return err
}

// Decode reads one command's version+tag prefix plus payload from r. It
// rejects any version other than Version with a BadVersion DecodeError, and
// any tag it doesn't recognize with BadCommand.
func Decode(r io.Reader) (Command, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Command{}, newDecodeError(Truncated, err)
	}
	if prefix[0] != Version {
		return Command{}, &DecodeError{Kind: BadVersion, Tag: prefix[0]}
	}

	tag := CommandTag(prefix[1])
	switch tag {
	case CmdAuthenticate:
		var digest [TokenDigestLen]byte
		if _, err := io.ReadFull(r, digest[:]); err != nil {
			return Command{}, newDecodeError(Truncated, err)
		}
		return NewAuthenticate(digest), nil

	case CmdConnect:
		addr, err := DecodeAddress(r)
		if err != nil {
			return Command{}, err
		}
		return NewConnect(addr), nil

	case CmdPacket:
		return decodePacket(r)

	case CmdDissociate:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Command{}, newDecodeError(Truncated, err)
		}
		return NewDissociate(binary.BigEndian.Uint32(buf[:])), nil

	case CmdHeartbeat:
		return NewHeartbeat(), nil

	default:
		return Command{}, &DecodeError{Kind: BadCommand, Tag: prefix[1]}
	}
}

func decodePacket(r io.Reader) (Command, error) {
	var head [10]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Command{}, newDecodeError(Truncated, err)
	}

	assocID := binary.BigEndian.Uint32(head[0:4])
	pktID := binary.BigEndian.Uint16(head[4:6])
	fragTotal := head[6]
	fragID := head[7]
	payloadLen := binary.BigEndian.Uint16(head[8:10])

	var addr *Address
	if fragID == 0 {
		a, err := DecodeAddress(r)
		if err != nil {
			return Command{}, err
		}
		addr = &a
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Command{}, newDecodeError(Truncated, err)
	}

	return NewPacket(assocID, pktID, fragTotal, fragID, addr, payload), nil
}
