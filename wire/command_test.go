package wire

import (
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, cmd Command) Command {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, cmd))
	got, err := Decode(&buf)
	require.NoError(t, err)
	return got
}

func TestAddress_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		addr Address
	}{
		{"domain", NewDomainAddress("example.com", 443)},
		{"domain empty host", NewDomainAddress("", 443)},
		{"domain one byte host", NewDomainAddress("a", 443)},
		{"domain max length host", NewDomainAddress(strings.Repeat("a", 0xff), 443)},
		{"v4", NewIPAddress(net.ParseIP("127.0.0.1"), 1337)},
		{"v6", NewIPAddress(net.ParseIP("2001:db8::68"), 1337)},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, test.addr.Encode(&buf))
			got, err := DecodeAddress(&buf)
			require.NoError(t, err)
			assert.Equal(t, test.addr.Kind, got.Kind)
			assert.Equal(t, test.addr.Port, got.Port)
			if test.addr.Kind == AddrDomainName {
				assert.Equal(t, test.addr.Host, got.Host)
			} else {
				assert.True(t, test.addr.IP.Equal(got.IP))
			}
		})
	}
}

func TestAddress_EncodeRejectsHostOverMaxLength(t *testing.T) {
	addr := NewDomainAddress(strings.Repeat("a", 0x100), 443)
	var buf bytes.Buffer
	assert.Error(t, addr.Encode(&buf))
}

func TestAddress_BadTag(t *testing.T) {
	_, err := DecodeAddress(bytes.NewReader([]byte{0x7f}))
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, BadAddress, decodeErr.Kind)
}

func TestCommand_AuthenticateRoundTrip(t *testing.T) {
	var digest [TokenDigestLen]byte
	for i := range digest {
		digest[i] = byte(i)
	}
	got := roundTrip(t, NewAuthenticate(digest))
	assert.Equal(t, CmdAuthenticate, got.Tag)
	assert.Equal(t, digest, got.TokenDigest)
}

func TestCommand_ConnectRoundTrip(t *testing.T) {
	addr := NewDomainAddress("example.com", 8080)
	got := roundTrip(t, NewConnect(addr))
	assert.Equal(t, CmdConnect, got.Tag)
	assert.Equal(t, addr, got.Addr)
}

func TestCommand_PacketRoundTrip_FirstFragmentCarriesAddress(t *testing.T) {
	addr := NewIPAddress(net.ParseIP("127.0.0.1"), 53)
	cmd := NewPacket(42, 7, 1, 0, &addr, []byte("hello"))
	got := roundTrip(t, cmd)

	assert.Equal(t, CmdPacket, got.Tag)
	assert.EqualValues(t, 42, got.AssocID)
	assert.EqualValues(t, 7, got.PktID)
	assert.EqualValues(t, 1, got.FragTotal)
	assert.EqualValues(t, 0, got.FragID)
	require.NotNil(t, got.PacketAddr)
	assert.Equal(t, addr.Kind, got.PacketAddr.Kind)
	assert.Equal(t, []byte("hello"), got.Payload)
}

func TestCommand_PacketRoundTrip_NonFirstFragmentHasNoAddress(t *testing.T) {
	cmd := NewPacket(42, 7, 3, 1, nil, []byte("world"))
	got := roundTrip(t, cmd)

	assert.Nil(t, got.PacketAddr)
	assert.Equal(t, []byte("world"), got.Payload)
}

func TestCommand_PacketEncode_RejectsMissingAddressOnFirstFragment(t *testing.T) {
	cmd := NewPacket(1, 1, 1, 0, nil, []byte("x"))
	var buf bytes.Buffer
	assert.Error(t, Encode(&buf, cmd))
}

func TestCommand_PacketEncode_RejectsAddressOnLaterFragment(t *testing.T) {
	addr := NewIPAddress(net.ParseIP("127.0.0.1"), 53)
	cmd := NewPacket(1, 1, 2, 1, &addr, []byte("x"))
	var buf bytes.Buffer
	assert.Error(t, Encode(&buf, cmd))
}

func TestCommand_DissociateRoundTrip(t *testing.T) {
	got := roundTrip(t, NewDissociate(9001))
	assert.Equal(t, CmdDissociate, got.Tag)
	assert.EqualValues(t, 9001, got.AssocID)
}

func TestCommand_HeartbeatRoundTrip(t *testing.T) {
	got := roundTrip(t, NewHeartbeat())
	assert.Equal(t, CmdHeartbeat, got.Tag)
}

func TestDecode_RejectsBadVersion(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{0x04, byte(CmdHeartbeat)}))
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, BadVersion, decodeErr.Kind)
}

func TestDecode_RejectsBadCommandTag(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{Version, 0x7f}))
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, BadCommand, decodeErr.Kind)
	assert.EqualValues(t, 0x7f, decodeErr.Tag)
}

func TestDecode_RejectsTruncatedFrame(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{Version}))
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, Truncated, decodeErr.Kind)
}

func TestAddress_ToSocks5UsesDistinctTags(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewDomainAddress("example.com", 80).ToSocks5(&buf))
	assert.Equal(t, Socks5AddrDomain, buf.Bytes()[0])

	buf.Reset()
	require.NoError(t, NewIPAddress(net.ParseIP("127.0.0.1"), 80).ToSocks5(&buf))
	assert.Equal(t, Socks5AddrV4, buf.Bytes()[0])

	buf.Reset()
	require.NoError(t, NewIPAddress(net.ParseIP("2001:db8::68"), 80).ToSocks5(&buf))
	assert.Equal(t, Socks5AddrV6, buf.Bytes()[0])
}

func TestFromSocks5Tag(t *testing.T) {
	kind, ok := FromSocks5Tag(Socks5AddrDomain)
	require.True(t, ok)
	assert.Equal(t, AddrDomainName, kind)

	_, ok = FromSocks5Tag(0x7f)
	assert.False(t, ok)
}
