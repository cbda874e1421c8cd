package udprelay

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuic-go/tuic/wire"
)

func TestReassembler_UnfragmentedPassesThrough(t *testing.T) {
	var r Reassembler
	addr := wire.NewIPAddress(net.ParseIP("127.0.0.1"), 53)
	cmd := wire.NewPacket(1, 1, 1, 0, &addr, []byte("hello"))

	payload, got, ok := r.Feed(cmd)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), payload)
	assert.Equal(t, addr, got)
}

func TestReassembler_ReassemblesInOrder(t *testing.T) {
	var r Reassembler
	addr := wire.NewIPAddress(net.ParseIP("127.0.0.1"), 53)

	_, _, ok := r.Feed(wire.NewPacket(1, 5, 3, 0, &addr, []byte("aa")))
	assert.False(t, ok)
	_, _, ok = r.Feed(wire.NewPacket(1, 5, 3, 1, nil, []byte("bb")))
	assert.False(t, ok)

	payload, got, ok := r.Feed(wire.NewPacket(1, 5, 3, 2, nil, []byte("cc")))
	require.True(t, ok)
	assert.Equal(t, []byte("aabbcc"), payload)
	assert.Equal(t, addr, got)
}

func TestReassembler_ReassemblesOutOfOrder(t *testing.T) {
	var r Reassembler
	addr := wire.NewIPAddress(net.ParseIP("127.0.0.1"), 53)

	_, _, ok := r.Feed(wire.NewPacket(1, 5, 3, 2, nil, []byte("cc")))
	assert.False(t, ok)
	_, _, ok = r.Feed(wire.NewPacket(1, 5, 3, 0, &addr, []byte("aa")))
	assert.False(t, ok)

	payload, got, ok := r.Feed(wire.NewPacket(1, 5, 3, 1, nil, []byte("bb")))
	require.True(t, ok)
	assert.Equal(t, []byte("aabbcc"), payload)
	assert.Equal(t, addr, got)
}

// A new pkt_id replaces whatever reassembly was in progress: there is one
// slot, not a map of pending reassemblies.
func TestReassembler_NewPktIDAbandonsPrior(t *testing.T) {
	var r Reassembler
	addr := wire.NewIPAddress(net.ParseIP("127.0.0.1"), 53)

	_, _, ok := r.Feed(wire.NewPacket(1, 5, 3, 0, &addr, []byte("aa")))
	assert.False(t, ok)

	// A different pkt_id arrives before pkt 5 completes: 5's partial state
	// is abandoned, and 6 starts fresh.
	_, _, ok = r.Feed(wire.NewPacket(1, 6, 2, 0, &addr, []byte("xx")))
	assert.False(t, ok)

	payload, _, ok := r.Feed(wire.NewPacket(1, 6, 2, 1, nil, []byte("yy")))
	require.True(t, ok)
	assert.Equal(t, []byte("xxyy"), payload)

	// The late fragment for the abandoned pkt_id 5 cannot complete it
	// anymore: it is treated as the start of a new (incomplete) attempt.
	_, _, ok = r.Feed(wire.NewPacket(1, 5, 3, 1, nil, []byte("bb")))
	assert.False(t, ok)
}

func TestReassembler_RejectsOutOfRangeFragID(t *testing.T) {
	var r Reassembler
	_, _, ok := r.Feed(wire.NewPacket(1, 5, 2, 5, nil, []byte("bad")))
	assert.False(t, ok)
}
