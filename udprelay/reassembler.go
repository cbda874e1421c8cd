package udprelay

import "github.com/tuic-go/tuic/wire"

// Reassembler holds the single in-flight native-mode fragmentation buffer
// for one association. The source protocol doesn't state a pkt_id
// wraparound policy, so a new pkt_id simply replaces whatever reassembly
// was in progress: there is one slot, not a map of pending reassemblies,
// and natural 16-bit collisions are tolerated as a fresh start.
type Reassembler struct {
	active    bool
	pktID     uint16
	fragTotal uint8
	addr      wire.Address
	have      uint8
	frags     [][]byte
}

// Feed applies one Packet command fragment. When the fragment completes a
// packet (either because it arrived whole, or because it was the last
// missing piece of a reassembly), it returns the full payload, the
// destination address carried by fragment 0, and ok=true.
func (r *Reassembler) Feed(cmd wire.Command) (payload []byte, addr wire.Address, ok bool) {
	if cmd.FragTotal <= 1 {
		if cmd.PacketAddr == nil {
			return nil, wire.Address{}, false
		}
		return cmd.Payload, *cmd.PacketAddr, true
	}

	if !r.active || r.pktID != cmd.PktID {
		r.reset(cmd.PktID, cmd.FragTotal)
	}

	if int(cmd.FragID) >= len(r.frags) {
		// Malformed: frag_id must be < frag_total. Abandon the reassembly.
		r.active = false
		return nil, wire.Address{}, false
	}

	if r.frags[cmd.FragID] == nil {
		r.frags[cmd.FragID] = cmd.Payload
		r.have++
	}
	if cmd.FragID == 0 && cmd.PacketAddr != nil {
		r.addr = *cmd.PacketAddr
	}

	if r.have < r.fragTotal {
		return nil, wire.Address{}, false
	}

	total := 0
	for _, f := range r.frags {
		total += len(f)
	}
	full := make([]byte, 0, total)
	for _, f := range r.frags {
		full = append(full, f...)
	}

	addr = r.addr
	r.active = false
	return full, addr, true
}

func (r *Reassembler) reset(pktID uint16, fragTotal uint8) {
	r.active = true
	r.pktID = pktID
	r.fragTotal = fragTotal
	r.have = 0
	r.frags = make([][]byte, fragTotal)
}
