package server

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/tuic-go/tuic/relayerr"
	"github.com/tuic-go/tuic/wire"
)

// dialTCP resolves and dials addr (fqdn resolution through the system
// resolver, exactly as a plain net.Dialer does) for a Connect command.
func dialTCP(ctx context.Context, addr wire.Address) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.ToDialAddr())
	if err != nil {
		return nil, relayerr.New(relayerr.Dial, "dialing connect target "+addr.String(), err)
	}
	return conn, nil
}

// bidiCopy pumps both directions between a and b until either side closes
// or errors, then closes both. It is the C7 "bidi-copy" for Connect.
func bidiCopy(a, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	_ = a.Close()
	_ = b.Close()
	<-done
}

// udpOrigin is the ephemeral dual-stack socket C7 binds per UDP
// association, held for the association's lifetime.
type udpOrigin struct {
	conn *net.UDPConn
}

func bindUDPOrigin() (*udpOrigin, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, relayerr.New(relayerr.Dial, "binding udp origin socket", err)
	}
	return &udpOrigin{conn: conn}, nil
}

func (o *udpOrigin) SendTo(addr wire.Address, payload []byte) error {
	dst, err := net.ResolveUDPAddr("udp", addr.ToDialAddr())
	if err != nil {
		return relayerr.New(relayerr.Dial, "resolving udp destination "+addr.String(), err)
	}
	_, err = o.conn.WriteTo(payload, dst)
	return err
}

// ReadFrom blocks for the next reply until deadline; it returns the
// payload and the address it arrived from (promoted to a wire.Address so
// the caller can embed it directly in an outgoing Packet command).
func (o *udpOrigin) ReadFrom(buf []byte, deadline time.Time) (int, wire.Address, error) {
	if err := o.conn.SetReadDeadline(deadline); err != nil {
		return 0, wire.Address{}, err
	}
	n, raddr, err := o.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, wire.Address{}, err
	}
	return n, wire.NewIPAddress(raddr.IP, uint16(raddr.Port)), nil
}

func (o *udpOrigin) Close() error {
	return o.conn.Close()
}
