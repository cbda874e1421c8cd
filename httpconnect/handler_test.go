package httpconnect

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuic-go/tuic/client"
	"github.com/tuic-go/tuic/wire"
)

type pipeStream struct {
	net.Conn
}

func (p pipeStream) Close() error { return p.Conn.Close() }

type fakeSubmitter struct {
	addr wire.Address
	err  error
	conn net.Conn
}

func (f *fakeSubmitter) Submit(req client.ProxyRequest) {
	connReq, ok := req.(client.ConnectRequest)
	if !ok {
		return
	}
	f.addr = connReq.Addr
	if f.err != nil {
		connReq.Reply <- client.ConnectResult{Err: f.err}
		return
	}
	connReq.Reply <- client.ConnectResult{Stream: pipeStream{f.conn}}
}

func TestParseHostPort_IPAndDomain(t *testing.T) {
	addr, err := parseHostPort("example.com:443")
	require.NoError(t, err)
	assert.Equal(t, wire.NewDomainAddress("example.com", 443), addr)

	addr, err = parseHostPort("127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, wire.NewIPAddress(net.IPv4(127, 0, 0, 1), 8080), addr)
}

func TestServeConnect_TunnelsAfterSuccessfulDial(t *testing.T) {
	targetClient, targetServer := net.Pipe()
	defer targetServer.Close()

	sub := &fakeSubmitter{conn: targetServer}
	handler := NewHandler(sub, zeroLog())

	server := httptest.NewServer(handler)
	defer server.Close()

	serverAddr := server.Listener.Addr().String()
	conn, err := net.Dial("tcp", serverAddr)
	require.NoError(t, err)
	defer conn.Close()

	req, err := http.NewRequest(http.MethodConnect, "http://upstream.example:443", nil)
	require.NoError(t, err)
	req.Host = "upstream.example:443"
	require.NoError(t, req.Write(conn))

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "200")

	go func() {
		_, _ = conn.Write([]byte("ping"))
	}()
	got := make([]byte, 4)
	_, err = io.ReadFull(targetClient, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	assert.Equal(t, wire.NewDomainAddress("upstream.example", 443), sub.addr)
}

func TestServeConnect_RespondsBadGatewayOnDialFailure(t *testing.T) {
	sub := &fakeSubmitter{err: assertErr("refused")}
	handler := NewHandler(sub, zeroLog())

	server := httptest.NewServer(handler)
	defer server.Close()

	conn, err := net.Dial("tcp", server.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	req, err := http.NewRequest(http.MethodConnect, "http://upstream.example:443", nil)
	require.NoError(t, err)
	req.Host = "upstream.example:443"
	require.NoError(t, req.Write(conn))

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "502")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func zeroLog() *zerolog.Logger {
	log := zerolog.New(bytes.NewBuffer(nil))
	return &log
}
