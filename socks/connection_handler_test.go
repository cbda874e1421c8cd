package socks

import (
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"

	"github.com/tuic-go/tuic/client"
)

// localDialSubmitter answers Connect requests by dialing the target
// directly over a real local TCP connection, standing in for the relay so
// the full SOCKS5 listen -> parse -> submit -> stream path can be exercised
// without a QUIC connection.
type localDialSubmitter struct{}

func (localDialSubmitter) Submit(req client.ProxyRequest) {
	connReq, ok := req.(client.ConnectRequest)
	if !ok {
		return
	}
	conn, err := net.Dial("tcp", connReq.Addr.ToDialAddr())
	if err != nil {
		connReq.Reply <- client.ConnectResult{Err: err}
		return
	}
	connReq.Reply <- client.ConnectResult{Stream: conn}
}

func startTestServer(t *testing.T, listenAddr string, httpHandler func(w http.ResponseWriter, r *http.Request)) {
	requestHandler := NewRequestHandler(localDialSubmitter{})
	socksServer := NewConnectionHandler(requestHandler)
	listener, err := net.Listen("tcp", listenAddr)
	require.NoError(t, err)

	go func() {
		defer listener.Close()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go socksServer.Serve(conn)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/", httpHandler)
	go http.ListenAndServe("localhost:18085", mux)
}

func okJSONHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func TestSocksConnection(t *testing.T) {
	startTestServer(t, "localhost:18086", okJSONHandler)
	time.Sleep(100 * time.Millisecond)

	dialer, err := proxy.SOCKS5("tcp", "127.0.0.1:18086", nil, proxy.Direct)
	require.NoError(t, err)

	httpTransport := &http.Transport{Dial: dialer.Dial}
	httpClient := &http.Client{Transport: httpTransport}

	resp, err := httpClient.Get("http://127.0.0.1:18085")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ok")
}
