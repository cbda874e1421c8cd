// Package httpconnect implements the local HTTP CONNECT / forward-proxy
// front-end (A6): an http.Handler that establishes tunnels through the
// relay's connection manager instead of dialing locally, the HTTP sibling
// of the socks package's SOCKS5 front-end.
package httpconnect

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tuic-go/tuic/client"
	"github.com/tuic-go/tuic/wire"
)

// Submitter is the one thing this handler needs from the client connection
// manager: a way to hand it a ProxyRequest. client.Manager satisfies this
// directly.
type Submitter interface {
	Submit(client.ProxyRequest)
}

// Handler implements http.Handler, serving both CONNECT tunnels (used by
// browsers and most HTTP clients for TLS) and plain forward-proxied
// requests (GET/POST/... with an absolute-URI request line).
type Handler struct {
	submitter Submitter
	log       *zerolog.Logger
}

func NewHandler(submitter Submitter, log *zerolog.Logger) *Handler {
	return &Handler{submitter: submitter, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.serveConnect(w, r)
		return
	}
	h.serveForward(w, r)
}

// serveConnect hijacks the client connection and bidi-copies it with the
// stream the relay opens to r.Host, writing back a 200 as soon as the relay
// hands back an open stream (RFC 7231 §4.3.6); the relay sends no separate
// confirmation that the target is reachable.
func (h *Handler) serveConnect(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connection hijacking not supported", http.StatusInternalServerError)
		return
	}

	addr, err := parseHostPort(r.Host)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reply := make(chan client.ConnectResult, 1)
	h.submitter.Submit(client.ConnectRequest{Addr: addr, Reply: reply})
	result := <-reply

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		h.log.Debug().Err(err).Msg("failed to hijack connect request")
		return
	}
	defer clientConn.Close()

	if result.Err != nil {
		_, _ = clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer result.Stream.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	bidiCopy(clientConn, result.Stream)
}

// serveForward handles a plain (non-CONNECT) proxied request: open a
// stream to the request's host, replay the request line onto it, and copy
// the response back. Used by HTTP clients that forward-proxy plaintext
// HTTP rather than always tunneling with CONNECT.
func (h *Handler) serveForward(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if r.URL.Host != "" {
		host = r.URL.Host
	}
	addr, err := parseHostPort(host)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reply := make(chan client.ConnectResult, 1)
	h.submitter.Submit(client.ConnectRequest{Addr: addr, Reply: reply})
	result := <-reply
	if result.Err != nil {
		http.Error(w, result.Err.Error(), http.StatusBadGateway)
		return
	}
	defer result.Stream.Close()

	if err := r.Write(result.Stream); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(result.Stream), r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func parseHostPort(hostport string) (wire.Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return wire.Address{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return wire.Address{}, err
	}
	if ip := net.ParseIP(host); ip != nil {
		return wire.NewIPAddress(ip, uint16(port)), nil
	}
	return wire.NewDomainAddress(host, uint16(port)), nil
}

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

// NewServer builds the front-end's http.Server with timeouts sized for a
// local proxy loop rather than a public-facing listener.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
