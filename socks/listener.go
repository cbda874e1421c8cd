package socks

import (
	"context"
	"net"

	"github.com/rs/zerolog"
)

// Listener accepts local TCP connections and serves each one as a SOCKS5
// session, submitting Connect/Associate requests to a Submitter (normally
// a *client.Manager) instead of dialing locally.
type Listener struct {
	listenAddr string
	handler    ConnectionHandler
	log        *zerolog.Logger
}

// NewListener builds a Listener bound to listenAddr, relaying through
// submitter.
func NewListener(listenAddr string, submitter Submitter, log *zerolog.Logger) *Listener {
	return &Listener{
		listenAddr: listenAddr,
		handler:    NewConnectionHandler(NewRequestHandler(submitter)),
		log:        log,
	}
}

// Serve listens on listenAddr until ctx is canceled.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.listenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	l.log.Info().Str("addr", l.listenAddr).Msg("listening for socks5 connections")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go l.serveConn(conn)
	}
}

func (l *Listener) serveConn(conn net.Conn) {
	defer conn.Close()
	if err := l.handler.Serve(conn); err != nil {
		l.log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("socks5 connection handler exited")
	}
}
