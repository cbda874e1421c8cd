package server

import (
	"context"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// Listener accepts QUIC connections and spawns a ConnHandler per
// connection.
type Listener struct {
	cfg Config
	log *zerolog.Logger
}

func NewListener(cfg Config, log *zerolog.Logger) *Listener {
	return &Listener{cfg: cfg, log: log}
}

// Serve listens on cfg.ListenAddr until ctx is canceled, running one
// ConnHandler goroutine per accepted connection. It returns nil on a clean
// shutdown (ctx canceled) and a non-nil error if the listener itself
// cannot start or dies unexpectedly.
func (l *Listener) Serve(ctx context.Context) error {
	quicListener, err := quic.ListenAddr(l.cfg.ListenAddr, l.cfg.TLSConfig, l.cfg.QUICConfig)
	if err != nil {
		return err
	}
	defer quicListener.Close()

	l.log.Info().Str("addr", l.cfg.ListenAddr).Msg("listening for quic connections")

	go func() {
		<-ctx.Done()
		_ = quicListener.Close()
	}()

	for {
		conn, err := quicListener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go l.serveConn(ctx, conn)
	}
}

func (l *Listener) serveConn(ctx context.Context, conn quic.Connection) {
	remote := conn.RemoteAddr().String()
	log := l.log.With().Str("remote", remote).Logger()

	handler := NewConnHandler(l.cfg, conn, &log)
	if err := handler.Serve(ctx); err != nil {
		log.Debug().Err(err).Msg("connection handler exited")
	}
	_ = conn.CloseWithError(0, "")
}
