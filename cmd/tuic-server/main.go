// Command tuic-server terminates QUIC connections from tuic-client and
// fulfils their Connect/Associate requests against the public internet.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/tuic-go/tuic/config"
	"github.com/tuic-go/tuic/logger"
	"github.com/tuic-go/tuic/metrics"
	"github.com/tuic-go/tuic/server"
	tuicsignal "github.com/tuic-go/tuic/signal"
	"github.com/tuic-go/tuic/tlsconfig"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "tuic-server",
		Usage:   "terminates QUIC connections and relays Connect/Associate requests",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "YAML config file (see spec.md §6)"},
			&cli.StringFlag{Name: "listen-addr", Usage: "QUIC listen address, host:port"},
			&cli.StringFlag{Name: "cert", Usage: "path to the server's TLS certificate chain"},
			&cli.StringFlag{Name: "key", Usage: "path to the server's TLS private key"},
			&cli.StringSliceFlag{Name: "token", Usage: "hex-encoded 32-byte accepted token digest (repeatable)"},
			&cli.DurationFlag{Name: "authentication-timeout", Value: config.DefaultAuthenticationTimeout},
			&cli.IntFlag{Name: "max-udp-relay-packet-size", Value: config.DefaultMaxUDPRelayPacketSize},
			&cli.StringFlag{Name: "log-level", Value: "info"},
			&cli.StringFlag{Name: "log-file", Usage: "directory for rolling log files; empty disables file logging"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "bind address for the /metrics and /ready endpoints"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		var cfgErr configError
		if errors.As(err, &cfgErr) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configError marks a startup failure as a configuration problem, mapped
// to exit code 2 per spec.md §6.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func run(c *cli.Context) error {
	cfg, err := loadServerConfig(c)
	if err != nil {
		return configError{err}
	}

	log := logger.Create(logger.CreateConfig(c.String("log-level"), false, false, c.String("log-file")))

	tlsCfg, reloader, err := tlsconfig.ServerTLSConfig(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return configError{err}
	}

	tokens, err := cfg.TokenDigests()
	if err != nil {
		return configError{err}
	}

	registry := metrics.NewRegistry()
	ready := metrics.NewReadyServer()

	listener := server.NewListener(server.Config{
		ListenAddr:            cfg.ListenAddr,
		TLSConfig:             tlsCfg,
		Tokens:                tokens,
		AuthenticationTimeout: cfg.AuthenticationTimeout.Duration,
		MaxUDPRelayPacketSize: cfg.MaxUDPRelayPacketSize,
		Observer:              registry,
	}, log)

	ctx, stop := signalContext()
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		ready.SetConnected(true)
		defer ready.SetConnected(false)
		return listener.Serve(groupCtx)
	})
	group.Go(func() error { return watchReload(groupCtx, reloader, log) })
	if addr := c.String("metrics-addr"); addr != "" {
		group.Go(func() error { return metrics.ServeMetrics(groupCtx, addr, registry, ready, log) })
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// watchReload reloads the TLS certificate on SIGHUP, letting an operator
// rotate a certificate without restarting the relay.
func watchReload(ctx context.Context, reloader *tlsconfig.CertReloader, log *zerolog.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := reloader.Reload(); err != nil {
				log.Error().Err(err).Msg("certificate reload failed, keeping previous certificate")
				continue
			}
			log.Info().Msg("certificate reloaded")
		}
	}
}

func loadServerConfig(c *cli.Context) (*config.ServerConfig, error) {
	var cfg config.ServerConfig
	if path := c.String("config"); path != "" {
		loaded, err := config.LoadServerConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}

	if c.IsSet("listen-addr") {
		cfg.ListenAddr = c.String("listen-addr")
	}
	if c.IsSet("cert") {
		cfg.CertPath = c.String("cert")
	}
	if c.IsSet("key") {
		cfg.KeyPath = c.String("key")
	}
	if tokens := c.StringSlice("token"); len(tokens) > 0 {
		cfg.Token = tokens
	}
	if c.IsSet("authentication-timeout") {
		cfg.AuthenticationTimeout.Duration = c.Duration("authentication-timeout")
	}
	if c.IsSet("max-udp-relay-packet-size") {
		cfg.MaxUDPRelayPacketSize = c.Int("max-udp-relay-packet-size")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// signalContext derives a cancellable context from a shutdownC channel
// routed through tuicsignal.Signal, so a second SIGINT/SIGTERM during a
// stuck shutdown doesn't panic on a closed channel.
func signalContext() (context.Context, context.CancelFunc) {
	shutdownC := make(chan struct{})
	sig := tuicsignal.New(shutdownC)

	osSignals := make(chan os.Signal, 2)
	signal.Notify(osSignals, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-osSignals:
			sig.Notify()
		case <-ctx.Done():
			return
		}
	}()
	go func() {
		<-sig.Wait()
		cancel()
	}()
	return ctx, func() {
		signal.Stop(osSignals)
		cancel()
	}
}
