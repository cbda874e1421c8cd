// Command tuic-client is the local SOCKS5/HTTP CONNECT front-end: it
// accepts requests on local_addr and relays them over one authenticated
// QUIC connection to a tuic-server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/tuic-go/tuic/client"
	"github.com/tuic-go/tuic/config"
	"github.com/tuic-go/tuic/httpconnect"
	"github.com/tuic-go/tuic/logger"
	"github.com/tuic-go/tuic/metrics"
	tuicsignal "github.com/tuic-go/tuic/signal"
	"github.com/tuic-go/tuic/socks"
	"github.com/tuic-go/tuic/tlsconfig"
	"github.com/tuic-go/tuic/udprelay"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "tuic-client",
		Usage:   "local SOCKS5/HTTP CONNECT front-end for a tuic relay",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "YAML config file (see spec.md §6)"},
			&cli.StringSliceFlag{Name: "server-addr", Usage: "remote relay endpoint, host:port (repeatable)"},
			&cli.StringFlag{Name: "token", Usage: "hex-encoded 32-byte token digest"},
			&cli.StringFlag{Name: "local-addr", Usage: "local SOCKS5/HTTP listener address"},
			&cli.StringFlag{Name: "front-end", Value: "socks5", Usage: "socks5 or http"},
			&cli.DurationFlag{Name: "heartbeat-interval", Value: config.DefaultHeartbeatInterval},
			&cli.BoolFlag{Name: "reduce-rtt", Usage: "use 0-RTT on the initial connection"},
			&cli.StringFlag{Name: "udp-relay-mode", Value: string(config.UDPRelayModeNative), Usage: "native or quic"},
			&cli.DurationFlag{Name: "request-timeout", Value: config.DefaultRequestTimeout},
			&cli.IntFlag{Name: "max-udp-relay-packet-size", Value: config.DefaultMaxUDPRelayPacketSize},
			&cli.StringFlag{Name: "root-ca", Usage: "PEM bundle trusted in addition to the system pool"},
			&cli.BoolFlag{Name: "skip-cert-verify", Usage: "disable certificate verification (insecure)"},
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
	cfg, err := loadClientConfig(c)
	if err != nil {
		return configError{err}
	}

	log := logger.Create(logger.CreateConfig(c.String("log-level"), false, false, c.String("log-file")))

	serverName, _, err := splitServerName(cfg.ServerAddr[0])
	if err != nil {
		return configError{fmt.Errorf("server_addr: %w", err)}
	}
	tlsCfg, err := tlsconfig.ClientTLSConfig(serverName, cfg.RootCA, cfg.SkipCertVerify, log)
	if err != nil {
		return configError{err}
	}

	digest, err := cfg.TokenDigest()
	if err != nil {
		return configError{err}
	}

	registry := metrics.NewRegistry()
	ready := metrics.NewReadyServer()

	relayMode := udprelay.Native
	if cfg.UDPRelayMode == config.UDPRelayModeQuic {
		relayMode = udprelay.Quic
	}

	manager := client.NewManager(client.Config{
		ServerAddrs:           cfg.ServerAddr,
		TokenDigest:           digest,
		HeartbeatInterval:     cfg.HeartbeatInterval.Duration,
		ReduceRTT:             cfg.ReduceRTT,
		UDPRelayMode:          relayMode,
		RequestTimeout:        cfg.RequestTimeout.Duration,
		MaxUDPRelayPacketSize: cfg.MaxUDPRelayPacketSize,
		TLSConfig:             tlsCfg,
		Observer:              registry,
		Ready:                 ready,
	}, log, 64)

	ctx, stop := signalContext()
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return manager.Run(groupCtx) })
	group.Go(func() error { return serveFrontEnd(groupCtx, c.String("front-end"), cfg.LocalAddr, manager, log) })
	if addr := c.String("metrics-addr"); addr != "" {
		group.Go(func() error { return metrics.ServeMetrics(groupCtx, addr, registry, ready, log) })
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveFrontEnd(ctx context.Context, kind, localAddr string, manager *client.Manager, log *zerolog.Logger) error {
	switch kind {
	case "http":
		server := httpconnect.NewServer(localAddr, httpconnect.NewHandler(manager, log))
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	default:
		return socks.NewListener(localAddr, manager, log).Serve(ctx)
	}
}

func loadClientConfig(c *cli.Context) (*config.ClientConfig, error) {
	var cfg config.ClientConfig
	if path := c.String("config"); path != "" {
		loaded, err := config.LoadClientConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}

	if addrs := c.StringSlice("server-addr"); len(addrs) > 0 {
		cfg.ServerAddr = addrs
	}
	if c.IsSet("token") {
		cfg.Token = c.String("token")
	}
	if c.IsSet("local-addr") {
		cfg.LocalAddr = c.String("local-addr")
	}
	if c.IsSet("heartbeat-interval") {
		cfg.HeartbeatInterval.Duration = c.Duration("heartbeat-interval")
	}
	if c.IsSet("reduce-rtt") {
		cfg.ReduceRTT = c.Bool("reduce-rtt")
	}
	if c.IsSet("udp-relay-mode") {
		cfg.UDPRelayMode = config.UDPRelayMode(c.String("udp-relay-mode"))
	}
	if c.IsSet("request-timeout") {
		cfg.RequestTimeout.Duration = c.Duration("request-timeout")
	}
	if c.IsSet("max-udp-relay-packet-size") {
		cfg.MaxUDPRelayPacketSize = c.Int("max-udp-relay-packet-size")
	}
	if c.IsSet("root-ca") {
		cfg.RootCA = c.String("root-ca")
	}
	if c.IsSet("skip-cert-verify") {
		cfg.SkipCertVerify = c.Bool("skip-cert-verify")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitServerName(addr string) (string, string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", "", err
	}
	return host, port, nil
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
