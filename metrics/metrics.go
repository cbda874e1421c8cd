// Package metrics exposes Prometheus counters and gauges for connection,
// stream, and association lifecycle events. It is a frozen, orthogonal
// collaborator the client and server packages call into, never the other
// way around.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const defaultShutdownTimeout = 5 * time.Second

// Registry holds every metric this repo exports and the prometheus.Registry
// they're registered against. A single Registry is shared by a client or
// server process and its connection handler(s).
type Registry struct {
	reg *prometheus.Registry

	activeConnections  prometheus.Gauge
	activeStreams      prometheus.Gauge
	activeAssociations prometheus.Gauge
	droppedDatagrams   *prometheus.CounterVec
	authFailures       prometheus.Counter
	authLatency        *prometheus.HistogramVec

	authTimer *Timer
}

// NewRegistry builds a Registry with all metrics registered against a fresh
// prometheus.Registry (not the global DefaultRegisterer, so client and
// server metrics never collide when both run in the same test binary).
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tuic_active_connections",
			Help: "Number of active QUIC connections.",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tuic_active_streams",
			Help: "Number of open bidirectional relay streams.",
		}),
		activeAssociations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tuic_active_associations",
			Help: "Number of open UDP associations.",
		}),
		droppedDatagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tuic_dropped_datagrams_total",
			Help: "UDP relay datagrams dropped, by reason.",
		}, []string{"reason"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tuic_auth_failures_total",
			Help: "Authenticate commands rejected for an unknown digest or timeout.",
		}),
		authLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tuic_auth_latency_seconds",
			Help:    "Time from connection accept to the Authenticate outcome, by result.",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
	}
	r.authTimer = NewTimer(r.authLatency, time.Second, "result")

	r.reg.MustRegister(
		r.activeConnections,
		r.activeStreams,
		r.activeAssociations,
		r.droppedDatagrams,
		r.authFailures,
		r.authLatency,
	)
	return r
}

func (r *Registry) ConnectionOpened() { r.activeConnections.Inc() }
func (r *Registry) ConnectionClosed() { r.activeConnections.Dec() }

func (r *Registry) StreamOpened() { r.activeStreams.Inc() }
func (r *Registry) StreamClosed() { r.activeStreams.Dec() }

func (r *Registry) AssociationOpened() { r.activeAssociations.Inc() }
func (r *Registry) AssociationClosed() { r.activeAssociations.Dec() }

// DroppedDatagram bumps the dropped-datagram counter for reason (e.g.
// "decode", "reassembly", "queue_full"), per the Decode error class in §7.
func (r *Registry) DroppedDatagram(reason string) {
	r.droppedDatagrams.WithLabelValues(reason).Inc()
}

func (r *Registry) AuthFailure() { r.authFailures.Inc() }

// AuthStarted begins timing an authentication attempt keyed by a caller
// supplied id (the remote address is a natural choice); call AuthFinished
// with the same id once the outcome is known.
func (r *Registry) AuthStarted(id string) {
	r.authTimer.Start(id)
}

// AuthFinished records the latency of the attempt started under id and
// labels it success or failure.
func (r *Registry) AuthFinished(id string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	r.authTimer.Observe(r.authTimer.End(id), result)
}

// ServeMetrics runs an HTTP server exposing /metrics, and /ready when ready
// is non-nil, on addr until ctx is cancelled, per A3's optional
// --metrics-addr flag.
func ServeMetrics(ctx context.Context, addr string, r *Registry, ready *ReadyServer, log *zerolog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	if ready != nil {
		mux.Handle("/ready", ready)
	}

	server := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()
	log.Info().Str("addr", ln.Addr().String()).Msg("metrics server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
