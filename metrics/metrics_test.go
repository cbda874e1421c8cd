package metrics_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuic-go/tuic/metrics"
)

func discardLogger() *zerolog.Logger {
	log := zerolog.New(bytes.NewBuffer(nil))
	return &log
}

func TestRegistry_GaugesTrackOpenClose(t *testing.T) {
	r := metrics.NewRegistry()
	r.ConnectionOpened()
	r.StreamOpened()
	r.StreamOpened()
	r.AssociationOpened()
	r.DroppedDatagram("decode")
	r.AuthFailure()

	r.AuthStarted("peer-1")
	time.Sleep(time.Millisecond)
	r.AuthFinished("peer-1", true)

	r.StreamClosed()
	r.AssociationClosed()
	r.ConnectionClosed()
}

func TestServeMetrics_ShutsDownOnContextCancel(t *testing.T) {
	r := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- metrics.ServeMetrics(ctx, "127.0.0.1:0", r, nil, discardLogger()) }()

	cancel()
	require.NoError(t, <-errCh)
}

func TestServeMetrics_ServesOnRequestedAddr(t *testing.T) {
	r := metrics.NewRegistry()
	r.ConnectionOpened()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := "127.0.0.1:19291"
	go func() { _ = metrics.ServeMetrics(ctx, addr, r, nil, discardLogger()) }()

	var resp *http.Response
	var err error
	for i := 0; i < 20; i++ {
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tuic_active_connections")
}

func TestServeMetrics_MountsReadyWhenProvided(t *testing.T) {
	r := metrics.NewRegistry()
	ready := metrics.NewReadyServer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := "127.0.0.1:19292"
	go func() { _ = metrics.ServeMetrics(ctx, addr, r, ready, discardLogger()) }()

	var resp *http.Response
	var err error
	for i := 0; i < 20; i++ {
		resp, err = http.Get("http://" + addr + "/ready")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ready.SetConnected(true)
	resp2, err := http.Get("http://" + addr + "/ready")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}
