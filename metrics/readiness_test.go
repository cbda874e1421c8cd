package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyServer_NotReadyUntilConnected(t *testing.T) {
	rs := NewReadyServer()

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	rs.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rs.SetConnected(true)
	rec = httptest.NewRecorder()
	rs.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rs.SetConnected(false)
	rec = httptest.NewRecorder()
	rs.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
