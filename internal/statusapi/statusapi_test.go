package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	info     Info
	sessions []SessionInfo
}

func (f fakeProvider) Info() Info              { return f.info }
func (f fakeProvider) Sessions() []SessionInfo { return f.sessions }

func TestHealthz(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := New(fakeProvider{}, reg)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestInfoReturnsProvidedData(t *testing.T) {
	reg := prometheus.NewRegistry()
	provider := fakeProvider{info: Info{Upstream: "1.2.3.4:9000", Listen: ":8080", Conv: 42, Uptime: 5 * time.Second}}
	h := New(provider, reg)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/info", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, provider.info, got)
}

func TestSessionsReturnsProvidedList(t *testing.T) {
	reg := prometheus.NewRegistry()
	provider := fakeProvider{sessions: []SessionInfo{{ConnIdx: 1, LocalAddr: "127.0.0.1:1111", RemoteAddr: "127.0.0.1:2222"}}}
	h := New(provider, reg)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, provider.sessions, got)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter"})
	reg.MustRegister(counter)
	counter.Inc()

	h := New(fakeProvider{}, reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "test_counter 1")
}
