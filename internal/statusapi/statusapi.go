// Package statusapi exposes the tunnel client's liveness and session state
// over HTTP, routed with chi the way vango's integration tests mount a
// chi.Router with the standard middleware.Logger/middleware.Recoverer stack
// in front of application handlers.
package statusapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Info describes the current RUDP session for the /api/v1/info endpoint.
type Info struct {
	Upstream string        `json:"upstream"`
	Listen   string        `json:"listen"`
	Conv     uint32        `json:"conv"`
	Uptime   time.Duration `json:"uptime_ns"`
}

// SessionInfo describes one multiplexed local connection for /api/v1/sessions.
type SessionInfo struct {
	ConnIdx    uint16 `json:"conn_idx"`
	LocalAddr  string `json:"local_addr"`
	RemoteAddr string `json:"remote_addr"`
}

// StatsProvider is implemented by the supervisor and queried read-only by
// the status API's handlers.
type StatsProvider interface {
	Info() Info
	Sessions() []SessionInfo
}

// New builds the router. gatherer is served on /metrics; the command passes
// the same registry its metrics were registered against.
func New(provider StatsProvider, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/api/v1/info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, provider.Info())
	})

	r.Get("/api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, provider.Sessions())
	})

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
