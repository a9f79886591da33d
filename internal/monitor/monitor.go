// Package monitor exposes the operational HTTP endpoints: a JSON stats
// snapshot, Prometheus metrics and a liveness probe. It binds a separate
// address so the tunnel port never serves HTTP.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Future998/openuds/internal/stats"
)

// Server is the monitoring endpoint.
type Server struct {
	addr string
	agg  *stats.Aggregator

	readyCh  chan struct{}
	listener net.Listener
}

// New creates a monitoring server bound to addr once Run is called.
func New(addr string, agg *stats.Aggregator) *Server {
	return &Server{
		addr:    addr,
		agg:     agg,
		readyCh: make(chan struct{}),
	}
}

// Ready returns a channel closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

// Addr returns the bound address once the server is running.
func (s *Server) Addr() net.Addr {
	select {
	case <-s.readyCh:
		return s.listener.Addr()
	default:
		return nil
	}
}

// Run serves until ctx is canceled. Monitoring is best effort: callers log
// the returned error and keep the tunnel running.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	close(s.readyCh)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.agg.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	slog.Info("monitor listening", "addr", ln.Addr())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.agg.Snapshot()); err != nil {
		slog.Warn("stats encode failed", "err", err)
	}
}
