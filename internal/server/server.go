// Package server binds the listening sockets, fans accepted connections out
// to a fixed worker pool and coordinates graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/Future998/openuds/internal/config"
	"github.com/Future998/openuds/internal/metrics"
	"github.com/Future998/openuds/internal/relay"
	"github.com/Future998/openuds/internal/stats"
)

const latencySampleSize = 256

// Server accepts tunnel connections and drives the relay pipeline.
type Server struct {
	cfg     config.Config
	tlsConf *tls.Config
	handler *relay.Handler
	agg     *stats.Aggregator

	connCh  chan net.Conn
	readyCh chan struct{}
	wg      sync.WaitGroup

	mu       sync.RWMutex
	listener net.Listener
	quicAddr net.Addr
}

// New validates the TLS material and builds a server. cfg must already be
// normalized.
func New(cfg config.Config, broker relay.Broker, agg *stats.Aggregator) (*Server, error) {
	tlsConf, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}
	handler := &relay.Handler{
		Broker:           broker,
		Stats:            agg,
		HandshakeTimeout: cfg.HandshakeTimeout.Duration,
		ConnectTimeout:   cfg.ConnectTimeout.Duration,
		IdleTimeout:      cfg.IdleTimeout.Duration,
		ReportTimeout:    cfg.BrokerTimeout.Duration,
		HandshakeLatency: metrics.NewLatencySampler(latencySampleSize),
	}
	return &Server{
		cfg:     cfg,
		tlsConf: tlsConf,
		handler: handler,
		agg:     agg,
		connCh:  make(chan net.Conn, cfg.MaxConnections),
		readyCh: make(chan struct{}),
	}, nil
}

// Ready returns a channel closed once all listeners are bound.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

// Addr returns the TCP listener address once the server is running.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// QUICAddr returns the QUIC listener address, or nil when disabled.
func (s *Server) QUICAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quicAddr
}

// Serve runs until ctx is canceled. Cancellation stops accepting and lets
// in-flight sessions drain up to the grace period; whatever remains is then
// force-closed.
func (s *Server) Serve(ctx context.Context) error {
	tcpLn, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	limited := netutil.LimitListener(tcpLn, s.cfg.MaxConnections)
	tlsLn := tls.NewListener(limited, s.tlsConf)

	var quicLn quicListener
	if s.cfg.QUICListenAddr != "" {
		quicLn, err = s.listenQUIC()
		if err != nil {
			_ = tlsLn.Close()
			return err
		}
	}

	s.mu.Lock()
	s.listener = tlsLn
	if quicLn != nil {
		s.quicAddr = quicLn.Addr()
	}
	close(s.readyCh)
	s.mu.Unlock()

	// sessionCtx outlives ctx: canceling it is the force-close at the end
	// of the grace period
	sessionCtx, forceClose := context.WithCancel(context.Background())
	defer forceClose()

	// the listener closes on shutdown and on any accept-loop failure, and
	// the watcher goroutine exits either way
	acceptDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-acceptDone:
		}
		_ = tlsLn.Close()
	}()

	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(sessionCtx)
	}
	if quicLn != nil {
		s.wg.Add(1)
		go s.acceptQUIC(ctx, sessionCtx, quicLn)
	}
	s.startStatsLogger(ctx, acceptDone)

	slog.Info("tunnel listening",
		"addr", tlsLn.Addr(),
		"quic", s.cfg.QUICListenAddr,
		"workers", s.cfg.WorkerCount,
	)

	acceptErr := s.acceptLoop(ctx, tlsLn)
	close(acceptDone)
	close(s.connCh)

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.cfg.GracePeriod.Duration):
		active := s.agg.Snapshot().CurrentSessions
		slog.Warn("grace period expired, forcing sessions closed", "active", active)
		forceClose()
		<-drained
	}
	// closing the QUIC listener tears down its connections, so it waits
	// until the sessions have drained
	if quicLn != nil {
		_ = quicLn.Close()
	}
	return acceptErr
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}

		select {
		case s.connCh <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		}
	}
}

func (s *Server) worker(ctx context.Context) {
	defer s.wg.Done()
	for conn := range s.connCh {
		// one goroutine per session: a long-lived desktop session must not
		// hold up connections queued behind it. Total concurrency is bounded
		// by the limit listener.
		s.wg.Add(1)
		go s.runSession(ctx, conn, conn.RemoteAddr().String())
	}
}

// runSession contains one session. A panic is logged and contained; it never
// takes down sibling sessions or the accept path.
func (s *Server) runSession(ctx context.Context, stream relay.Stream, remote string) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session panicked", "remote", remote, "panic", r)
		}
	}()
	// the TLS handshake happens lazily on first read, covered by the
	// handshake timeout inside HandleConn
	_ = s.handler.HandleConn(ctx, stream, remote)
}

func (s *Server) startStatsLogger(ctx context.Context, stop <-chan struct{}) {
	if s.cfg.StatsInterval.Duration <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.StatsInterval.Duration)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				snap := s.agg.Snapshot()
				slog.Info("tunnel stats",
					"current", snap.CurrentSessions,
					"total", snap.TotalSessions,
					"sent", snap.Sent,
					"recv", snap.Received,
					"uptime", snap.UptimeSeconds,
					"hs_p95", s.handler.HandshakeLatency.Quantile(0.95),
					"hs_p99", s.handler.HandshakeLatency.Quantile(0.99),
				)
			}
		}
	}()
}
