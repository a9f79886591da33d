package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN for the QUIC front. Same handshake and relay pipeline as TCP+TLS,
// one tunnel session per stream.
const quicALPN = "uds-tunnel"

type quicListener interface {
	Accept(ctx context.Context) (quic.Connection, error)
	Addr() net.Addr
	Close() error
}

func (s *Server) listenQUIC() (quicListener, error) {
	tlsConf := s.tlsConf.Clone()
	tlsConf.NextProtos = []string{quicALPN}

	quicConf := &quic.Config{
		MaxIncomingStreams:    int64(s.cfg.MaxConnections),
		MaxIncomingUniStreams: 0,
		KeepAlivePeriod:       20 * time.Second,
	}
	if s.cfg.IdleTimeout.Duration > 0 {
		quicConf.MaxIdleTimeout = s.cfg.IdleTimeout.Duration
	}
	return quic.ListenAddr(s.cfg.QUICListenAddr, tlsConf, quicConf)
}

func (s *Server) acceptQUIC(ctx, sessionCtx context.Context, ln quicListener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				slog.Error("quic accept failed", "err", err)
			}
			return
		}
		s.wg.Add(1)
		go s.handleQUICConn(ctx, sessionCtx, conn)
	}
}

func (s *Server) handleQUICConn(ctx, sessionCtx context.Context, conn quic.Connection) {
	defer s.wg.Done()
	remote := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.runSession(sessionCtx, quicStreamConn{stream}, remote)
	}
}

// quicStreamConn makes a QUIC stream behave like a connection for the relay:
// Close tears down both directions, matching the full-teardown policy.
type quicStreamConn struct {
	quic.Stream
}

func (c quicStreamConn) Close() error {
	c.CancelRead(0)
	return c.Stream.Close()
}
