// Package relay implements the per-connection pipeline: handshake,
// ticket redemption, destination connect, bidirectional forwarding and the
// final usage report.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Future998/openuds/internal/handshake"
	"github.com/Future998/openuds/internal/metrics"
	"github.com/Future998/openuds/internal/stats"
	"github.com/Future998/openuds/internal/uds"
)

// Broker is the slice of the uds client the handler needs; tests substitute
// their own.
type Broker interface {
	Redeem(ctx context.Context, ticket, srcIP string) (uds.Redemption, error)
	Report(ctx context.Context, notify string, sent, recv uint64, elapsed time.Duration) error
}

// Handler serves accepted streams. One Handler is shared by every worker;
// it holds no per-connection state.
type Handler struct {
	Broker Broker
	Stats  *stats.Aggregator

	HandshakeTimeout time.Duration
	ConnectTimeout   time.Duration
	IdleTimeout      time.Duration
	// ReportTimeout bounds the stop report call; it also bounds how long a
	// drained session can outlive its sockets during shutdown.
	ReportTimeout time.Duration

	// HandshakeLatency, when set, records accept-to-relay latency.
	HandshakeLatency *metrics.LatencySampler
}

// HandleConn runs one connection to completion. Any failure is contained to
// this connection: the stream is closed and the reason returned for the
// caller's bookkeeping. Nothing is ever written back on failure.
func (h *Handler) HandleConn(ctx context.Context, client Stream, remoteAddr string) error {
	defer client.Close()

	start := time.Now()
	id := uuid.NewString()
	log := slog.With("session", id, "remote", remoteAddr)

	ticket, err := handshake.Decode(client, h.HandshakeTimeout)
	if err != nil {
		// client-caused, close silently: scanners learn nothing
		log.Debug("handshake failed", "err", err)
		return err
	}
	log = log.With("ticket", ticket[:8])

	redemption, err := h.Broker.Redeem(ctx, ticket, hostOnly(remoteAddr))
	if err != nil {
		if errors.Is(err, uds.ErrRejected) {
			log.Info("ticket rejected", "err", err)
		} else {
			log.Error("broker unavailable", "err", err)
		}
		return err
	}

	target := net.JoinHostPort(redemption.Host, strconv.Itoa(redemption.Port))
	dialer := net.Dialer{Timeout: h.ConnectTimeout}
	dst, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		// destination reachability is the caller's problem (the desktop may
		// still be booting); the client retries with a fresh ticket
		log.Warn("destination connect failed", "dst", target, "err", err)
		return err
	}

	if h.HandshakeLatency != nil {
		h.HandshakeLatency.Add(time.Since(start))
	}

	session := newSession(id, client, dst, redemption.Notify, h.IdleTimeout)
	defer session.Close()

	h.Stats.IncrementActive()
	h.Stats.IncrementTotalSessions()
	defer h.Stats.DecrementActive()

	log.Info("session started", "dst", target)
	reason := session.relay(ctx.Done())

	sent, recv := session.Sent(), session.Received()
	elapsed := session.Duration()
	h.Stats.AddSent(sent)
	h.Stats.AddReceived(recv)

	log.Info("session ended",
		"dst", target,
		"sent", sent,
		"recv", recv,
		"duration", elapsed.Round(time.Millisecond),
		"reason", closeReason(reason),
	)

	// sockets are already down; the report never holds the session open
	reportTimeout := h.ReportTimeout
	if reportTimeout <= 0 {
		reportTimeout = 10 * time.Second
	}
	reportCtx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := h.Broker.Report(reportCtx, session.Notify, sent, recv, elapsed); err != nil {
		log.Warn("stop report failed", "err", err)
	}
	return nil
}

// closeReason maps relay termination errors to a short log token. Resets and
// broken pipes are how desktop sessions normally end.
func closeReason(err error) string {
	switch {
	case err == nil || errors.Is(err, io.EOF):
		return "eof"
	case errors.Is(err, errIdleTimeout):
		return "idle"
	case errors.Is(err, net.ErrClosed):
		return "closed"
	default:
		return "reset"
	}
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
