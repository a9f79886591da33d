package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/Future998/openuds/internal/handshake"
	"github.com/Future998/openuds/internal/stats"
	"github.com/Future998/openuds/internal/uds"
	"github.com/Future998/openuds/internal/uds/udstest"
)

const testTimeout = 5 * time.Second

func newTestHandler(t *testing.T, broker *udstest.Broker, idle time.Duration) (*Handler, *stats.Aggregator) {
	t.Helper()
	agg := stats.New()
	h := &Handler{
		Broker: uds.New(broker.URL(), udstest.Token, uds.Options{
			Timeout:   testTimeout,
			VerifyTLS: true,
		}),
		Stats:            agg,
		HandshakeTimeout: testTimeout,
		ConnectTimeout:   testTimeout,
		IdleTimeout:      idle,
	}
	return h, agg
}

// runConn drives HandleConn over an in-memory pipe and returns the client
// end plus a channel with the handler result.
func runConn(t *testing.T, h *Handler, ctx context.Context) (net.Conn, <-chan error) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	done := make(chan error, 1)
	go func() {
		done <- h.HandleConn(ctx, server, "192.0.2.10:40000")
	}()
	return client, done
}

func sendHandshake(t *testing.T, conn net.Conn, ticket string) {
	t.Helper()
	preamble := append(append([]byte{}, handshake.Magic...), []byte(ticket)...)
	if _, err := conn.Write(preamble); err != nil {
		t.Fatalf("send handshake: %v", err)
	}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		t.Fatalf("handler did not finish")
		return nil
	}
}

func startEchoServer(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return listener.Addr().String()
}

func addrPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		t.Fatalf("resolve %s: %v", addr, err)
	}
	return tcp.IP.String(), tcp.Port
}

func TestRelayEcho(t *testing.T) {
	broker := udstest.NewBroker()
	defer broker.Close()

	host, port := addrPort(t, startEchoServer(t))
	ticket, notify := broker.AddTicket(host, port)

	h, agg := newTestHandler(t, broker, 0)
	client, done := runConn(t, h, context.Background())

	sendHandshake(t, client, ticket)

	payload := []byte("hello")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(client, echoed); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(echoed, payload) {
		t.Fatalf("unexpected echo: %q", echoed)
	}
	_ = client.Close()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("handler error: %v", err)
	}

	reports := broker.Reports()
	if len(reports) != 1 {
		t.Fatalf("expected one stop report, got %d", len(reports))
	}
	r := reports[0]
	if r.Notify != notify || r.Sent != 5 || r.Recv != 5 {
		t.Fatalf("unexpected report: %+v", r)
	}

	snap := agg.Snapshot()
	if snap.CurrentSessions != 0 || snap.TotalSessions != 1 || snap.Sent != 5 || snap.Received != 5 {
		t.Fatalf("unexpected stats: %+v", snap)
	}
}

func TestRelayRandomizedChunks(t *testing.T) {
	broker := udstest.NewBroker()
	defer broker.Close()

	host, port := addrPort(t, startEchoServer(t))
	ticket, _ := broker.AddTicket(host, port)

	h, _ := newTestHandler(t, broker, 0)
	client, done := runConn(t, h, context.Background())

	sendHandshake(t, client, ticket)

	rng := rand.New(rand.NewSource(42))
	payload := make([]byte, 64*1024)
	rng.Read(payload)

	go func() {
		sent := 0
		for sent < len(payload) {
			n := 1 + rng.Intn(4096)
			if sent+n > len(payload) {
				n = len(payload) - sent
			}
			if _, err := client.Write(payload[sent : sent+n]); err != nil {
				return
			}
			sent += n
		}
	}()

	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(client, echoed); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(echoed, payload) {
		t.Fatalf("payload corrupted in transit")
	}
	_ = client.Close()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("handler error: %v", err)
	}

	reports := broker.Reports()
	if len(reports) != 1 || reports[0].Sent != uint64(len(payload)) || reports[0].Recv != uint64(len(payload)) {
		t.Fatalf("unexpected reports: %+v", reports)
	}
}

// destination that reads n bytes, echoes them back, then waits for the
// configured side to close first
func startCloseOrderServer(t *testing.T, n int, closeFirst bool) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(conn, buf); err != nil {
			_ = conn.Close()
			return
		}
		_, _ = conn.Write(buf)
		if closeFirst {
			_ = conn.Close()
			return
		}
		// wait for the client side to go away
		_, _ = conn.Read(make([]byte, 1))
		_ = conn.Close()
	}()
	return listener.Addr().String()
}

func TestTeardownOrderIdempotent(t *testing.T) {
	for _, tc := range []struct {
		name     string
		dstFirst bool
	}{
		{name: "client closes first", dstFirst: false},
		{name: "destination closes first", dstFirst: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			broker := udstest.NewBroker()
			defer broker.Close()

			host, port := addrPort(t, startCloseOrderServer(t, 5, tc.dstFirst))
			ticket, _ := broker.AddTicket(host, port)

			h, agg := newTestHandler(t, broker, 0)
			client, done := runConn(t, h, context.Background())

			sendHandshake(t, client, ticket)
			if _, err := client.Write([]byte("hello")); err != nil {
				t.Fatalf("write failed: %v", err)
			}
			if _, err := io.ReadFull(client, make([]byte, 5)); err != nil {
				t.Fatalf("read failed: %v", err)
			}
			if !tc.dstFirst {
				_ = client.Close()
			}

			if err := waitDone(t, done); err != nil {
				t.Fatalf("handler error: %v", err)
			}

			reports := broker.Reports()
			if len(reports) != 1 || reports[0].Sent != 5 || reports[0].Recv != 5 {
				t.Fatalf("unexpected reports: %+v", reports)
			}
			if snap := agg.Snapshot(); snap.CurrentSessions != 0 {
				t.Fatalf("sessions not drained: %+v", snap)
			}
		})
	}
}

func TestIdleTimeout(t *testing.T) {
	broker := udstest.NewBroker()
	defer broker.Close()

	host, port := addrPort(t, startEchoServer(t))
	ticket, _ := broker.AddTicket(host, port)

	h, _ := newTestHandler(t, broker, 100*time.Millisecond)
	client, done := runConn(t, h, context.Background())

	sendHandshake(t, client, ticket)
	// no payload at all: the idle timer tears the session down

	start := time.Now()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("idle teardown took %v", elapsed)
	}

	// read on the force-closed client end fails
	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Fatalf("client end should be closed")
	}

	reports := broker.Reports()
	if len(reports) != 1 || reports[0].Sent != 0 || reports[0].Recv != 0 {
		t.Fatalf("unexpected reports: %+v", reports)
	}
}

func TestConnectFailureNoReport(t *testing.T) {
	broker := udstest.NewBroker()
	defer broker.Close()

	// grab a port and close it again: nothing listens there
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	host, port := addrPort(t, l.Addr().String())
	_ = l.Close()

	ticket, _ := broker.AddTicket(host, port)

	h, agg := newTestHandler(t, broker, 0)
	client, done := runConn(t, h, context.Background())
	defer client.Close()

	sendHandshake(t, client, ticket)

	if err := waitDone(t, done); err == nil {
		t.Fatalf("expected connect error")
	}
	if reports := broker.Reports(); len(reports) != 0 {
		t.Fatalf("no stop report expected, got %+v", reports)
	}
	if snap := agg.Snapshot(); snap.TotalSessions != 0 {
		t.Fatalf("session must not count as relayed: %+v", snap)
	}
}

func TestHandshakeFailureNoBrokerCall(t *testing.T) {
	broker := udstest.NewBroker()
	defer broker.Close()

	h, _ := newTestHandler(t, broker, 0)
	client, done := runConn(t, h, context.Background())

	// written from a goroutine: the handler closes the pipe as soon as the
	// magic mismatches, mid-write
	go func() {
		_, _ = client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	}()

	start := time.Now()
	if err := waitDone(t, done); err == nil {
		t.Fatalf("expected handshake error")
	}
	// rejection happens on the mismatched magic, not the handshake timeout
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("garbage preamble held the socket for %v", elapsed)
	}
	if calls := broker.RedeemCalls(); calls != 0 {
		t.Fatalf("broker must not be called, saw %d calls", calls)
	}
}

func TestHandshakeTimeoutNoBrokerCall(t *testing.T) {
	broker := udstest.NewBroker()
	defer broker.Close()

	h, _ := newTestHandler(t, broker, 0)
	h.HandshakeTimeout = 50 * time.Millisecond
	client, done := runConn(t, h, context.Background())
	defer client.Close()

	// send part of the magic and stall
	if _, err := client.Write(handshake.Magic[:2]); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := waitDone(t, done); err == nil {
		t.Fatalf("expected timeout error")
	}
	if calls := broker.RedeemCalls(); calls != 0 {
		t.Fatalf("broker must not be called, saw %d calls", calls)
	}
}

func TestShutdownForceClose(t *testing.T) {
	broker := udstest.NewBroker()
	defer broker.Close()

	host, port := addrPort(t, startEchoServer(t))
	ticket, _ := broker.AddTicket(host, port)

	ctx, cancel := context.WithCancel(context.Background())
	h, agg := newTestHandler(t, broker, 0)
	client, done := runConn(t, h, ctx)
	defer client.Close()

	sendHandshake(t, client, ticket)
	if _, err := client.Write([]byte("hi")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := io.ReadFull(client, make([]byte, 2)); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("handler error: %v", err)
	}

	reports := broker.Reports()
	if len(reports) != 1 || reports[0].Sent != 2 || reports[0].Recv != 2 {
		t.Fatalf("unexpected reports: %+v", reports)
	}
	if snap := agg.Snapshot(); snap.CurrentSessions != 0 {
		t.Fatalf("sessions not drained: %+v", snap)
	}
}

// stallingBroker redeems everything and hangs the stop report until its
// context expires.
type stallingBroker struct {
	redemption uds.Redemption
	reportErr  chan error
}

func (b *stallingBroker) Redeem(ctx context.Context, ticket, srcIP string) (uds.Redemption, error) {
	return b.redemption, nil
}

func (b *stallingBroker) Report(ctx context.Context, notify string, sent, recv uint64, elapsed time.Duration) error {
	<-ctx.Done()
	b.reportErr <- ctx.Err()
	return ctx.Err()
}

func TestStopReportBoundedByTimeout(t *testing.T) {
	host, port := addrPort(t, startEchoServer(t))
	broker := &stallingBroker{
		redemption: uds.Redemption{Host: host, Port: port, Notify: "notify"},
		reportErr:  make(chan error, 1),
	}
	h := &Handler{
		Broker:           broker,
		Stats:            stats.New(),
		HandshakeTimeout: testTimeout,
		ConnectTimeout:   testTimeout,
		ReportTimeout:    50 * time.Millisecond,
	}

	client, done := runConn(t, h, context.Background())
	sendHandshake(t, client, udstest.RandomTicket())
	_ = client.Close()

	// a hung broker must not hold teardown past the report timeout
	start := time.Now()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("teardown blocked on the stop report for %v", elapsed)
	}
	select {
	case err := <-broker.reportErr:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("report context ended with %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("report context never expired")
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := newSession("test", a, b, "notify", 0)
	s.Close()
	s.Close() // second close is a no-op
}
