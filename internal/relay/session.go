package relay

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const bufferSize = 32 * 1024

var errIdleTimeout = errors.New("relay: idle timeout")

// Stream is the duplex byte stream the relay serves: a TLS connection or a
// QUIC stream adapter.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Session is one authorized client-destination pairing. It exclusively owns
// both endpoints and its buffers; only the byte counters are read from
// outside while it relays.
type Session struct {
	ID     string
	Notify string

	client Stream
	dst    net.Conn
	start  time.Time
	idle   time.Duration

	sent     atomic.Uint64
	recv     atomic.Uint64
	activity atomic.Int64 // unix nanos of the last byte moved in either direction

	closeOnce sync.Once
}

func newSession(id string, client Stream, dst net.Conn, notify string, idle time.Duration) *Session {
	s := &Session{
		ID:     id,
		Notify: notify,
		client: client,
		dst:    dst,
		start:  time.Now(),
		idle:   idle,
	}
	s.activity.Store(s.start.UnixNano())
	return s
}

// Close tears down both endpoints. Safe to call any number of times from any
// goroutine; close errors are ignored.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.client.Close()
		_ = s.dst.Close()
	})
}

// Sent returns the client-to-destination byte count so far.
func (s *Session) Sent() uint64 {
	return s.sent.Load()
}

// Received returns the destination-to-client byte count so far.
func (s *Session) Received() uint64 {
	return s.recv.Load()
}

// Duration returns the time since relaying started.
func (s *Session) Duration() time.Duration {
	return time.Since(s.start)
}

// relay pumps bytes both ways until one direction ends, the idle timeout
// fires, or done is signalled. Both endpoints are closed on return.
func (s *Session) relay(done <-chan struct{}) error {
	errCh := make(chan error, 2)
	stop := make(chan struct{})

	go func() {
		select {
		case <-done:
			s.Close()
		case <-stop:
		}
	}()

	go func() { errCh <- s.pump(s.dst, s.client, &s.sent) }()
	go func() { errCh <- s.pump(s.client, s.dst, &s.recv) }()

	// one direction ending means the conversation is over: no half-close
	first := <-errCh
	s.Close()
	<-errCh
	close(stop)
	return first
}

type readSide interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

type writeSide interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
}

func (s *Session) pump(dst writeSide, src readSide, counter *atomic.Uint64) error {
	buf := make([]byte, bufferSize)
	for {
		if s.idle > 0 {
			deadline := time.Unix(0, s.activity.Load()).Add(s.idle)
			if err := src.SetReadDeadline(deadline); err != nil {
				return err
			}
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			counter.Add(uint64(n))
			s.activity.Store(time.Now().UnixNano())
			if s.idle > 0 {
				if err := dst.SetWriteDeadline(time.Now().Add(s.idle)); err != nil {
					return err
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
		}
		if readErr != nil {
			if s.idle > 0 && isTimeout(readErr) {
				// the other direction may have been active; only give up
				// when the whole session has been quiet for the idle window
				if time.Since(time.Unix(0, s.activity.Load())) < s.idle {
					continue
				}
				return errIdleTimeout
			}
			return readErr
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
