// Package handshake decodes the fixed preamble a tunnel client sends right
// after the TLS handshake: a 7-byte magic/version marker followed by a
// 48-character ticket. Nothing past the preamble is consumed; all later
// bytes belong to the tunneled protocol.
package handshake

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// Magic is the protocol marker: magic bytes plus protocol version 1.
var Magic = []byte{0x5A, 'M', 'G', 'B', 0xA5, 0x01, 0x00}

// TicketLength is the fixed width of a connect ticket.
const TicketLength = 48

// PreambleLength is the total handshake size in bytes.
var PreambleLength = len(Magic) + TicketLength

var (
	// ErrProtocolMismatch marks a client that did not speak the tunnel
	// preamble. The connection is closed without any reply.
	ErrProtocolMismatch = errors.New("handshake: protocol mismatch")
	// ErrHandshakeTimeout marks a preamble that did not arrive in time.
	ErrHandshakeTimeout = errors.New("handshake: timeout")
)

// Conn is the slice of net.Conn the decoder needs.
type Conn interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Decode reads the preamble from conn within timeout and returns the ticket.
// The read deadline is cleared before returning on success.
func Decode(conn Conn, timeout time.Duration) (string, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return "", fmt.Errorf("handshake: %w", err)
		}
	}

	// the magic is checked as soon as it arrives: a client that does not
	// speak the protocol is dropped without holding the socket until the
	// timeout
	buf := make([]byte, PreambleLength)
	if _, err := io.ReadFull(conn, buf[:len(Magic)]); err != nil {
		if isTimeout(err) {
			return "", ErrHandshakeTimeout
		}
		return "", fmt.Errorf("%w: %v", ErrProtocolMismatch, err)
	}
	if !bytes.Equal(buf[:len(Magic)], Magic) {
		return "", ErrProtocolMismatch
	}

	if _, err := io.ReadFull(conn, buf[len(Magic):]); err != nil {
		if isTimeout(err) {
			return "", ErrHandshakeTimeout
		}
		return "", fmt.Errorf("%w: %v", ErrProtocolMismatch, err)
	}
	ticket := buf[len(Magic):]
	if !validTicket(ticket) {
		return "", ErrProtocolMismatch
	}

	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return "", fmt.Errorf("handshake: %w", err)
		}
	}
	return string(ticket), nil
}

func validTicket(b []byte) bool {
	for _, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
