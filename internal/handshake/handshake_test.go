package handshake

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

const testTicket = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRST12"

func pipeConn(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestDecode(t *testing.T) {
	client, server := pipeConn(t)

	go func() {
		_, _ = client.Write(append(append([]byte{}, Magic...), []byte(testTicket)...))
	}()

	ticket, err := Decode(server, time.Second)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ticket != testTicket {
		t.Fatalf("unexpected ticket: %q", ticket)
	}
}

func TestDecodeFragmented(t *testing.T) {
	client, server := pipeConn(t)

	// one byte at a time, worst-case TCP segmentation
	go func() {
		preamble := append(append([]byte{}, Magic...), []byte(testTicket)...)
		for _, b := range preamble {
			if _, err := client.Write([]byte{b}); err != nil {
				return
			}
		}
	}()

	ticket, err := Decode(server, 5*time.Second)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ticket != testTicket {
		t.Fatalf("unexpected ticket: %q", ticket)
	}
}

func TestDecodeBadMagic(t *testing.T) {
	client, server := pipeConn(t)

	go func() {
		_, _ = client.Write([]byte("GET / HTTP/1.1\r\nHost: scanner\r\n\r\n" + strings.Repeat("x", 64)))
	}()

	_, err := Decode(server, time.Second)
	if !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("expected protocol mismatch, got %v", err)
	}
}

func TestDecodeBadMagicRejectedEarly(t *testing.T) {
	client, server := pipeConn(t)

	// wrong magic then silence: rejection must not wait out the timeout
	go func() {
		_, _ = client.Write([]byte("SSH-2.0"))
	}()

	start := time.Now()
	_, err := Decode(server, 5*time.Second)
	if !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("expected protocol mismatch, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("rejection waited for the timeout")
	}
}

func TestDecodeBadTicketBytes(t *testing.T) {
	client, server := pipeConn(t)

	go func() {
		bad := strings.Repeat("!", TicketLength)
		_, _ = client.Write(append(append([]byte{}, Magic...), []byte(bad)...))
	}()

	_, err := Decode(server, time.Second)
	if !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("expected protocol mismatch, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	client, server := pipeConn(t)

	go func() {
		_, _ = client.Write(Magic)
		_, _ = client.Write([]byte("short"))
		_ = client.Close()
	}()

	_, err := Decode(server, time.Second)
	if !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("expected protocol mismatch, got %v", err)
	}
}

func TestDecodeTimeout(t *testing.T) {
	client, server := pipeConn(t)

	// a few bytes then silence
	go func() {
		_, _ = client.Write(Magic[:3])
	}()

	start := time.Now()
	_, err := Decode(server, 50*time.Millisecond)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected handshake timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout took too long")
	}
}
