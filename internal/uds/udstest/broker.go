// Package udstest provides an in-process fake broker for tests. It enforces
// the single-use ticket contract the real broker implements.
package udstest

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/Future998/openuds/internal/handshake"
)

// Token is the shared secret the fake broker expects.
const Token = "test-broker-token"

// Report is a recorded stop notification.
type Report struct {
	Notify  string
	Sent    uint64
	Recv    uint64
	Elapsed int64
}

type destination struct {
	host   string
	port   int
	notify string
}

// Broker is a fake control plane backed by httptest.
type Broker struct {
	srv *httptest.Server

	mu          sync.Mutex
	tickets     map[string]destination
	used        map[string]bool
	reports     []Report
	redeemCalls int
	failing     bool
}

// NewBroker starts the fake broker. Callers must Close it.
func NewBroker() *Broker {
	b := &Broker{
		tickets: make(map[string]destination),
		used:    make(map[string]bool),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	return b
}

// URL returns the broker base URL.
func (b *Broker) URL() string {
	return b.srv.URL
}

// Close shuts the fake broker down.
func (b *Broker) Close() {
	b.srv.Close()
}

// AddTicket registers a single-use ticket resolving to host:port and returns
// the ticket. The stop ticket is derived so tests can assert on it.
func (b *Broker) AddTicket(host string, port int) (ticket, notify string) {
	ticket = RandomTicket()
	notify = RandomTicket()
	b.mu.Lock()
	b.tickets[ticket] = destination{host: host, port: port, notify: notify}
	b.mu.Unlock()
	return ticket, notify
}

// SetFailing makes every request answer 500 when on is true.
func (b *Broker) SetFailing(on bool) {
	b.mu.Lock()
	b.failing = on
	b.mu.Unlock()
}

// Reports returns a copy of the recorded stop reports.
func (b *Broker) Reports() []Report {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Report, len(b.reports))
	copy(out, b.reports)
	return out
}

// RedeemCalls returns how many redemption requests reached the broker.
func (b *Broker) RedeemCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.redeemCalls
}

func (b *Broker) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Auth-Token") != Token {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || len(parts[0]) != handshake.TicketLength {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	ticket, arg := parts[0], parts[1]

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failing {
		http.Error(w, "broker down", http.StatusInternalServerError)
		return
	}

	if arg == "stop" {
		sent, _ := strconv.ParseUint(r.URL.Query().Get("sent"), 10, 64)
		recv, _ := strconv.ParseUint(r.URL.Query().Get("recv"), 10, 64)
		elapsed, _ := strconv.ParseInt(r.URL.Query().Get("elapsed"), 10, 64)
		b.reports = append(b.reports, Report{Notify: ticket, Sent: sent, Recv: recv, Elapsed: elapsed})
		fmt.Fprint(w, "{}")
		return
	}

	b.redeemCalls++
	dst, ok := b.tickets[ticket]
	if !ok || b.used[ticket] {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	b.used[ticket] = true

	_ = json.NewEncoder(w).Encode(map[string]any{
		"host":   dst.host,
		"port":   dst.port,
		"notify": dst.notify,
	})
}

const ticketAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomTicket returns a well-formed 48-character ticket.
func RandomTicket() string {
	b := make([]byte, handshake.TicketLength)
	for i := range b {
		b[i] = ticketAlphabet[rand.Intn(len(ticketAlphabet))]
	}
	return string(b)
}
