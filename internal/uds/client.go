// Package uds talks to the UDS broker (the control plane): it redeems
// connect tickets for destination parameters and posts usage reports when a
// session ends.
package uds

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Future998/openuds/internal/handshake"
)

const authHeader = "X-Auth-Token"

var (
	// ErrRejected means the broker refused the ticket: invalid, expired or
	// already used. Client-caused, never retried.
	ErrRejected = errors.New("uds: ticket rejected")
	// ErrUnavailable means the broker could not be reached or answered
	// abnormally. Operational, never retried in the connection path.
	ErrUnavailable = errors.New("uds: broker unavailable")
)

// Redemption holds the connection parameters a ticket resolves to. Notify is
// the stop ticket the broker mints at session start; it is the only
// identifier sent back with the final usage report.
type Redemption struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Notify string `json:"notify"`
}

// Client is the broker HTTP client. Safe for concurrent use.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

// cacheKey scopes cached redemptions to the source address: the cache only
// shields the same client reconnecting, a replay from another address must
// still hit the broker and its single-use enforcement.
type cacheKey struct {
	ticket string
	srcIP  string
}

type cacheEntry struct {
	redemption Redemption
	expires    time.Time
}

// Options configures a broker client.
type Options struct {
	Timeout   time.Duration
	VerifyTLS bool
	// CacheTTL keeps successful redemptions in memory so an immediate
	// client reconnect does not re-redeem a consumed ticket. Zero disables
	// the cache. Failures are never cached.
	CacheTTL time.Duration
}

// New creates a broker client for the given base URL and shared secret.
func New(baseURL, token string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !opts.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		cacheTTL: opts.CacheTTL,
		cache:    make(map[cacheKey]cacheEntry),
	}
}

// Redeem exchanges a connect ticket for its destination. srcIP is the client
// address the broker records (and may validate) for the session.
func (c *Client) Redeem(ctx context.Context, ticket, srcIP string) (Redemption, error) {
	if len(ticket) != handshake.TicketLength {
		return Redemption{}, fmt.Errorf("%w: bad ticket length %d", ErrRejected, len(ticket))
	}

	if r, ok := c.cached(ticket, srcIP); ok {
		return r, nil
	}

	endpoint := c.baseURL + "/" + url.PathEscape(ticket) + "/" + url.PathEscape(srcIP)
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return Redemption{}, err
	}

	var r Redemption
	if err := json.Unmarshal(body, &r); err != nil {
		return Redemption{}, fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
	}
	if r.Host == "" || r.Port <= 0 || r.Port > 65535 || r.Notify == "" {
		return Redemption{}, fmt.Errorf("%w: incomplete response", ErrUnavailable)
	}

	c.store(ticket, srcIP, r)
	return r, nil
}

// Report posts the final usage summary for a session. Best effort; the
// caller logs failures and moves on.
func (c *Client) Report(ctx context.Context, notify string, sent, recv uint64, elapsed time.Duration) error {
	q := url.Values{}
	q.Set("sent", strconv.FormatUint(sent, 10))
	q.Set("recv", strconv.FormatUint(recv, 10))
	q.Set("elapsed", strconv.FormatInt(int64(elapsed.Seconds()), 10))
	endpoint := c.baseURL + "/" + url.PathEscape(notify) + "/stop?" + q.Encode()

	if _, err := c.get(ctx, endpoint); err != nil {
		return err
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set(authHeader, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
}

func (c *Client) cached(ticket, srcIP string) (Redemption, bool) {
	if c.cacheTTL <= 0 {
		return Redemption{}, false
	}
	key := cacheKey{ticket: ticket, srcIP: srcIP}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok || time.Now().After(entry.expires) {
		delete(c.cache, key)
		return Redemption{}, false
	}
	return entry.redemption, true
}

func (c *Client) store(ticket, srcIP string, r Redemption) {
	if c.cacheTTL <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// drop stale entries opportunistically, the set stays small
	now := time.Now()
	for k, v := range c.cache {
		if now.After(v.expires) {
			delete(c.cache, k)
		}
	}
	c.cache[cacheKey{ticket: ticket, srcIP: srcIP}] = cacheEntry{redemption: r, expires: now.Add(c.cacheTTL)}
}
