package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"
)

const invalidConfigPrefix = "invalid config"

const (
	defaultWorkerCount    = 8
	defaultMaxConnections = 1024
	defaultBrokerTimeout  = 10 * time.Second
	defaultTicketCacheTTL = 30 * time.Second
	defaultHandshakeTTL   = 5 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultIdleTimeout    = 0 // no idle limit unless configured
	defaultGracePeriod    = 30 * time.Second
)

// Config is the full tunnel configuration. It is loaded once at startup and
// treated as immutable afterwards; Normalize reports invalid settings as a
// fatal error.
type Config struct {
	ListenAddr     string `json:"listen_addr" cbor:"1,keyasint,omitempty"`
	QUICListenAddr string `json:"quic_listen_addr" cbor:"2,keyasint,omitempty"`
	WorkerCount    int    `json:"workers" cbor:"3,keyasint,omitempty"`
	MaxConnections int    `json:"max_connections" cbor:"4,keyasint,omitempty"`

	SSLCertificate    string `json:"ssl_certificate" cbor:"5,keyasint,omitempty"`
	SSLCertificateKey string `json:"ssl_certificate_key" cbor:"6,keyasint,omitempty"`
	SSLPassword       string `json:"ssl_password" cbor:"7,keyasint,omitempty"`
	SSLMinVersion     string `json:"ssl_min_version" cbor:"8,keyasint,omitempty"`

	BrokerURL       string   `json:"broker_url" cbor:"9,keyasint,omitempty"`
	BrokerToken     string   `json:"broker_token" cbor:"10,keyasint,omitempty"`
	BrokerTimeout   Duration `json:"broker_timeout" cbor:"11,keyasint,omitempty"`
	BrokerVerifySSL *bool    `json:"broker_verify_ssl" cbor:"12,keyasint,omitempty"`
	TicketCacheTTL  Duration `json:"ticket_cache_ttl" cbor:"13,keyasint,omitempty"`

	HandshakeTimeout Duration `json:"handshake_timeout" cbor:"14,keyasint,omitempty"`
	ConnectTimeout   Duration `json:"connect_timeout" cbor:"15,keyasint,omitempty"`
	IdleTimeout      Duration `json:"idle_timeout" cbor:"16,keyasint,omitempty"`
	GracePeriod      Duration `json:"grace_period" cbor:"17,keyasint,omitempty"`

	MonitorAddr   string   `json:"monitor_addr" cbor:"18,keyasint,omitempty"`
	StatsInterval Duration `json:"stats_interval" cbor:"19,keyasint,omitempty"`
	RedisAddr     string   `json:"redis_addr" cbor:"20,keyasint,omitempty"`
	RedisPassword string   `json:"redis_password" cbor:"21,keyasint,omitempty"`

	LogLevel string `json:"log_level" cbor:"22,keyasint,omitempty"`
}

// LoadFile reads a JSON config file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays UDSTUNNEL_* environment variables on top of the config.
// Only variables that are set are applied.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	str("UDSTUNNEL_LISTEN", &c.ListenAddr)
	str("UDSTUNNEL_QUIC_LISTEN", &c.QUICListenAddr)
	str("UDSTUNNEL_SSL_CERTIFICATE", &c.SSLCertificate)
	str("UDSTUNNEL_SSL_CERTIFICATE_KEY", &c.SSLCertificateKey)
	str("UDSTUNNEL_SSL_PASSWORD", &c.SSLPassword)
	str("UDSTUNNEL_SSL_MIN_VERSION", &c.SSLMinVersion)
	str("UDSTUNNEL_BROKER_URL", &c.BrokerURL)
	str("UDSTUNNEL_BROKER_TOKEN", &c.BrokerToken)
	str("UDSTUNNEL_MONITOR", &c.MonitorAddr)
	str("UDSTUNNEL_REDIS_ADDR", &c.RedisAddr)
	str("UDSTUNNEL_REDIS_PASSWORD", &c.RedisPassword)
	str("UDSTUNNEL_LOG_LEVEL", &c.LogLevel)

	if v, ok := os.LookupEnv("UDSTUNNEL_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UDSTUNNEL_WORKERS: %w", err)
		}
		c.WorkerCount = n
	}
	if v, ok := os.LookupEnv("UDSTUNNEL_MAX_CONNECTIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UDSTUNNEL_MAX_CONNECTIONS: %w", err)
		}
		c.MaxConnections = n
	}
	durs := map[string]*Duration{
		"UDSTUNNEL_BROKER_TIMEOUT":    &c.BrokerTimeout,
		"UDSTUNNEL_TICKET_CACHE_TTL":  &c.TicketCacheTTL,
		"UDSTUNNEL_HANDSHAKE_TIMEOUT": &c.HandshakeTimeout,
		"UDSTUNNEL_CONNECT_TIMEOUT":   &c.ConnectTimeout,
		"UDSTUNNEL_IDLE_TIMEOUT":      &c.IdleTimeout,
		"UDSTUNNEL_GRACE_PERIOD":      &c.GracePeriod,
		"UDSTUNNEL_STATS_INTERVAL":    &c.StatsInterval,
	}
	for key, dst := range durs {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		dst.Duration = parsed
	}
	return nil
}

// Normalize fills defaults and validates. It must be called before the
// config is used.
func (c *Config) Normalize() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%s: listen address required", invalidConfigPrefix)
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("%s: invalid listen address %q", invalidConfigPrefix, c.ListenAddr)
	}
	if c.QUICListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.QUICListenAddr); err != nil {
			return fmt.Errorf("%s: invalid quic listen address %q", invalidConfigPrefix, c.QUICListenAddr)
		}
	}
	if c.SSLCertificate == "" {
		return fmt.Errorf("%s: ssl certificate required", invalidConfigPrefix)
	}
	if c.BrokerURL == "" {
		return fmt.Errorf("%s: broker url required", invalidConfigPrefix)
	}
	u, err := url.Parse(c.BrokerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s: broker url must be http(s)", invalidConfigPrefix)
	}
	if c.BrokerToken == "" {
		return fmt.Errorf("%s: broker token required", invalidConfigPrefix)
	}
	switch c.SSLMinVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("%s: ssl_min_version must be '1.2' or '1.3'", invalidConfigPrefix)
	}

	if c.WorkerCount <= 0 {
		c.WorkerCount = defaultWorkerCount
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.BrokerTimeout.Duration <= 0 {
		c.BrokerTimeout.Duration = defaultBrokerTimeout
	}
	if c.TicketCacheTTL.Duration < 0 {
		c.TicketCacheTTL.Duration = 0
	} else if c.TicketCacheTTL.Duration == 0 {
		c.TicketCacheTTL.Duration = defaultTicketCacheTTL
	}
	if c.HandshakeTimeout.Duration <= 0 {
		c.HandshakeTimeout.Duration = defaultHandshakeTTL
	}
	if c.ConnectTimeout.Duration <= 0 {
		c.ConnectTimeout.Duration = defaultConnectTimeout
	}
	if c.IdleTimeout.Duration < 0 {
		c.IdleTimeout.Duration = defaultIdleTimeout
	}
	if c.GracePeriod.Duration <= 0 {
		c.GracePeriod.Duration = defaultGracePeriod
	}

	switch c.LogLevel {
	case "", "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("%s: log_level must be 'error', 'warn', 'info' or 'debug'", invalidConfigPrefix)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

// BrokerVerify reports whether broker TLS certificates must be verified.
// Defaults to true when unset.
func (c *Config) BrokerVerify() bool {
	if c.BrokerVerifySSL == nil {
		return true
	}
	return *c.BrokerVerifySSL
}
