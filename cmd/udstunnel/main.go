package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/Future998/openuds/internal/config"
	"github.com/Future998/openuds/internal/logger"
	"github.com/Future998/openuds/internal/monitor"
	"github.com/Future998/openuds/internal/server"
	"github.com/Future998/openuds/internal/stats"
	"github.com/Future998/openuds/internal/uds"
)

func main() {
	// a .env next to the binary is a convenience for dev setups; absence is
	// not an error
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to JSON config file")
	blob := flag.String("blob", "", "base64 CBOR config blob (overrides -config)")
	listenAddr := flag.String("listen", "", "tunnel listen address (host:port)")
	quicListenAddr := flag.String("quic-listen", "", "QUIC listen address (empty to disable)")
	workerCount := flag.Int("workers", 0, "number of worker goroutines")
	maxConns := flag.Int("max-conns", 0, "max concurrent connections")
	brokerURL := flag.String("broker-url", "", "broker ticket endpoint URL")
	brokerToken := flag.String("broker-token", "", "broker auth token")
	monitorAddr := flag.String("monitor", "", "monitoring HTTP address (empty to disable)")
	handshakeTimeout := flag.Duration("handshake-timeout", 0, "client handshake timeout")
	connectTimeout := flag.Duration("connect-timeout", 0, "destination connect timeout")
	idleTimeout := flag.Duration("idle-timeout", 0, "session idle timeout (0 = unlimited)")
	gracePeriod := flag.Duration("grace-period", 0, "shutdown drain period")
	statsInterval := flag.Duration("stats-interval", 0, "stats log interval (0 to disable)")
	logLevel := flag.String("log-level", "", "log level (error|warn|info|debug)")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *blob)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("config error: %v", err)
	}

	overrides := map[string]func(){
		"listen":            func() { cfg.ListenAddr = *listenAddr },
		"quic-listen":       func() { cfg.QUICListenAddr = *quicListenAddr },
		"workers":           func() { cfg.WorkerCount = *workerCount },
		"max-conns":         func() { cfg.MaxConnections = *maxConns },
		"broker-url":        func() { cfg.BrokerURL = *brokerURL },
		"broker-token":      func() { cfg.BrokerToken = *brokerToken },
		"monitor":           func() { cfg.MonitorAddr = *monitorAddr },
		"handshake-timeout": func() { cfg.HandshakeTimeout.Duration = *handshakeTimeout },
		"connect-timeout":   func() { cfg.ConnectTimeout.Duration = *connectTimeout },
		"idle-timeout":      func() { cfg.IdleTimeout.Duration = *idleTimeout },
		"grace-period":      func() { cfg.GracePeriod.Duration = *gracePeriod },
		"stats-interval":    func() { cfg.StatsInterval.Duration = *statsInterval },
		"log-level":         func() { cfg.LogLevel = *logLevel },
	}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply()
		}
	})

	if err := cfg.Normalize(); err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Setup(cfg.LogLevel)

	broker := uds.New(cfg.BrokerURL, cfg.BrokerToken, uds.Options{
		Timeout:   cfg.BrokerTimeout.Duration,
		VerifyTLS: cfg.BrokerVerify(),
		CacheTTL:  cfg.TicketCacheTTL.Duration,
	})
	agg := stats.New()

	srv, err := server.New(cfg, broker, agg)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MonitorAddr != "" {
		mon := monitor.New(cfg.MonitorAddr, agg)
		go func() {
			if err := mon.Run(ctx); err != nil {
				log.Printf("monitor stopped: %v", err)
			}
		}()
	}
	if cfg.RedisAddr != "" {
		instance := uuid.NewString()
		interval := cfg.StatsInterval.Duration
		if interval <= 0 {
			interval = 10 * time.Second
		}
		pub, err := stats.NewPublisher(cfg.RedisAddr, cfg.RedisPassword, instance, agg, interval)
		if err != nil {
			log.Fatalf("redis error: %v", err)
		}
		go pub.Run(ctx)
	}

	go func() {
		<-srv.Ready()
		log.Printf("udstunnel listening on %s", srv.Addr())
	}()

	if err := srv.Serve(ctx); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
}

func loadConfig(path, blob string) (config.Config, error) {
	if blob == "" {
		blob = os.Getenv("UDSTUNNEL_BLOB")
	}
	if blob != "" {
		return config.DecodeBlob(blob)
	}
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Config{}, nil
}
