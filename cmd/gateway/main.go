// Package main is the entry point for the gateway. It wires the
// transport environment from configuration and runs the HTTP server
// until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gateway/internal/allowlist"
	"gateway/internal/auth"
	"gateway/internal/cache"
	"gateway/internal/config"
	"gateway/internal/dispatch"
	"gateway/internal/livequery"
	"gateway/internal/metrics"
	"gateway/internal/schemacache"
	"gateway/internal/server"
	"gateway/internal/ws"
)

// ServerVersion is stamped at build time.
var ServerVersion = "dev"

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	healthCheck := flag.Bool("healthcheck", false, "Perform health check and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *healthCheck {
		performHealthCheck(cfg.ListenAddr)
		return
	}

	log.Printf("Starting gateway (version: %s)", ServerVersion)
	run(cfg)
}

func run(cfg config.Config) {
	// 1. Structured logger
	loggerConfig := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level %q: %v", cfg.LogLevel, err)
	}
	loggerConfig.Level = level
	logger, err := loggerConfig.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// 2. Metrics and caches
	m := metrics.New()
	resultCache := cache.New(cfg.Cache.Size, cfg.CacheTTL(), m)
	schemas := schemacache.New(nil)

	// 3. Authenticator
	var jwtKey []byte
	if cfg.JWT.PublicKeyFile != "" {
		jwtKey, err = os.ReadFile(cfg.JWT.PublicKeyFile)
		if err != nil {
			log.Fatalf("Failed to read JWT public key: %v", err)
		}
	}
	authn, err := auth.NewJWTAuthenticator(auth.JWTConfig{
		HMACSecret:          []byte(cfg.JWT.HMACSecret),
		PublicKeyPEM:        jwtKey,
		AdminSecret:         cfg.JWT.AdminSecret,
		UnauthenticatedRole: cfg.JWT.UnauthenticatedRole,
	})
	if err != nil {
		log.Fatalf("Failed to initialize authenticator: %v", err)
	}

	// 4. Live-query poller
	poller := livequery.NewInProcessPoller(devLiveQueryExecutor, nil, livequery.Options{
		Interval: cfg.PollInterval(),
		Logger:   logger,
	})

	// 5. Dispatch engine (dev planner until the planner service is wired)
	engine := dispatch.New(dispatch.Config{
		Logger:      logger,
		Planner:     devPlanner{sqlGen: cfg.SQLGen},
		Schema:      schemas,
		AllowList:   allowlist.NewMemoryStore(),
		EnforceList: cfg.EnableAllowList,
		Cache:       resultCache,
		Remote:      dispatch.NewRemoteClient(nil, dispatch.DefaultRemoteClientConfig()),
		Poller:      poller,
	})

	// 6. WebSocket transport
	transport := ws.CreateServer(ws.Env{
		Logger:            logger,
		Engine:            engine,
		Poller:            poller,
		Auth:              authn,
		Metrics:           m,
		KeepAliveInterval: cfg.KeepAlive(),
		CORS:              corsFromConfig(cfg.CORS),
	})

	// 7. HTTP server
	srv := server.New(server.DefaultConfig(cfg.ListenAddr), transport, m, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal("server failed", zap.Error(err))
		}
		return
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := transport.Shutdown(ctx); err != nil {
		logger.Warn("transport shutdown incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := poller.Close(); err != nil {
		logger.Warn("poller shutdown incomplete", zap.Error(err))
	}
}

func corsFromConfig(c config.CORS) ws.CORSConfig {
	out := ws.CORSConfig{
		ReadCookie: c.ReadCookie,
		Domains:    c.Domains,
		Wildcards:  c.Wildcards,
	}
	switch c.Mode {
	case "disabled":
		out.Mode = ws.CORSDisabled
	case "allowed-origins":
		out.Mode = ws.CORSAllowedOrigins
	default:
		out.Mode = ws.CORSAllowAll
	}
	return out
}

func performHealthCheck(addr string) {
	url := fmt.Sprintf("http://localhost%s/healthz", addr)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		log.Fatalf("Health check failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("Health check failed: status %d", resp.StatusCode)
	}
	fmt.Println("OK")
}
