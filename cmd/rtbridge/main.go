package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ent0n29/rtbridge/internal/client"
	"github.com/ent0n29/rtbridge/internal/config"
	"github.com/ent0n29/rtbridge/internal/httpapi"
	"github.com/ent0n29/rtbridge/internal/journal"
	"github.com/ent0n29/rtbridge/internal/observability"
	"github.com/ent0n29/rtbridge/internal/reconnect"
	"github.com/ent0n29/rtbridge/internal/session"
	"github.com/ent0n29/rtbridge/internal/transport"
)

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)

	ctx := context.Background()
	store, err := journal.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("journal init failed: %v", err)
	}
	defer store.Close()
	if cfg.DatabaseURL != "" {
		log.Printf("journal: postgres")
	} else {
		log.Printf("journal: in-memory")
	}

	var dialer transport.Dialer
	switch cfg.UpstreamProvider {
	case "websocket":
		if cfg.UpstreamAPIKey == "" {
			log.Fatalf("UPSTREAM_PROVIDER=websocket but UPSTREAM_API_KEY is not set")
		}
		dialer = transport.NewWebsocketDialer()
		log.Printf("upstream provider: websocket (%s)", cfg.UpstreamWSURL)
	case "mock":
		dialer = transport.NewMockDialer()
		log.Printf("upstream provider: mock")
	case "auto":
		if cfg.UpstreamAPIKey != "" {
			dialer = transport.NewWebsocketDialer()
			log.Printf("upstream provider: websocket (%s)", cfg.UpstreamWSURL)
		} else {
			dialer = transport.NewMockDialer()
			log.Printf("upstream provider: mock (no upstream api key)")
		}
	}

	opener := &upstreamOpener{cfg: cfg, dialer: dialer, metrics: metrics}

	api := httpapi.New(cfg, opener, store, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("gateway listening on %s (upstream %s)", cfg.BindAddr, cfg.UpstreamWSURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// upstreamOpener dials one realtime client per gateway connection.
type upstreamOpener struct {
	cfg     config.Config
	dialer  transport.Dialer
	metrics *observability.Metrics
}

func (o *upstreamOpener) OpenSession(ctx context.Context) (httpapi.RealtimeSession, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return client.Dial(dialCtx, client.Options{
		Endpoint:   o.cfg.UpstreamWSURL,
		Credential: o.cfg.UpstreamAPIKey,
		Dialer:     o.dialer,
		Session: session.Config{
			Modalities: o.cfg.Modalities,
			Model:      o.cfg.UpstreamModel,
			Voice:      o.cfg.UpstreamVoice,
		},
		QueueSize: o.cfg.OutboundQueueSize,
		Reconnect: reconnect.Policy{
			Base:        o.cfg.ReconnectBase,
			Cap:         o.cfg.ReconnectCap,
			MaxAttempts: o.cfg.ReconnectMaxAttempts,
		},
		HandshakeTimeout: o.cfg.HandshakeTimeout,
		Metrics:          o.metrics,
	})
}
