package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/noma-protocol/frontend-sub002/chain"
	"github.com/noma-protocol/frontend-sub002/config"
	"github.com/noma-protocol/frontend-sub002/handlers"
	"github.com/noma-protocol/frontend-sub002/hub"
	"github.com/noma-protocol/frontend-sub002/middleware"
	"github.com/noma-protocol/frontend-sub002/models"
	"github.com/noma-protocol/frontend-sub002/observability"
	"github.com/noma-protocol/frontend-sub002/service"
	"github.com/noma-protocol/frontend-sub002/storage"
	"github.com/noma-protocol/frontend-sub002/syncer"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfgPath := os.Getenv("NOMA_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, metricsStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer store.Close()

	registry, err := syncer.NewPoolRegistry(cfg.Data.PoolsPath)
	if err != nil {
		log.Fatalf("failed to load pools: %v", err)
	}
	if cfg.Chain.DefaultPool != "" {
		if _, ok := registry.Get(cfg.Chain.DefaultPool); !ok {
			registry.Add(models.PoolConfig{
				Name:    "default",
				Address: strings.ToLower(cfg.Chain.DefaultPool),
				Version: models.PoolV3,
				Token0:  strings.ToLower(cfg.Chain.TokenAddress),
				Enabled: true,
			})
		}
	}

	// Domain services
	attributor := syncer.NewAttributor(store)
	authSvc := service.NewAuthService(store)
	limiter := service.NewRateLimiter()
	usernames, err := service.NewUsernameRegistry(ctx, store)
	if err != nil {
		log.Fatalf("failed to load usernames: %v", err)
	}
	relay := service.NewRelay(store)

	chatHub := hub.New(store, authSvc, limiter, usernames, cfg.Chat)
	chatHub.Start()
	defer chatHub.Stop()

	// Chain poller; the relay still serves stored data and chat when no RPC
	// endpoint is configured.
	var poller *syncer.Poller
	if cfg.Chain.RPCURL != "" {
		client, err := chain.WaitForConnection(ctx, cfg.Chain.RPCURL, cfg.Chain.MaxReconnects,
			time.Duration(cfg.Chain.BackoffBaseMS)*time.Millisecond)
		if err != nil {
			log.Fatalf("failed to connect to RPC: %v", err)
		}
		defer client.Close()

		poller = syncer.NewPoller(client, store, registry, cfg.Chain)
		poller.SetAttributor(attributor)
		poller.OnTrade(chatHub.BroadcastTrade)
		if err := poller.StartMonitoring(ctx); err != nil {
			log.Fatalf("failed to start poller: %v", err)
		}
		defer poller.StopMonitoring()
	} else {
		log.Println("[main] NOMA_RPC_URL not set, chain monitoring disabled")
	}

	if metricsStore != nil {
		go snapshotMetrics(ctx, metricsStore, poller, chatHub)
	}

	// Set up router
	r := gin.Default()

	h := handlers.NewHandler(relay, attributor, metricsStore)

	api := r.Group("/api")
	api.GET("/profile/:address", middleware.ValidateAddressParam(), h.GetProfile)
	api.GET("/transactions", middleware.ValidateQueryParams(), h.GetTransactions)
	api.GET("/transactions/:hash", middleware.ValidateHashParam(), h.GetTransaction)
	api.GET("/stats", middleware.ValidateQueryParams(), h.GetStats)
	api.POST("/referrals", h.RegisterReferral)
	api.GET("/referrals/:code", h.GetReferral)
	api.GET("/metrics", h.GetMetrics)

	r.GET("/ws", func(c *gin.Context) {
		chatHub.HandleWS(c.Writer, c.Request)
	})
	r.GET("/metrics", gin.WrapH(observability.Handler()))

	port := os.Getenv("PORT")
	if port == "" {
		port = strconv.Itoa(cfg.Server.Port)
	}

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMS) * time.Millisecond,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// SIGHUP reloads the pool document without a restart
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s != syscall.SIGHUP {
			break
		}
		if poller != nil {
			if err := poller.ReloadPools(); err != nil {
				log.Printf("[main] Pool reload failed: %v", err)
			}
		}
	}
	log.Println("[main] Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutMS)*time.Millisecond)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Server shutdown: %v", err)
	}
}

// openStore picks the persistence backend. The metrics store rides on the
// postgres backend's redis client and is nil otherwise.
func openStore(cfg *config.Config) (storage.DataStore, *syncer.MetricsStore, error) {
	switch cfg.Data.Backend {
	case "postgres":
		pg, err := storage.NewPostgres()
		if err != nil {
			return nil, nil, err
		}
		return pg, syncer.NewMetricsStore(pg.Redis()), nil
	default:
		store, err := storage.New(cfg.Data.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}
}

// snapshotMetrics periodically writes system state for the /api/metrics
// endpoint.
func snapshotMetrics(ctx context.Context, ms *syncer.MetricsStore, poller *syncer.Poller, chatHub *hub.Hub) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if poller != nil {
				if err := ms.SavePollerMetrics(ctx, syncer.PollerMetrics{
					LastBlock:     poller.LastBlock(),
					LastCycleTime: time.Now().UTC(),
				}); err != nil {
					log.Printf("[main] metrics snapshot: %v", err)
				}
			}
			conns, authed, sent, kicks := chatHub.Stats()
			if err := ms.SaveHubMetrics(ctx, syncer.HubMetrics{
				Connections:   conns,
				Authenticated: authed,
				MessagesSent:  sent,
				KicksActive:   kicks,
			}); err != nil {
				log.Printf("[main] metrics snapshot: %v", err)
			}
		}
	}
}
