package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"p2pescrow/auth"
	"p2pescrow/config"
	"p2pescrow/lifecycle"
	"p2pescrow/models"
	"p2pescrow/observability/logging"
	"p2pescrow/observability/metrics"
	"p2pescrow/recon"
	"p2pescrow/relay"
	"p2pescrow/store"
	"p2pescrow/sweeper"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "escrowd.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.Setup("escrowd", cfg.Environment)
	logger.Info("configuration loaded",
		"listen", cfg.ListenAddress,
		"chain", cfg.Chain,
		"contract", cfg.EscrowContract,
		logging.MaskField("database_dsn", cfg.DatabaseDSN),
		logging.MaskField("redis_password", cfg.RedisPassword),
	)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		logger.Error("open database", "err", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("migrate schema", "err", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(startupCtx).Err(); err != nil {
		cancelStartup()
		logger.Error("connect redis", "err", err)
		os.Exit(1)
	}
	cancelStartup()

	evmClient, err := recon.DialEVMClient(cfg.RPCURL)
	if err != nil {
		logger.Error("dial chain rpc", "err", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry)

	windows := lifecycle.Windows{
		SellerResponse: cfg.SellerResponseWindow.Duration,
		BuyerConfirm:   cfg.BuyerConfirmWindow.Duration,
		Dispute:        cfg.DisputeWindow.Duration,
	}
	orderStore := store.New(db, store.WithWindows(windows))
	hub := relay.NewHub(relay.NewRedisBus(redisClient), logger)
	verifier := auth.NewVerifier(cfg.JWTSecret)
	wsHandler := relay.NewHandler(orderStore, hub, verifier, logger)

	chain := models.Chain(cfg.Chain)
	reconciler := recon.New(recon.Config{
		Store:             orderStore,
		Source:            recon.NewEVMSource(evmClient, common.HexToAddress(cfg.EscrowContract)),
		Chain:             chain,
		Contract:          cfg.EscrowContract,
		BatchCap:          cfg.BatchCap,
		ConfirmationDepth: cfg.ConfirmationDepth,
		CallTimeout:       cfg.SourceCallTimeout.Duration,
		Publisher:         hub,
		Logger:            logger,
	})
	sweep := sweeper.New(sweeper.Config{
		Store:     orderStore,
		Locker:    sweeper.NewRedisLocker(redisClient),
		LockTTL:   cfg.SweepLockTTL.Duration,
		Publisher: hub,
		Logger:    logger,
	})

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Recoverer)
	router.Get("/ws/orders/{orderID}", wsHandler.ServeWS)
	router.Get("/healthz", healthHandler(orderStore, chain, cfg.EscrowContract))
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: router,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go recon.NewScheduler(reconciler, cfg.SyncInterval.Duration, logger).Start(ctx)
	go sweeper.NewScheduler(sweep, cfg.SweepInterval.Duration, logger).Start(ctx)

	go func() {
		logger.Info("escrowd listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down escrowd")
	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}

// healthHandler reports liveness along with the reconciler's cursor position
// so operators can watch sync lag.
func healthHandler(orderStore *store.Store, chain models.Chain, contract string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "ok"}
		cursor, err := orderStore.Cursor(r.Context(), chain, contract)
		switch {
		case err == nil:
			resp["cursor"] = map[string]any{
				"chain":      cursor.Chain,
				"contract":   cursor.Contract,
				"last_block": cursor.LastBlock,
				"updated_at": cursor.UpdatedAt.UTC().Format(time.RFC3339),
			}
		case errors.Is(err, lifecycle.ErrNotFound):
			resp["cursor"] = nil
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			resp["status"] = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
