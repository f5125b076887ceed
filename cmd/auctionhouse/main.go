package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jensholdgaard/nft-auction-house/internal/api"
	"github.com/jensholdgaard/nft-auction-house/internal/clock"
	"github.com/jensholdgaard/nft-auction-house/internal/config"
	"github.com/jensholdgaard/nft-auction-house/internal/funds"
	"github.com/jensholdgaard/nft-auction-house/internal/health"
	"github.com/jensholdgaard/nft-auction-house/internal/leader"
	"github.com/jensholdgaard/nft-auction-house/internal/market"
	"github.com/jensholdgaard/nft-auction-house/internal/nft"
	"github.com/jensholdgaard/nft-auction-house/internal/notify"
	"github.com/jensholdgaard/nft-auction-house/internal/store"
	"github.com/jensholdgaard/nft-auction-house/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/nft-auction-house/internal/store/entstore"
	_ "github.com/jensholdgaard/nft-auction-house/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	// Open store using the configured driver (sqlx or ent).
	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	// Asset custody and settlement collaborators.
	assets := nft.NewLedger()
	bank := funds.NewVault()

	mkt := market.NewMarketplace(cfg.Market.EscrowAccount, assets, bank, repos, logger, tp.TracerProvider, clk)

	// Setup health checks.
	healthHandler := health.NewHandler(clk,
		health.Checker{
			Name:  "database",
			Check: repos.Ping,
		},
	)

	// HTTP server carries health endpoints on all replicas plus the
	// marketplace API. Readiness gates traffic to the leader.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler())
	api.NewHandlers(mkt, logger, tp.TracerProvider).Register(mux)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
		}
	}()

	// startMarket is the core work that only the leader should run.
	startMarket := func(ctx context.Context) {
		// Recover sales from the event store so in-flight auctions
		// survive restarts and leader failover.
		if n, recoverErr := mkt.RecoverSales(ctx); recoverErr != nil {
			logger.ErrorContext(ctx, "sale recovery failed", slog.Any("error", recoverErr))
			return
		} else if n > 0 {
			logger.InfoContext(ctx, "recovered sales", slog.Int("count", n))
		}

		var announcer *notify.Announcer
		if cfg.Discord.Enabled {
			a, notifyErr := notify.New(cfg.Discord, logger)
			if notifyErr != nil {
				logger.ErrorContext(ctx, "creating announcer failed", slog.Any("error", notifyErr))
				return
			}
			if notifyErr = a.Start(ctx); notifyErr != nil {
				logger.ErrorContext(ctx, "starting announcer failed", slog.Any("error", notifyErr))
				return
			}
			mkt.AddObserver(a)
			announcer = a
		}

		healthHandler.SetReady(true)
		logger.InfoContext(ctx, "auction house is running (leader)", slog.String("version", version))

		// Block until leadership is lost or process is shutting down.
		<-ctx.Done()

		healthHandler.SetReady(false)
		if announcer != nil {
			if stopErr := announcer.Stop(); stopErr != nil {
				logger.Error("announcer shutdown error", slog.Any("error", stopErr))
			}
		}
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")

		if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, startMarket, func() {
			logger.Info("lost leadership, shutting down...")
			cancel()
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else {
		// No leader election: run directly.
		startMarket(ctx)
		logger.Info("shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
