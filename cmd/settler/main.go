package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mohammednour-ai/matex/internal/app"
	"github.com/mohammednour-ai/matex/internal/clock"
	"github.com/mohammednour-ai/matex/internal/config"
	"github.com/mohammednour-ai/matex/internal/events"
	"github.com/mohammednour-ai/matex/internal/logger"
	"github.com/mohammednour-ai/matex/internal/obs"
	"github.com/mohammednour-ai/matex/internal/payment"
	"github.com/mohammednour-ai/matex/internal/settler"
	"github.com/mohammednour-ai/matex/internal/storage/postgres"
	"github.com/mohammednour-ai/matex/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logg.Sync()

	startupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if cfg.OTLPEndpoint != "" {
		shutdownTracer, err := obs.InitTracer(startupCtx, "matex-settler", cfg.OTLPEndpoint)
		if err != nil {
			logg.Fatal("init tracer", "err", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(ctx); err != nil {
				logg.Warn("tracer shutdown", "err", err)
			}
		}()
	}

	pool, err := pgxpool.New(startupCtx, cfg.DatabaseURL)
	if err != nil {
		logg.Fatal("connect to db", "err", err)
	}
	defer pool.Close()

	if err := pool.Ping(startupCtx); err != nil {
		logg.Fatal("db ping", "err", err)
	}
	if err := migrations.Apply(startupCtx, pool); err != nil {
		logg.Fatal("apply migrations", "err", err)
	}

	gateway, err := payment.NewOmiseGateway(cfg.OmisePublicKey, cfg.OmiseSecretKey)
	if err != nil {
		logg.Fatal("init payment gateway", "err", err)
	}

	var ev app.EventPublisher
	if cfg.AMQPURL != "" {
		publisher, err := events.NewPublisher(cfg.AMQPURL, cfg.EventsExchange)
		if err != nil {
			logg.Fatal("connect to rabbitmq", "err", err)
		}
		defer publisher.Close()
		ev = publisher
	} else {
		logg.Warn("AMQP_URL not set, settlement events disabled")
	}

	clk := clock.NewSystem()
	depositRepo := postgres.NewDepositRepository(pool)
	auctionRepo := postgres.NewAuctionRepository(pool)
	bidRepo := postgres.NewBidRepository(pool)
	settingsRepo := postgres.NewSettingsRepository(pool)

	depositSvc := app.NewDepositService(depositRepo, auctionRepo, gateway, clk, logg)
	settingsSvc := app.NewSettingsService(settingsRepo)
	settlementSvc := app.NewSettlementService(auctionRepo, bidRepo, depositSvc, gateway, settingsSvc, ev, clk, logg)

	runner := settler.New(settlementSvc, logg, cfg.SettleInterval, cfg.SettleBatch)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logg.Info("settler running", "interval", cfg.SettleInterval, "batch", cfg.SettleBatch)
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error("settler stopped", "err", err)
		return
	}
	logg.Info("settler stopped")
}
