package main

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
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
	"github.com/mohammednour-ai/matex/internal/storage/postgres"
	transporthttp "github.com/mohammednour-ai/matex/internal/transport/http"
	"github.com/mohammednour-ai/matex/migrations"
)

const shutdownTimeout = 10 * time.Second

func main() {
	loadEnvFile()

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
		shutdownTracer, err := obs.InitTracer(startupCtx, "matex-api", cfg.OTLPEndpoint)
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

	var publisher *events.Publisher
	if cfg.AMQPURL != "" {
		publisher, err = events.NewPublisher(cfg.AMQPURL, cfg.EventsExchange)
		if err != nil {
			logg.Fatal("connect to rabbitmq", "err", err)
		}
		defer publisher.Close()
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
	settlementSvc := newSettlementService(auctionRepo, bidRepo, depositSvc, gateway, settingsSvc, publisher, clk, logg)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", transporthttp.HealthHandler)
	mux.Handle("/deposits", transporthttp.HandleCreateDeposit(depositSvc))
	mux.Handle("/deposits/status", transporthttp.HandleDepositStatus(depositSvc))
	mux.Handle("/deposits/", transporthttp.HandleCancelDeposit(depositSvc))
	mux.Handle("/admin/auctions/", transporthttp.RequireAdmin(cfg.AdminToken, transporthttp.HandleAdminAuctions(settlementSvc)))
	mux.Handle("/admin/settings/fees", transporthttp.RequireAdmin(cfg.AdminToken, transporthttp.HandleAdminFees(settingsSvc)))
	mux.Handle("/", transporthttp.NotFoundHandler())

	handler := transporthttp.RequestLogger(transporthttp.CORS(parseCSV(cfg.CORSOrigins), mux), logg)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler,
	}

	logg.Info("api listening", "addr", cfg.HTTPAddr)

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- server.ListenAndServe()
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error("server error", "err", err)
		}
	case <-stopCtx.Done():
		logg.Info("shutdown signal received, stopping server")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error("server shutdown error", "err", err)
	}
	logg.Info("server stopped")
}

// newSettlementService exists so a nil *events.Publisher never masquerades as
// a non-nil EventPublisher interface inside the service.
func newSettlementService(
	auctions *postgres.AuctionRepository,
	bids *postgres.BidRepository,
	ledger *app.DepositService,
	gateway *payment.OmiseGateway,
	settings *app.SettingsService,
	publisher *events.Publisher,
	clk clock.Clock,
	logg *logger.Logger,
) *app.SettlementService {
	var ev app.EventPublisher
	if publisher != nil {
		ev = publisher
	}
	return app.NewSettlementService(auctions, bids, ledger, gateway, settings, ev, clk, logg)
}

func parseCSV(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func loadEnvFile() {
	path, err := findEnvFile()
	if err != nil || path == "" {
		return
	}

	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()
	_ = parseEnvFile(file)
}

func findEnvFile() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for i := 0; i < 6; i++ {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", nil
}

func parseEnvFile(file *os.File) error {
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if lineNum == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = trimQuotes(strings.TrimSpace(value))
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
	return scanner.Err()
}

func trimQuotes(value string) string {
	if len(value) < 2 {
		return value
	}
	if (value[0] == '"' && value[len(value)-1] == '"') ||
		(value[0] == '\'' && value[len(value)-1] == '\'') {
		return value[1 : len(value)-1]
	}
	return value
}
