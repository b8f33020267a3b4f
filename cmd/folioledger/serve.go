package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"FolioLedger/internal/clock"
	"FolioLedger/internal/config"
	"FolioLedger/internal/core"
	"FolioLedger/internal/ingestion"
	"FolioLedger/internal/observability"
	"FolioLedger/internal/persistence"
	"FolioLedger/internal/query"
	"FolioLedger/internal/scheduler"
	"FolioLedger/internal/server"
	"FolioLedger/internal/underwriting"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var stdout = os.Stdout

func serve(parent context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level := observability.ParseLogLevel(cfg.Logging.Level)
	zerolog.SetGlobalLevel(level)
	logger := observability.NewLoggerTo(stdout, "folioledger", level)
	component := func(name string) zerolog.Logger {
		return observability.NewLoggerTo(stdout, name, level)
	}
	logger.Info().Str("driver", cfg.Database.Driver).Str("currency", cfg.Currency).Msg("FolioLedger starting")

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	clk := clock.System{}

	// --- Storage ---
	store, err := openStore(ctx, cfg, metrics, component("store"))
	if err != nil {
		return err
	}
	defer store.Close()

	migrator, err := persistence.NewMigrator(store, component("migrator"))
	if err != nil {
		return err
	}
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	health := observability.NewHealthChecker()
	health.AddCheck("database", store.Ping)

	g, ctx := errgroup.WithContext(ctx)

	// --- Outbox → NATS ---
	if cfg.NATS.URL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, component("nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStream(ctx, js, cfg.NATS.Stream); err != nil {
			return err
		}
		health.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})

		publisher := ingestion.NewRecordPublisher(js, cfg.NATS.Stream, component("publisher"))
		worker := persistence.NewOutboxWorker(store.DB(), publisher, cfg.Outbox.BatchSize, cfg.Outbox.PollInterval,
			metrics, component("outbox"))
		store.OnOutboxCommit(worker.Wake)
		g.Go(func() error { return worker.Run(ctx) })
	} else {
		logger.Warn().Msg("nats.url is empty, outbox rows will not be published")
	}

	// --- Risk scoring ---
	var scorer underwriting.RiskScorer = unconfiguredScorer{}
	if cfg.Risk.Addr != "" {
		conn, err := grpc.NewClient(cfg.Risk.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("risk client: %w", err)
		}
		defer conn.Close()
		scorer = underwriting.NewGRPCRiskScorer(conn, metrics, component("risk"))
	} else {
		logger.Warn().Msg("risk.addr is empty, every insurance application will be rejected")
	}

	// --- Domain services ---
	underwriter := underwriting.NewService(store, scorer, clk, underwriting.Config{
		ScoreTimeout:   cfg.Risk.Timeout,
		MaxRiskPercent: cfg.Risk.MaxRiskPercent,
	}, metrics, component("underwriting"))

	svc := server.NewLedgerService(server.Deps{
		Store:        store,
		Clock:        clk,
		Trades:       core.NewTradeEngine(store, clk, cfg.Currency, metrics, component("trades")),
		Cash:         core.NewCashService(store, clk, cfg.Currency, metrics, component("cash")),
		Query:        query.NewService(store, clk, cfg.Currency),
		Underwriting: underwriter,
	})

	// --- Premium scheduler ---
	if cfg.Scheduler.Enabled {
		premiums, err := scheduler.NewPremiumScheduler(store, clk, scheduler.Config{
			Spec:          cfg.Scheduler.Spec,
			BillingPeriod: cfg.Scheduler.BillingPeriod,
		}, metrics, component("scheduler"))
		if err != nil {
			return err
		}
		g.Go(func() error { return premiums.Start(ctx) })
	}

	// --- API ---
	api := server.NewServer(svc, server.Options{
		GRPCAddr:      cfg.Server.GRPCAddr,
		HTTPAddr:      cfg.Server.HTTPAddr,
		HealthChecker: health,
		Metrics:       metrics,
		Logger:        component("api"),
	})
	g.Go(func() error { return api.StartGRPC(ctx) })
	g.Go(func() error { return api.StartHTTP(ctx) })

	if cfg.Server.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.Server.MetricsAddr, logger) })
	}

	health.SetReady(true)
	logger.Info().
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("FolioLedger ready")

	err = g.Wait()
	health.SetReady(false)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("shutting down after failure")
		return err
	}
	logger.Info().Msg("FolioLedger stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, metrics *observability.Metrics, logger zerolog.Logger) (*persistence.Store, error) {
	return persistence.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, persistence.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, metrics, logger)
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// unconfiguredScorer fails every call so applications are rejected with
// reason scorer_error.
type unconfiguredScorer struct{}

func (unconfiguredScorer) Score(context.Context, underwriting.Applicant) (float64, error) {
	return 0, errors.New("risk scoring is not configured")
}
