package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apihttp "microgrid-ledger/internal/api/http"
	"microgrid-ledger/internal/audit"
	"microgrid-ledger/internal/auth"
	"microgrid-ledger/internal/config"
	eventingrepo "microgrid-ledger/internal/eventing/infrastructure/postgres"
	"microgrid-ledger/internal/ingestion"
	"microgrid-ledger/internal/ledger"
	"microgrid-ledger/internal/ledger/evm"
	masterdatarepo "microgrid-ledger/internal/masterdata/infrastructure/postgres"
	"microgrid-ledger/internal/observability/logging"
	"microgrid-ledger/internal/observability/metrics"
	orderapp "microgrid-ledger/internal/orderbook/application"
	orderredis "microgrid-ledger/internal/orderbook/infrastructure/redis"
	"microgrid-ledger/internal/scheduler"
	settlementapp "microgrid-ledger/internal/settlement/application"
	settlementrepo "microgrid-ledger/internal/settlement/infrastructure/postgres"
	telemetry "microgrid-ledger/internal/telemetry/domain"
	telemetryredis "microgrid-ledger/internal/telemetry/infrastructure/redis"
	telemetryhttp "microgrid-ledger/internal/telemetry/interfaces/http"
)

const (
	staleSweepInterval = time.Minute
	gaugeInterval      = 30 * time.Second
	pruneInterval      = time.Hour
	signalRetention    = 7 * 24 * time.Hour
	shutdownTimeout    = 15 * time.Second
)

func main() {
	cfg, err := config.Load(os.Getenv("LEDGER_CONFIG"))
	if err != nil {
		zap.NewExample().Fatal("config error", zap.Error(err))
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		zap.NewExample().Fatal("logger error", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	if cfg.DB.DSN == "" {
		logger.Fatal("db.dsn (PG_DSN) is required")
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("auth.jwt_secret (AUTH_JWT_SECRET) is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.DB.DSN)
	if err != nil {
		logger.Fatal("db open error", zap.Error(err))
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("db ping error", zap.Error(err))
	}

	metrics.Init(db, logger)
	auditRepo := audit.NewRepository(db)

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis ping error", zap.Error(err))
	}

	gateway, err := buildLedger(ctx, cfg.Ledger, logger)
	if err != nil {
		logger.Fatal("ledger gateway error", zap.Error(err))
	}

	readings := telemetryredis.NewStore(redisClient, telemetryredis.WithRetention(cfg.Redis.TelemetryRetention))

	engine, err := buildEngine(db, readings, gateway, auditRepo, cfg, logger)
	if err != nil {
		logger.Fatal("settlement engine error", zap.Error(err))
	}
	poller, err := settlementapp.NewConfirmationPoller(engine, 0)
	if err != nil {
		logger.Fatal("confirmation poller error", zap.Error(err))
	}

	cache, err := orderapp.NewCache(orderredis.NewStore(redisClient), orderapp.SystemClock{}, logger)
	if err != nil {
		logger.Fatal("order cache error", zap.Error(err))
	}
	orderService, err := orderapp.NewService(cache, gateway, auditRepo, logger)
	if err != nil {
		logger.Fatal("order service error", zap.Error(err))
	}
	reconciler, err := orderapp.NewReconciler(cache, gateway, auditRepo, logger)
	if err != nil {
		logger.Fatal("reconciler error", zap.Error(err))
	}

	processed := eventingrepo.NewProcessedStore(db)
	var schedOpts []scheduler.Option
	if cfg.NATS.Enabled {
		schedOpts = append(schedOpts, scheduler.WithSignalPruner(processed))
	}
	sched, err := scheduler.New(scheduler.Config{
		AutoSettlement:     cfg.Settlement.AutoEnabled,
		SettlementInterval: cfg.Settlement.Interval(),
		StaleSweepInterval: staleSweepInterval,
		PollInterval:       cfg.Settlement.ConfirmationPollInterval,
		GaugeInterval:      gaugeInterval,
		PruneInterval:      pruneInterval,
		SignalRetention:    signalRetention,
	}, engine, poller, cache, logger, schedOpts...)
	if err != nil {
		logger.Fatal("scheduler error", zap.Error(err))
	}
	sched.Start(ctx)
	defer sched.Stop()

	if cfg.NATS.Enabled {
		subscriber, closeNATS, err := startSignals(ctx, cfg.NATS, reconciler, engine, orderService, processed, logger)
		if err != nil {
			logger.Fatal("signal ingestion error", zap.Error(err))
		}
		defer closeNATS()
		defer subscriber.Stop()
	}

	handler, err := buildHTTP(cfg, engine, orderService, sched, readings, logger)
	if err != nil {
		logger.Fatal("http wiring error", zap.Error(err))
	}
	server := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
}

func buildLedger(ctx context.Context, cfg config.LedgerConfig, logger *zap.Logger) (ledger.Gateway, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("ledger.rpc_url is required")
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	chain, err := evm.Dial(dialCtx, evm.Config{
		RPCURL:          cfg.RPCURL,
		ChainID:         cfg.ChainID,
		ContractAddress: cfg.ContractAddress,
		PrivateKey:      cfg.PrivateKey,
		ValueDecimals:   cfg.ValueDecimals,
	}, logger)
	if err != nil {
		return nil, err
	}
	return ledger.NewInstrumented(chain, cfg.RequestTimeout)
}

func buildEngine(
	db *sql.DB,
	readings telemetry.Store,
	gateway ledger.Gateway,
	recorder audit.Recorder,
	cfg config.Config,
	logger *zap.Logger,
) (*settlementapp.Engine, error) {
	ratio, err := cfg.Settlement.Ratio()
	if err != nil {
		return nil, err
	}
	policy, err := config.LoadPolicy(cfg.Settlement.PolicyFile, config.Thresholds{MinWh: cfg.Settlement.MinWh})
	if err != nil {
		return nil, err
	}
	return settlementapp.NewEngine(
		settlementrepo.NewSettlementRepository(db),
		readings,
		gateway,
		masterdatarepo.NewDeviceRepository(db),
		settlementapp.Options{
			MinWh:           cfg.Settlement.MinWh,
			ConversionRatio: ratio,
			StaleAfter:      cfg.Settlement.StaleAfter(),
			SweepPolicy:     settlementapp.SweepPolicy(cfg.Settlement.SweepPolicy),
			Overrides:       policy,
		},
		settlementapp.WithRecorder(recorder),
		settlementapp.WithLogger(logger),
	)
}

func startSignals(
	ctx context.Context,
	cfg config.NATSConfig,
	trades ingestion.TradeReconciler,
	settlements ingestion.SettlementConfirmer,
	placements ingestion.PlacementConfirmer,
	processed *eventingrepo.ProcessedStore,
	logger *zap.Logger,
) (*ingestion.Subscriber, func(), error) {
	nc, js, err := ingestion.Connect(cfg.URL, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := ingestion.EnsureStream(ctx, js, cfg.Stream); err != nil {
		nc.Close()
		return nil, nil, err
	}
	router, err := ingestion.NewRouter(trades, settlements, placements, processed, logger)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	subscriber := ingestion.NewSubscriber(js, router, logger)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects(cfg.Stream, cfg.Durable)); err != nil {
		nc.Close()
		return nil, nil, err
	}
	return subscriber, func() { _ = nc.Drain() }, nil
}

func buildHTTP(
	cfg config.Config,
	engine *settlementapp.Engine,
	orders *orderapp.Service,
	sched *scheduler.Scheduler,
	readings telemetry.Store,
	logger *zap.Logger,
) (http.Handler, error) {
	manualHandler, err := apihttp.NewManualSettlementHandler(engine, logger)
	if err != nil {
		return nil, err
	}
	ordersHandler, err := apihttp.NewOrdersHandler(orders, logger)
	if err != nil {
		return nil, err
	}
	ingestHandler, err := telemetryhttp.NewIngestHandler(readings, logger)
	if err != nil {
		return nil, err
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/ingest/", "/api/v1/ledger/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.Auth.JWTSecret), policy, logger)
	callbackAuth := auth.NewCallbackMiddleware([]byte(cfg.Auth.CallbackSecret), cfg.Auth.CallbackMaxSkew)

	mux := http.NewServeMux()
	mux.Handle("/ingest/telemetry", callbackAuth.Wrap(ingestHandler))
	mux.Handle("/api/v1/ledger/confirmations", callbackAuth.Wrap(apihttp.NewLedgerCallbackHandler(engine)))
	mux.Handle("/api/v1/settlements", apihttp.NewSettlementsHandler(engine))
	mux.Handle("/api/v1/settlements/manual", manualHandler)
	mux.Handle("/api/v1/settlements/confirm", apihttp.NewConfirmSettlementHandler(engine))
	mux.Handle("/api/v1/exports/settlements.csv", apihttp.NewExportSettlementsCSVHandler(engine))
	mux.Handle("/api/v1/orders", ordersHandler)
	mux.Handle("/api/v1/orders/", ordersHandler)
	mux.Handle("/api/v1/admin/auto-settlement", apihttp.NewAutoSettlementHandler(sched, logger))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return loggingMiddleware(authMiddleware.Wrap(mux), logger), nil
}

func loggingMiddleware(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", resp.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
