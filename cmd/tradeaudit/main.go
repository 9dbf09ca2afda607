package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"TradeAudit/internal/ingestion"
	"TradeAudit/internal/observability"
	"TradeAudit/internal/persistence"
	"TradeAudit/internal/pool"
	"TradeAudit/internal/query"
	"TradeAudit/internal/server"
)

// Config holds all application configuration, loaded from environment
// variables.
type Config struct {
	// Postgres
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Connection pool
	PoolMaxConns       int
	PoolMaxLifetime    time.Duration
	PoolAcquireTimeout time.Duration

	// Async writer
	QueueSize int
	Workers   int
	BatchSize int

	// NATS
	NATSURL string

	// Listeners
	GRPCAddr    string
	HTTPAddr    string
	MetricsAddr string

	// Shutdown
	DrainTimeout time.Duration

	// Migrations
	MigrationsDir string
}

func DefaultConfig() Config {
	return Config{
		DBHost:             envOrDefault("AUDIT_DB_HOST", "localhost"),
		DBPort:             envIntOrDefault("AUDIT_DB_PORT", 5432),
		DBUser:             envOrDefault("AUDIT_DB_USER", "audit"),
		DBPassword:         envOrDefault("AUDIT_DB_PASSWORD", "audit_dev_password"),
		DBName:             envOrDefault("AUDIT_DB_NAME", "backoffice"),
		DBSSLMode:          envOrDefault("AUDIT_DB_SSLMODE", "disable"),
		PoolMaxConns:       envIntOrDefault("AUDIT_POOL_MAX_CONNS", 10),
		PoolMaxLifetime:    envDurOrDefault("AUDIT_POOL_MAX_LIFETIME", time.Hour),
		PoolAcquireTimeout: envDurOrDefault("AUDIT_POOL_ACQUIRE_TIMEOUT", 30*time.Second),
		QueueSize:          envIntOrDefault("AUDIT_QUEUE_SIZE", 1024),
		Workers:            envIntOrDefault("AUDIT_WORKERS", 4),
		BatchSize:          envIntOrDefault("AUDIT_BATCH_SIZE", 25),
		NATSURL:            envOrDefault("AUDIT_NATS_URL", "nats://localhost:4222"),
		GRPCAddr:           envOrDefault("AUDIT_GRPC_ADDR", ":9090"),
		HTTPAddr:           envOrDefault("AUDIT_HTTP_ADDR", ":8080"),
		MetricsAddr:        envOrDefault("AUDIT_METRICS_ADDR", ":9091"),
		DrainTimeout:       envDurOrDefault("AUDIT_DRAIN_TIMEOUT", 30*time.Second),
		MigrationsDir:      envOrDefault("AUDIT_MIGRATIONS_DIR", "migrations"),
	}
}

func (c Config) postgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.DBUser), url.QueryEscape(c.DBPassword),
		c.DBHost, c.DBPort, url.PathEscape(c.DBName), c.DBSSLMode)
}

func main() {
	logger := observability.NewLogger("main")
	logger.Info().Msg("TradeAudit starting")

	cfg := DefaultConfig()

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Migrations (dedicated admin connection, closed right after) ---
	adminDB, err := sql.Open("postgres", cfg.postgresURL())
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	if err := adminDB.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	migrator := persistence.NewMigrator(adminDB, cfg.MigrationsDir, observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	adminDB.Close()
	logger.Info().Msg("migrations applied")

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Connection pool ---
	factory := pool.NewPostgresFactory(pool.PostgresConfig{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		SSLMode:  cfg.DBSSLMode,
	})
	pools := pool.NewManager(factory, pool.Config{
		MaxConns:       cfg.PoolMaxConns,
		MaxLifetime:    cfg.PoolMaxLifetime,
		AcquireTimeout: cfg.PoolAcquireTimeout,
	}, observability.NewLogger("pool"), metrics)
	defer pools.Close()

	// --- Persistence: repository, async writer, recorder ---
	repo := persistence.NewRepository(pools, cfg.DBName, observability.NewLogger("repository"), metrics)

	writer := persistence.NewAsyncWriter(repo, persistence.WriterConfig{
		QueueSize: cfg.QueueSize,
		Workers:   cfg.Workers,
		BatchSize: cfg.BatchSize,
	}, observability.NewLogger("writer"), metrics)
	writer.Start()

	recorder := persistence.NewRecorder(writer, repo, observability.NewLogger("recorder"), metrics)

	// --- NATS ingestion ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	logger.Info().Msg("NATS connected")

	if err := ingestion.EnsureAuditStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure audit stream")
	}

	subscriber := ingestion.NewSubscriber(js, recorder, observability.NewLogger("subscriber"), metrics)
	if err := subscriber.Subscribe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	// --- Query service + servers ---
	queryService := query.NewService(pools, cfg.DBName)

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, observability.NewLogger("grpc"))

	httpServer, err := server.NewHTTPServer(cfg.HTTPAddr, &server.HTTPDeps{
		Query:    queryService,
		Pools:    pools,
		Database: cfg.DBName,
		Health:   healthChecker,
		Metrics:  metrics,
	}, observability.NewLogger("http"))
	if err != nil {
		logger.Fatal().Err(err).Msg("build http server")
	}

	// --- Start goroutines ---
	errChan := make(chan error, 4)

	go func() {
		errChan <- grpcServer.Start(ctx)
	}()

	go func() {
		errChan <- httpServer.Start(ctx)
	}()

	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)

	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Int("workers", cfg.Workers).
		Msg("TradeAudit ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake first, then drain the queue, then release resources.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	subscriber.Stop()

	if remaining := writer.Shutdown(cfg.DrainTimeout); remaining > 0 {
		logger.Warn().Int("remaining", remaining).Msg("audit entries undrained at shutdown")
	}

	cancel()

	logger.Info().Msg("TradeAudit shutdown complete")
}

// --- Helpers ---

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return defaultVal
	}
	return i
}

func envDurOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
