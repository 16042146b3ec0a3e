package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"mediavault/internal/cache"
	"mediavault/internal/config"
	"mediavault/internal/handler"
	"mediavault/internal/metrics"
	"mediavault/internal/processing"
	"mediavault/internal/repository"
	"mediavault/internal/repository/memory"
	"mediavault/internal/service"
	"mediavault/internal/service/localfs"
	"mediavault/internal/service/miniostore"
	"mediavault/internal/service/s3"
)

const defaultConfigPath = ".app.env"

func connectWithRetry(ctx context.Context, dsn string, maxAttempts int, delay time.Duration, logger *zap.Logger) (*sqlx.DB, error) {
	var db *sqlx.DB
	var err error
	for i := 0; i < maxAttempts; i++ {
		db, err = sqlx.ConnectContext(ctx, "postgres", dsn)
		if err == nil {
			return db, nil
		}

		logger.Warn("failed to connect to database",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxAttempts, err)
}

func runMigrations(cfg *config.DatabaseConfig, logger *zap.Logger) error {
	m, err := migrate.New(cfg.MigrationsPath, cfg.GetMigrateURL())
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		logger.Warn("found dirty database state, forcing version", zap.Uint("version", version))
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.Store, func(context.Context) error, func(), error) {
	if cfg.Database.Driver == config.DatabaseMemory {
		logger.Warn("using in-memory metadata store; data is lost on restart")
		return memory.NewStore(), nil, func() {}, nil
	}

	db, err := connectWithRetry(ctx, cfg.Database.GetDSN(), cfg.Database.ConnectRetries, 5*time.Second, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := runMigrations(&cfg.Database, logger); err != nil {
		db.Close()
		return nil, nil, nil, err
	}

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	closeDB := func() {
		if err := db.Close(); err != nil {
			logger.Error("error closing database connection", zap.Error(err))
		}
	}
	return repository.NewPostgresStore(db), db.PingContext, closeDB, nil
}

func openContentStore(ctx context.Context, cfg *config.StorageConfig, logger *zap.Logger) (service.ContentStore, error) {
	switch cfg.Driver {
	case config.StorageS3:
		return s3.NewClient(ctx, &cfg.S3, logger)
	case config.StorageMinIO:
		return miniostore.New(ctx, cfg.MinIO, logger)
	default:
		return localfs.New(cfg.LocalRoot, logger)
	}
}

func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultConfigPath
	}

	// Загружаем конфигурацию
	appConfig, err := config.NewConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(appConfig.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(appConfig, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(appConfig *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, ping, closeStore, err := openStore(ctx, appConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer closeStore()

	content, err := openContentStore(ctx, &appConfig.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to open content store: %w", err)
	}

	m := metrics.New(appConfig.Metrics.Namespace)

	var quotaCache service.QuotaCache
	if appConfig.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     appConfig.Redis.Addr,
			Password: appConfig.Redis.Password,
			DB:       appConfig.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis is unavailable, quota cache will miss", zap.Error(err))
		}
		quotaCache = cache.NewQuotaCache(redisClient, appConfig.Redis.TTL, appConfig.Redis.KeyPrefix, logger)
	}

	// фоновые задачи останавливаются отдельно от сигнала, после HTTP-сервера
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	var processor service.MediaProcessor
	var mediaProcessor *processing.Processor
	if appConfig.Processing.Enabled {
		mediaProcessor = processing.NewProcessor(store, content,
			processing.DefaultProbers(appConfig.Processing.TempDir, appConfig.Processing.MaxImageBytes), m,
			processing.Options{
				Workers:       appConfig.Processing.Workers,
				QueueSize:     appConfig.Processing.QueueSize,
				SweepInterval: appConfig.Processing.SweepInterval,
				MaxImageBytes: appConfig.Processing.MaxImageBytes,
			}, logger)
		processor = mediaProcessor
	}

	// Инициализация сервисов
	userService := service.NewUserService(store, service.UserOptions{
		DefaultMaxBytes: appConfig.Quota.DefaultMaxBytes,
		NamespaceSecret: []byte(appConfig.Quota.NamespaceSecret),
	}, logger)
	quotaService := service.NewQuotaService(store, quotaCache, logger)
	mediaService := service.NewMediaService(store, content, quotaService, processor, m, service.IngestOptions{
		MaxUploadBytes:       appConfig.Upload.MaxBytes,
		WriteRetries:         appConfig.Upload.WriteRetries,
		RetryInitialInterval: appConfig.Upload.RetryInitialInterval,
		RetryMaxInterval:     appConfig.Upload.RetryMaxInterval,
	}, logger)
	trashService := service.NewTrashService(store, mediaService, m, service.TrashOptions{
		Retention:       appConfig.Trash.Retention,
		CleanupInterval: appConfig.Trash.CleanupInterval,
		BatchSize:       appConfig.Trash.BatchSize,
	}, logger)

	router := handler.NewRouter(handler.RouterConfig{
		Users:          handler.NewUserHandler(userService, logger),
		Quotas:         handler.NewStorageQuotaHandler(quotaService, logger),
		Trash:          handler.NewTrashHandler(trashService, logger),
		Media:          handler.NewMediaHandler(mediaService, appConfig.Upload.MaxBytes, appConfig.Upload.MaxMemory, logger),
		Metrics:        m.Handler(),
		Health:         ping,
		RequestTimeout: appConfig.Server.RequestTimeout,
		AllowedOrigins: appConfig.Server.AllowedOrigins,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", appConfig.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: appConfig.Server.ReadTimeout,
	}

	// gRPC сервер отдает только стандартную проверку здоровья
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", appConfig.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("starting gRPC server", zap.String("port", appConfig.Server.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()
	go func() {
		logger.Info("starting HTTP server", zap.String("port", appConfig.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	trashService.Start(bgCtx)
	if mediaProcessor != nil {
		mediaProcessor.Start(bgCtx)
		mediaProcessor.Sweep(bgCtx)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down servers")
	case runErr = <-errCh:
		logger.Error("server stopped unexpectedly", zap.Error(runErr))
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server forced to shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()

	stopBackground()
	trashService.Wait()
	if mediaProcessor != nil {
		mediaProcessor.Wait()
	}

	logger.Info("server exited properly")
	return runErr
}
