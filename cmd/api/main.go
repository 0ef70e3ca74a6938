package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	apppipeline "github.com/bryanwahyu/automaton-vision/internal/application/pipeline"
	"github.com/bryanwahyu/automaton-vision/internal/config"
	domain "github.com/bryanwahyu/automaton-vision/internal/domain/pipeline"
	"github.com/bryanwahyu/automaton-vision/internal/infra/dedup"
	mysqldb "github.com/bryanwahyu/automaton-vision/internal/infra/db/mysql"
	postgresdb "github.com/bryanwahyu/automaton-vision/internal/infra/db/postgres"
	"github.com/bryanwahyu/automaton-vision/internal/infra/httpserver"
	"github.com/bryanwahyu/automaton-vision/internal/infra/imaging"
	"github.com/bryanwahyu/automaton-vision/internal/infra/notify"
	"github.com/bryanwahyu/automaton-vision/internal/infra/storage"
	"github.com/bryanwahyu/automaton-vision/internal/infra/trigger"
	openaivision "github.com/bryanwahyu/automaton-vision/internal/infra/vision/openai"
	"github.com/bryanwahyu/automaton-vision/internal/middleware"
	"github.com/bryanwahyu/automaton-vision/internal/retry"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation error: %v", err)
	}

	logger, err := buildLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Credentials resolve exactly once; a broken source is fatal here, not
	// at first use.
	apiKey, err := cfg.Credentials().APIKey()
	if err != nil {
		logger.Fatal("vision credentials error", zap.Error(err))
	}

	// At boot every init failure is worth retrying; the dependencies may
	// simply not be up yet.
	boot := retry.Retrier{
		Policy:   cfg.RetryPolicy(),
		Classify: func(error) bool { return true },
		Logger:   logger,
	}

	var store *storage.Store
	err = boot.Do(ctx, "storage init", func(ctx context.Context) error {
		var err error
		store, err = storage.New(ctx, storage.Config{
			Endpoint:      cfg.Storage.Endpoint,
			AccessKey:     cfg.Storage.AccessKey,
			SecretKey:     cfg.Storage.SecretKey,
			Region:        cfg.Storage.Region,
			UseSSL:        cfg.Storage.UseSSL,
			SourceBucket:  cfg.Storage.SourceBucket,
			ResultBucket:  cfg.Storage.ResultBucket,
			ArchivePrefix: cfg.Storage.ArchivePrefix,
			LatestKey:     cfg.Storage.LatestKey,
		})
		return err
	})
	if err != nil {
		logger.Fatal("storage init error", zap.Error(err))
	}

	var (
		db   *sql.DB
		repo domain.Repository
	)
	switch cfg.Database.Driver {
	case "postgres":
		err = boot.Do(ctx, "postgres connect", func(ctx context.Context) error {
			var err error
			db, err = postgresdb.Connect(ctx, cfg.PostgresDSN())
			return err
		})
		if err != nil {
			logger.Fatal("postgres connect error", zap.Error(err))
		}
		r := postgresdb.NewRunRepository(db)
		if err := r.EnsureSchema(ctx); err != nil {
			logger.Fatal("postgres schema error", zap.Error(err))
		}
		repo = r
	default:
		err = boot.Do(ctx, "mysql connect", func(ctx context.Context) error {
			var err error
			db, err = mysqldb.Connect(ctx, cfg.MySQLDSN())
			return err
		})
		if err != nil {
			logger.Fatal("mysql connect error", zap.Error(err))
		}
		r := mysqldb.NewRunRepository(db)
		if err := r.EnsureSchema(ctx); err != nil {
			logger.Fatal("mysql schema error", zap.Error(err))
		}
		repo = r
	}
	defer db.Close()

	checkers := map[string]middleware.HealthChecker{
		"storage":  middleware.CheckerFunc(store.Check),
		"database": &middleware.DatabaseHealthChecker{DB: db},
	}

	var guard domain.Guard = dedup.Noop{}
	if cfg.Redis.Addr != "" {
		g, err := dedup.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("redis connect error", zap.Error(err))
		}
		defer g.Close()
		guard = g
		checkers["redis"] = middleware.CheckerFunc(g.Check)
	}

	svc := &apppipeline.Service{
		Normalizer: imaging.NewNormalizer(logger),
		Vision: openaivision.NewClient(apiKey, cfg.Vision.Model, openaivision.Options{
			BaseURL: cfg.Vision.BaseURL,
			Scope:   cfg.Vision.Scope,
		}),
		Results:  store,
		Repo:     repo,
		Notifier: notify.NewNotifier(cfg.Notify.URL, cfg.NotifyTimeout()),
		Guard:    guard,
		Retrier: retry.Retrier{
			Policy:   cfg.RetryPolicy(),
			Classify: domain.IsTransient,
			Logger:   logger,
		},
		Clock:  apppipeline.SystemClock{},
		Logger: logger,
	}

	if cfg.Storage.Listen {
		listener := trigger.NewListener(store.Client(), store, svc,
			cfg.Storage.SourceBucket, cfg.Storage.SourcePrefix, logger)
		go func() {
			if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("bucket listener stopped", zap.Error(err))
			}
		}()
	}

	router := httpserver.NewRouter(svc, store, checkers, cfg.Server.APIKey, logger)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
		// The events endpoint is synchronous; the write timeout must
		// outlive a full retry budget.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
