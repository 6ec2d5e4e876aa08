package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/link-rotator/internal"
	"github.com/koopa0/system-design/link-rotator/internal/admin"
	"github.com/koopa0/system-design/link-rotator/internal/archive"
	"github.com/koopa0/system-design/link-rotator/internal/clicks"
	"github.com/koopa0/system-design/link-rotator/internal/ingress"
	"github.com/koopa0/system-design/link-rotator/internal/linkpool"
	"github.com/koopa0/system-design/link-rotator/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 載入配置
	config, err := internal.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 設定日誌
	log, err := logger.New(logger.Options{
		Level:  config.Log.Level,
		Format: config.Log.Format,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	registry, err := clicks.NewRegistry(config.EntitySpecs())
	if err != nil {
		return fmt.Errorf("build entity registry: %w", err)
	}

	ctx := context.Background()

	// 帳本與號碼池
	var (
		ledger  clicks.Ledger
		primary linkpool.Backend
	)
	switch config.Storage.Backend {
	case internal.StorageMemory:
		log.Warn("using in-memory storage, data is lost on restart")
		ledger = clicks.NewMemoryLedger(int(config.Rotation.MaxLogLength))
		primary = linkpool.NewMemoryBackend()

	default:
		redisClient := redis.NewClient(&redis.Options{
			Addr:         config.Redis.Addr,
			Password:     config.Redis.Password,
			DB:           config.Redis.DB,
			PoolSize:     config.Redis.PoolSize,
			MinIdleConns: config.Redis.MinIdleConns,
			MaxRetries:   config.Redis.MaxRetries,
			ReadTimeout:  config.Redis.ReadTimeout,
			WriteTimeout: config.Redis.WriteTimeout,
		})
		defer redisClient.Close()

		// Redis 暫時不可用時仍啟動：讀取會降級到預設值
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis not reachable at startup", "addr", config.Redis.Addr, "error", err)
		}
		cancel()

		ledger = clicks.NewRedisLedger(redisClient, clicks.RedisLedgerOptions{
			KeyPrefix:    config.Redis.KeyPrefix,
			MaxLogLength: config.Rotation.MaxLogLength,
		}, log)
		primary = linkpool.NewRedisBackend(redisClient, config.Redis.KeyPrefix)
	}

	var fallback linkpool.Backend
	if config.LinkPool.FallbackFile != "" {
		fallback = linkpool.NewFileBackend(config.LinkPool.FallbackFile)
	}
	links := linkpool.NewStore(primary, fallback, registry, log)

	opts := ingress.Options{
		RecordMode:       ingress.RecordMode(config.Rotation.RecordMode),
		Location:         config.Location(),
		UserSeparator:    config.Rotation.UserSeparator,
		DefaultReadLimit: config.Rotation.DefaultReadLimit,
		SeriesMaxEvents:  config.Series.MaxEvents,
	}

	// 歸檔管線（選用）
	if config.Archive.Enabled {
		conn, js, err := archive.Connect(archive.StreamOptions{
			URL:           config.Archive.NATSURL,
			Stream:        config.Archive.Stream,
			SubjectPrefix: config.Archive.SubjectPrefix,
		})
		if err != nil {
			return fmt.Errorf("connect archive stream: %w", err)
		}
		defer conn.Drain()

		opts.Publisher = archive.NewPublisher(js, config.Archive.SubjectPrefix, log)
		opts.PublishTimeout = config.Archive.PublishTimeout
		log.Info("click archive enabled", "stream", config.Archive.Stream)
	}

	if config.Series.Source == internal.SeriesSourceArchive {
		pool, err := newPostgresPool(ctx, config)
		if err != nil {
			return err
		}
		defer pool.Close()

		opts.Archive = archive.NewPostgresStore(pool)
	}

	gate, err := admin.New(admin.Options{
		Secret:             config.Admin.Secret,
		Mode:               admin.Mode(config.Admin.TokenMode),
		TTL:                config.Admin.TokenTTL,
		SigningKey:         config.SigningKey(),
		AcceptLegacyTokens: config.Admin.AcceptLegacyTokens,
	})
	if err != nil {
		return fmt.Errorf("init admin gate: %w", err)
	}

	svc := ingress.NewService(registry, ledger, links, opts, log)
	handler := ingress.NewHandler(svc, gate, log)

	// 設定 HTTP 伺服器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// 啟動伺服器
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server",
			"port", config.Server.Port,
			"storage", config.Storage.Backend,
			"record_mode", config.Rotation.RecordMode,
		)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			// 強制關閉伺服器
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}
	}

	log.Info("server stopped")
	return nil
}

// newPostgresPool 建立歸檔資料庫連線池
func newPostgresPool(ctx context.Context, config *internal.Config) (*pgxpool.Pool, error) {
	pgConfig, err := pgxpool.ParseConfig(config.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if config.Postgres.MaxConns > 0 {
		pgConfig.MaxConns = config.Postgres.MaxConns
	}
	if config.Postgres.MinConns > 0 {
		pgConfig.MinConns = config.Postgres.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}
