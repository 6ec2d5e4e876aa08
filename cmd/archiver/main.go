// archiver 把 JetStream 上的點擊事件批次寫入 PostgreSQL
//
// 與 server 分開部署；server 端 archive.enabled 為 true 時才有事件可消費。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/system-design/link-rotator/internal"
	"github.com/koopa0/system-design/link-rotator/internal/archive"
	"github.com/koopa0/system-design/link-rotator/internal/archive/migrations"
	"github.com/koopa0/system-design/link-rotator/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	skipMigrate := flag.Bool("skip-migrate", false, "do not run schema migrations on startup")
	flag.Parse()

	if err := run(*configPath, *skipMigrate); err != nil {
		fmt.Fprintf(os.Stderr, "archiver: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, skipMigrate bool) error {
	config, err := internal.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Options{
		Level:  config.Log.Level,
		Format: config.Log.Format,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn := config.PostgresDSN()

	// 執行資料庫遷移
	if !skipMigrate {
		if err := migrations.Run(dsn, log); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	pgConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse postgres config: %w", err)
	}
	if config.Postgres.MaxConns > 0 {
		pgConfig.MaxConns = config.Postgres.MaxConns
	}
	if config.Postgres.MinConns > 0 {
		pgConfig.MinConns = config.Postgres.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	conn, js, err := archive.Connect(archive.StreamOptions{
		URL:           config.Archive.NATSURL,
		Stream:        config.Archive.Stream,
		SubjectPrefix: config.Archive.SubjectPrefix,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	consumer := archive.NewConsumer(js, archive.NewPostgresStore(pool), archive.ConsumerOptions{
		SubjectPrefix: config.Archive.SubjectPrefix,
		Durable:       config.Archive.Durable,
		BatchSize:     config.Archive.BatchSize,
		FlushInterval: config.Archive.FlushInterval,
		MaxDeliver:    config.Archive.MaxDeliver,
	}, log)

	log.Info("archiver starting",
		"nats", config.Archive.NATSURL,
		"stream", config.Archive.Stream,
	)

	if err := consumer.Run(ctx); err != nil {
		return fmt.Errorf("consumer: %w", err)
	}

	log.Info("archiver stopped")
	return nil
}
