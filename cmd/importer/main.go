// importer 把舊系統的 JSON 檔案匯入 Redis
//
// 舊檔案格式：
//
//	{
//	  "Hero": {"clickCount": 12, "uniqueUsers": [...], "dailyClicks": {...}, "currentNumber": "..."},
//	  "whatsappNumbers": ["..."]
//	}
//
// 聚合文件以 PutAggregate 整份寫入；號碼池以 SetLinks 寫入，
// entity 沒有自己的號碼池時使用全域的 whatsappNumbers。
// 舊檔案沒有點擊日誌，不匯入事件。
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/link-rotator/internal"
	"github.com/koopa0/system-design/link-rotator/internal/clicks"
	"github.com/koopa0/system-design/link-rotator/internal/linkpool"
	"github.com/koopa0/system-design/link-rotator/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	file := flag.String("file", "data.json", "legacy JSON document to import")
	entityName := flag.String("entity", "", "import only this entity (default: all configured entities)")
	force := flag.Bool("force", false, "overwrite aggregates that already have clicks")
	dryRun := flag.Bool("dry-run", false, "parse and report without writing")
	flag.Parse()

	if err := run(*configPath, *file, *entityName, *force, *dryRun); err != nil {
		fmt.Fprintf(os.Stderr, "importer: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, file, entityName string, force, dryRun bool) error {
	config, err := internal.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Options{
		Level:  config.Log.Level,
		Format: "text",
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	registry, err := clicks.NewRegistry(config.EntitySpecs())
	if err != nil {
		return fmt.Errorf("build entity registry: %w", err)
	}

	entities := registry.Entities()
	if entityName != "" {
		e, ok := registry.Resolve(entityName)
		if !ok {
			return fmt.Errorf("unknown entity %q", entityName)
		}
		entities = []clicks.Entity{e}
	}

	// #nosec G304 - path 來自啟動參數
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", file, err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:         config.Redis.Addr,
		Password:     config.Redis.Password,
		DB:           config.Redis.DB,
		ReadTimeout:  config.Redis.ReadTimeout,
		WriteTimeout: config.Redis.WriteTimeout,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if !dryRun {
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}

	imp := &importer{
		ledger: clicks.NewRedisLedger(redisClient, clicks.RedisLedgerOptions{
			KeyPrefix:    config.Redis.KeyPrefix,
			MaxLogLength: config.Rotation.MaxLogLength,
		}, log),
		source: linkpool.NewFileBackend(file),
		links:  linkpool.NewStore(linkpool.NewRedisBackend(redisClient, config.Redis.KeyPrefix), nil, registry, log),
		doc:    doc,
		force:  force,
		dryRun: dryRun,
		logger: log,
	}

	var failed int
	for _, e := range entities {
		if err := imp.importEntity(logger.WithEntity(ctx, string(e)), e); err != nil {
			log.ErrorContext(logger.WithEntity(ctx, string(e)), "import failed", "error", err)
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d entities failed", failed, len(entities))
	}
	log.Info("import finished", "entities", len(entities), "dry_run", dryRun)
	return nil
}

type importer struct {
	ledger clicks.Ledger
	source linkpool.Backend
	links  *linkpool.Store
	doc    map[string]json.RawMessage
	force  bool
	dryRun bool
	logger *slog.Logger
}

// importEntity 匯入一個 entity 的聚合與號碼池
func (imp *importer) importEntity(ctx context.Context, e clicks.Entity) error {
	if raw, ok := imp.doc[string(e)]; ok {
		agg, err := clicks.DecodeAggregate(raw)
		if err != nil {
			return err
		}

		if err := imp.putAggregate(ctx, e, agg); err != nil {
			return err
		}
	} else {
		imp.logger.InfoContext(ctx, "no aggregate in legacy file")
	}

	pool, found, err := imp.source.Load(ctx, e)
	if err != nil {
		return err
	}
	if !found {
		imp.logger.InfoContext(ctx, "no link pool in legacy file")
		return nil
	}

	imp.logger.InfoContext(ctx, "importing link pool", "size", len(pool))
	if imp.dryRun {
		return nil
	}
	return imp.links.SetLinks(ctx, e, pool)
}

func (imp *importer) putAggregate(ctx context.Context, e clicks.Entity, agg clicks.Aggregate) error {
	imp.logger.InfoContext(ctx, "importing aggregate",
		"click_count", agg.ClickCount,
		"unique_users", agg.UniqueUsers(),
		"days", len(agg.DailyClicks),
	)
	if imp.dryRun {
		return nil
	}

	if !imp.force {
		existing, err := imp.ledger.GetAggregate(ctx, e)
		if err != nil {
			return err
		}
		if existing.ClickCount > 0 {
			imp.logger.WarnContext(ctx, "aggregate already has clicks, skipping (use -force to overwrite)",
				"existing_click_count", existing.ClickCount,
			)
			return nil
		}
	}

	return imp.ledger.PutAggregate(ctx, e, agg)
}
