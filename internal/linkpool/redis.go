package linkpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/link-rotator/internal/clicks"
)

// RedisBackend 以 links:<entity> 存放 JSON 陣列
type RedisBackend struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisBackend 建立 Redis 後端
func NewRedisBackend(client redis.UniversalClient, keyPrefix string) *RedisBackend {
	return &RedisBackend{client: client, keyPrefix: keyPrefix}
}

func (b *RedisBackend) key(e clicks.Entity) string {
	return b.keyPrefix + "links:" + string(e)
}

// Load 讀取號碼池
func (b *RedisBackend) Load(ctx context.Context, entity clicks.Entity) ([]string, bool, error) {
	key := b.key(entity)

	data, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}

	var links []string
	if err := json.Unmarshal(data, &links); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	if links == nil {
		links = []string{}
	}
	return links, true, nil
}

// Save 整份覆寫號碼池
func (b *RedisBackend) Save(ctx context.Context, entity clicks.Entity, links []string) error {
	if links == nil {
		links = []string{}
	}
	data, err := json.Marshal(links)
	if err != nil {
		return fmt.Errorf("encode links: %w", err)
	}

	key := b.key(entity)
	if err := b.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
