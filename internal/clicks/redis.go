package clicks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisLedger Redis 實作的點擊帳本
//
// 鍵配置：
//   - clicks:<entity> → list，LPUSH 追加（最新在前）
//   - stats:<entity>  → string，JSON 聚合文件
//
// 兩個鍵沿用舊系統的名稱，不在同一個 cluster slot，
// 因此只接受單節點 client（Record 的 Lua 腳本同時存取兩個鍵）。
//
// 聚合文件維持舊系統的 JSON 格式；Record 由 Lua 腳本在 Redis 內以 cjson 解析並寫回。
type RedisLedger struct {
	client       *redis.Client
	keyPrefix    string
	maxLogLength int64
	logger       *slog.Logger
	recordScript *redis.Script
}

// RedisLedgerOptions 可選設定
type RedisLedgerOptions struct {
	// KeyPrefix 所有鍵的前綴（多個環境共用同一個 Redis 時使用）
	KeyPrefix string

	// MaxLogLength 日誌上限，0 表示不限制
	MaxLogLength int64
}

// Lua 腳本：原子記錄一次點擊
//
// KEYS[1]: 聚合文件
// KEYS[2]: 點擊日誌
// ARGV[1]: 事件 JSON
// ARGV[2]: 日期（YYYY-MM-DD）
// ARGV[3]: base user id
// ARGV[4]: 日誌上限（0 表示不限制）
// ARGV[5..]: 號碼池
//
// 返回值：寫回後的聚合文件 JSON
//
// 邏輯與 ApplyClick 相同：先遞增，再以遞增後的 clickCount 選號。
const recordClickScript = `
local raw = redis.call('GET', KEYS[1])
local doc = {}
if raw then
	doc = cjson.decode(raw)
end

local count = (tonumber(doc.clickCount) or 0) + 1
doc.clickCount = count

if type(doc.dailyClicks) ~= 'table' then
	doc.dailyClicks = {}
end
local day = ARGV[2]
doc.dailyClicks[day] = (tonumber(doc.dailyClicks[day]) or 0) + 1

if type(doc.uniqueUsers) ~= 'table' then
	doc.uniqueUsers = {}
end
local seen = false
for _, u in ipairs(doc.uniqueUsers) do
	if u == ARGV[3] then
		seen = true
		break
	end
end
if not seen then
	table.insert(doc.uniqueUsers, ARGV[3])
end

local n = #ARGV - 4
if n > 0 then
	doc.currentLink = ARGV[5 + (count % n)]
else
	doc.currentLink = cjson.null
end
doc.currentNumber = nil

local encoded = cjson.encode(doc)

redis.call('LPUSH', KEYS[2], ARGV[1])
local maxLen = tonumber(ARGV[4])
if maxLen > 0 then
	redis.call('LTRIM', KEYS[2], 0, maxLen - 1)
end
redis.call('SET', KEYS[1], encoded)

return encoded
`

// NewRedisLedger 建立 Redis 帳本
func NewRedisLedger(client *redis.Client, opts RedisLedgerOptions, logger *slog.Logger) *RedisLedger {
	return &RedisLedger{
		client:       client,
		keyPrefix:    opts.KeyPrefix,
		maxLogLength: opts.MaxLogLength,
		logger:       logger,
		recordScript: redis.NewScript(recordClickScript),
	}
}

func (l *RedisLedger) clicksKey(e Entity) string {
	return l.keyPrefix + "clicks:" + string(e)
}

func (l *RedisLedger) statsKey(e Entity) string {
	return l.keyPrefix + "stats:" + string(e)
}

// AppendClick 追加事件
func (l *RedisLedger) AppendClick(ctx context.Context, entity Entity, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode click event: %w", err)
	}

	key := l.clicksKey(entity)
	if l.maxLogLength <= 0 {
		if err := l.client.LPush(ctx, key, data).Err(); err != nil {
			return fmt.Errorf("lpush %s: %w", key, err)
		}
		return nil
	}

	pipe := l.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, l.maxLogLength-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("lpush %s: %w", key, err)
	}
	return nil
}

// GetClicks 取最新的 limit 筆事件
func (l *RedisLedger) GetClicks(ctx context.Context, entity Entity, limit int) ([]Event, error) {
	if limit <= 0 {
		return []Event{}, nil
	}

	key := l.clicksKey(entity)
	raw, err := l.client.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}

	events := make([]Event, 0, len(raw))
	dropped := 0
	for _, item := range raw {
		ev, ok := ParseEvent(item)
		if !ok {
			dropped++
			continue
		}
		events = append(events, ev)
	}

	if dropped > 0 {
		l.logger.WarnContext(ctx, "dropped malformed click entries", "key", key, "dropped", dropped)
	}

	return events, nil
}

// GetAggregate 取聚合文件
//
// 不存在時用 SETNX 寫入初始值：
// 多個讀取者同時初始化時只有一個會成功，其他人讀回同一份基準。
func (l *RedisLedger) GetAggregate(ctx context.Context, entity Entity) (Aggregate, error) {
	key := l.statsKey(entity)

	data, err := l.client.Get(ctx, key).Bytes()
	if err == nil {
		return DecodeAggregate(data)
	}
	if !errors.Is(err, redis.Nil) {
		return Aggregate{}, fmt.Errorf("get %s: %w", key, err)
	}

	initial := NewAggregate()
	encoded, err := EncodeAggregate(initial)
	if err != nil {
		return Aggregate{}, err
	}

	created, err := l.client.SetNX(ctx, key, encoded, 0).Result()
	if err != nil {
		return Aggregate{}, fmt.Errorf("setnx %s: %w", key, err)
	}
	if created {
		l.logger.InfoContext(ctx, "initialized aggregate", "key", key)
		return initial, nil
	}

	// 其他請求搶先初始化（或已經寫入點擊）
	data, err = l.client.Get(ctx, key).Bytes()
	if err != nil {
		return Aggregate{}, fmt.Errorf("get %s: %w", key, err)
	}
	return DecodeAggregate(data)
}

// PutAggregate 整份覆寫聚合文件
func (l *RedisLedger) PutAggregate(ctx context.Context, entity Entity, agg Aggregate) error {
	encoded, err := EncodeAggregate(agg)
	if err != nil {
		return err
	}

	key := l.statsKey(entity)
	if err := l.client.Set(ctx, key, encoded, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Record 以 Lua 腳本原子記錄一次點擊
func (l *RedisLedger) Record(ctx context.Context, entity Entity, rec Recording) (Aggregate, error) {
	event, err := json.Marshal(rec.Event)
	if err != nil {
		return Aggregate{}, fmt.Errorf("encode click event: %w", err)
	}

	args := make([]any, 0, 4+len(rec.Links))
	args = append(args, string(event), rec.Day, rec.BaseUserID, l.maxLogLength)
	for _, link := range rec.Links {
		args = append(args, link)
	}

	keys := []string{l.statsKey(entity), l.clicksKey(entity)}
	result, err := l.recordScript.Run(ctx, l.client, keys, args...).Text()
	if err != nil {
		return Aggregate{}, fmt.Errorf("record click script: %w", err)
	}

	return DecodeAggregate([]byte(result))
}

// Ping 檢查 Redis 連線
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
