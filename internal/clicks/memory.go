package clicks

import (
	"context"
	"slices"
	"sync"
)

// MemoryLedger 記憶體實作
//
// 用於本機開發（storage.backend: memory）與單元測試。
// 所有操作持有同一把鎖，Record 天然是原子的。
type MemoryLedger struct {
	mu           sync.Mutex
	events       map[Entity][]Event // 最新在前
	aggregates   map[Entity]Aggregate
	maxLogLength int
}

// NewMemoryLedger 建立記憶體帳本，maxLogLength 為 0 表示不限制
func NewMemoryLedger(maxLogLength int) *MemoryLedger {
	return &MemoryLedger{
		events:       make(map[Entity][]Event),
		aggregates:   make(map[Entity]Aggregate),
		maxLogLength: maxLogLength,
	}
}

// AppendClick 追加事件
func (l *MemoryLedger) AppendClick(_ context.Context, entity Entity, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.appendLocked(entity, ev)
	return nil
}

func (l *MemoryLedger) appendLocked(entity Entity, ev Event) {
	events := append([]Event{ev}, l.events[entity]...)
	if l.maxLogLength > 0 && len(events) > l.maxLogLength {
		events = events[:l.maxLogLength]
	}
	l.events[entity] = events
}

// GetClicks 取最新的 limit 筆事件（回傳副本）
func (l *MemoryLedger) GetClicks(_ context.Context, entity Entity, limit int) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		return []Event{}, nil
	}

	events := l.events[entity]
	if len(events) > limit {
		events = events[:limit]
	}
	out := slices.Clone(events)
	if out == nil {
		out = []Event{}
	}
	return out, nil
}

// GetAggregate 取聚合文件，不存在時初始化
func (l *MemoryLedger) GetAggregate(_ context.Context, entity Entity) (Aggregate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	agg, ok := l.aggregates[entity]
	if !ok {
		agg = NewAggregate()
		l.aggregates[entity] = agg
	}
	return agg.Clone(), nil
}

// PutAggregate 覆寫聚合文件
func (l *MemoryLedger) PutAggregate(_ context.Context, entity Entity, agg Aggregate) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.aggregates[entity] = agg.Clone()
	return nil
}

// Record 原子記錄一次點擊
func (l *MemoryLedger) Record(_ context.Context, entity Entity, rec Recording) (Aggregate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	agg, ok := l.aggregates[entity]
	if !ok {
		agg = NewAggregate()
	}
	agg = agg.Clone()
	ApplyClick(&agg, rec.Day, rec.BaseUserID, rec.Links)

	l.appendLocked(entity, rec.Event)
	l.aggregates[entity] = agg

	return agg.Clone(), nil
}

// Ping 永遠成功
func (l *MemoryLedger) Ping(context.Context) error {
	return nil
}
