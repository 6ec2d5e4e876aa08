package linkpool

import (
	"context"
	"slices"
	"sync"

	"github.com/koopa0/system-design/link-rotator/internal/clicks"
)

// MemoryBackend 記憶體後端（storage.backend: memory 與單元測試）
type MemoryBackend struct {
	mu    sync.RWMutex
	pools map[clicks.Entity][]string
}

// NewMemoryBackend 建立記憶體後端
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{pools: make(map[clicks.Entity][]string)}
}

// Load 讀取號碼池（回傳副本）
func (b *MemoryBackend) Load(_ context.Context, entity clicks.Entity) ([]string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	links, ok := b.pools[entity]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(links), true, nil
}

// Save 整份覆寫號碼池
func (b *MemoryBackend) Save(_ context.Context, entity clicks.Entity, links []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := slices.Clone(links)
	if cp == nil {
		cp = []string{}
	}
	b.pools[entity] = cp
	return nil
}
