package linkpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/koopa0/system-design/link-rotator/internal/clicks"
)

// FileBackend 舊系統的 JSON 檔案
//
// 文件格式：
//
//	{"links": {"Hero": ["..."], "GoldenBot": ["..."]}}
//
// 舊系統只有一份全域列表 {"whatsappNumbers": [...]}，
// 讀取時若 entity 沒有自己的號碼池就使用它。
// 寫入時保留文件中的其他欄位（舊系統把統計資料也放在同一個檔案）。
//
// 只在單機部署或 Redis 不可用時使用，不具權威性。
type FileBackend struct {
	mu   sync.Mutex
	path string
}

// NewFileBackend 建立檔案後端
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// readDocument 讀取整份文件，檔案不存在時回傳空文件
func (b *FileBackend) readDocument() (map[string]json.RawMessage, error) {
	// #nosec G304 - path 來自設定檔
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", b.path, err)
	}

	doc := map[string]json.RawMessage{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", b.path, err)
	}
	return doc, nil
}

// Load 讀取號碼池
func (b *FileBackend) Load(_ context.Context, entity clicks.Entity) ([]string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, err := b.readDocument()
	if err != nil {
		return nil, false, err
	}

	if raw, ok := doc["links"]; ok {
		var pools map[string][]string
		if err := json.Unmarshal(raw, &pools); err != nil {
			return nil, false, fmt.Errorf("decode links in %s: %w", b.path, err)
		}
		if links, ok := pools[string(entity)]; ok {
			if links == nil {
				links = []string{}
			}
			return links, true, nil
		}
	}

	if raw, ok := doc["whatsappNumbers"]; ok {
		var links []string
		if err := json.Unmarshal(raw, &links); err != nil {
			return nil, false, fmt.Errorf("decode whatsappNumbers in %s: %w", b.path, err)
		}
		if links != nil {
			return links, true, nil
		}
	}

	return nil, false, nil
}

// Save 更新單一 entity 的號碼池
//
// 先寫暫存檔再 rename，避免寫到一半的檔案被讀到。
func (b *FileBackend) Save(_ context.Context, entity clicks.Entity, links []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, err := b.readDocument()
	if err != nil {
		return err
	}

	pools := map[string][]string{}
	if raw, ok := doc["links"]; ok {
		if err := json.Unmarshal(raw, &pools); err != nil {
			return fmt.Errorf("decode links in %s: %w", b.path, err)
		}
		if pools == nil {
			pools = map[string][]string{}
		}
	}
	if links == nil {
		links = []string{}
	}
	pools[string(entity)] = links

	encoded, err := json.Marshal(pools)
	if err != nil {
		return fmt.Errorf("encode links: %w", err)
	}
	doc["links"] = encoded

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", b.path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", tmpName, err)
	}
	return nil
}
