// Package linkpool 管理每個 business entity 的號碼池（Link Pool）
//
// 號碼池是有序的字串列表，輪詢以位置為索引，
// 所以順序本身就是資料的一部分：重新排序會改變之後每位訪客看到的號碼。
//
// 讀取路徑：
//
//	主要後端（Redis） → 舊系統 JSON 檔案 → 設定檔內建的預設值
//
// 讀取永遠不失敗；寫入只寫主要後端，成功後盡力同步到 JSON 檔案。
package linkpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/koopa0/system-design/link-rotator/internal/clicks"
	apperrors "github.com/koopa0/system-design/link-rotator/pkg/errors"
)

// Backend 號碼池的儲存後端
type Backend interface {
	// Load 讀取號碼池，從未寫入時 found 為 false
	Load(ctx context.Context, entity clicks.Entity) (links []string, found bool, err error)

	// Save 整份覆寫號碼池（單次寫入）
	Save(ctx context.Context, entity clicks.Entity, links []string) error
}

// ParseLinks 驗證管理端送來的號碼池
//
// 只接受每個元素都是字串的 JSON 陣列；空字串照單全收。
// null、物件、數字或混合型別的陣列都回傳 ErrValidation。
func ParseLinks(raw json.RawMessage) ([]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, apperrors.ErrValidation
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, apperrors.ErrValidation
	}

	links := make([]string, 0, len(items))
	for i, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 || item[0] != '"' {
			return nil, apperrors.ErrValidation.WithDetails(fmt.Sprintf("element %d is not a string", i))
		}

		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			return nil, apperrors.ErrValidation
		}
		links = append(links, s)
	}
	return links, nil
}
