package clicks

import (
	"context"
)

// Ledger 點擊帳本介面
//
// 實作：
//   - RedisLedger：正式環境（list 存日誌、string 存聚合文件）
//   - MemoryLedger：單機開發與測試
type Ledger interface {
	// AppendClick 追加一筆事件到日誌，不更新聚合
	AppendClick(ctx context.Context, entity Entity, ev Event) error

	// GetClicks 取最新的 limit 筆事件（最新在前），損壞的資料直接略過
	GetClicks(ctx context.Context, entity Entity, limit int) ([]Event, error)

	// GetAggregate 取聚合文件，不存在時初始化並寫回
	GetAggregate(ctx context.Context, entity Entity) (Aggregate, error)

	// PutAggregate 整份覆寫聚合文件
	PutAggregate(ctx context.Context, entity Entity, agg Aggregate) error

	// Record 原子地完成一次點擊：遞增、輪詢、追加日誌、寫回聚合
	Record(ctx context.Context, entity Entity, rec Recording) (Aggregate, error)

	// Ping 檢查後端是否可用
	Ping(ctx context.Context) error
}

// Recording 一次點擊所需的全部輸入
type Recording struct {
	Event      Event
	Day        string   // 參考時區的日期（YYYY-MM-DD）
	BaseUserID string   // 去掉後綴的使用者 ID
	Links      []string // 寫入當下的號碼池
}
