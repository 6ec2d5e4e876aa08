// Package clicks 實作點擊帳本（Click Ledger）
//
// 每個 business entity 維護兩份資料：
//   - 點擊日誌：append-only 的事件列表（最新在前）
//   - 聚合文件：總點擊數、每日點擊數、不重複使用者、目前號碼
//
// 聚合文件是由日誌推導出來的摘要，寫入時整份覆寫。
// 寫入有兩種策略（見 Recording）：
//   - 原子模式：Redis Lua 腳本一次完成讀取、遞增與寫回
//   - 讀改寫模式：與舊系統相同，並發寫入時可能遺失更新
package clicks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/koopa0/system-design/link-rotator/internal/rotation"
)

// Entity 代表一個推廣活動（如 Hero、GoldenBot）
//
// 由設定檔決定，執行期間不會新增。
type Entity string

// String 實作 fmt.Stringer
func (e Entity) String() string { return string(e) }

// Event 單次點擊事件，寫入後不可變
type Event struct {
	ID        string `json:"id,omitempty"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"` // epoch 毫秒
	Entity    Entity `json:"businessEntity"`
}

// UnmarshalJSON 接受舊系統使用的 business 欄位名稱
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID             string `json:"id"`
		UserID         string `json:"userId"`
		Timestamp      int64  `json:"timestamp"`
		BusinessEntity string `json:"businessEntity"`
		Business       string `json:"business"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.ID = raw.ID
	e.UserID = raw.UserID
	e.Timestamp = raw.Timestamp
	e.Entity = Entity(raw.BusinessEntity)
	if e.Entity == "" {
		e.Entity = Entity(raw.Business)
	}
	return nil
}

// ParseEvent 解析日誌中的一筆資料
//
// 無法解析或缺少 userId 的資料視為損壞，回傳 false。
func ParseEvent(raw string) (Event, bool) {
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return Event{}, false
	}
	if ev.UserID == "" {
		return Event{}, false
	}
	return ev, true
}

// Aggregate 單一 entity 的聚合統計
//
// 不變量：
//   - ClickCount 等於寫入過的事件總數（單調不減）
//   - DailyClicks[date] 等於參考時區該日的事件數
//   - CurrentLink 為最近一次輪詢的結果，號碼池為空時為空字串
type Aggregate struct {
	ClickCount    int64
	UniqueUserIDs []string
	DailyClicks   map[string]int64
	CurrentLink   string
}

// NewAggregate 回傳初始狀態
func NewAggregate() Aggregate {
	return Aggregate{
		UniqueUserIDs: []string{},
		DailyClicks:   map[string]int64{},
	}
}

// UniqueUsers 不重複使用者數
func (a Aggregate) UniqueUsers() int {
	return len(a.UniqueUserIDs)
}

// HasUser 檢查使用者是否已記錄
func (a Aggregate) HasUser(userID string) bool {
	return slices.Contains(a.UniqueUserIDs, userID)
}

// Clone 深拷貝
func (a Aggregate) Clone() Aggregate {
	cp := a
	cp.UniqueUserIDs = slices.Clone(a.UniqueUserIDs)
	if cp.UniqueUserIDs == nil {
		cp.UniqueUserIDs = []string{}
	}
	cp.DailyClicks = maps.Clone(a.DailyClicks)
	if cp.DailyClicks == nil {
		cp.DailyClicks = map[string]int64{}
	}
	return cp
}

// ApplyClick 在記憶體中套用一次點擊
//
// 順序與 Lua 腳本一致：先遞增，再以遞增後的數字輪詢。
func ApplyClick(agg *Aggregate, day, baseUserID string, links []string) {
	if agg.DailyClicks == nil {
		agg.DailyClicks = map[string]int64{}
	}
	if agg.UniqueUserIDs == nil {
		agg.UniqueUserIDs = []string{}
	}

	agg.ClickCount++
	agg.DailyClicks[day]++
	if !agg.HasUser(baseUserID) {
		agg.UniqueUserIDs = append(agg.UniqueUserIDs, baseUserID)
	}
	agg.CurrentLink = rotation.SelectLink(links, agg.ClickCount)
}

// aggregateDoc 儲存格式
//
// currentNumber 是舊系統的欄位名稱，只在讀取時使用。
type aggregateDoc struct {
	ClickCount    int64            `json:"clickCount"`
	UniqueUsers   json.RawMessage  `json:"uniqueUsers"`
	DailyClicks   map[string]int64 `json:"dailyClicks"`
	CurrentLink   *string          `json:"currentLink"`
	CurrentNumber *string          `json:"currentNumber,omitempty"`
}

// EncodeAggregate 序列化為儲存格式
func EncodeAggregate(a Aggregate) ([]byte, error) {
	a = a.Clone()

	users, err := json.Marshal(a.UniqueUserIDs)
	if err != nil {
		return nil, err
	}

	doc := aggregateDoc{
		ClickCount:  a.ClickCount,
		UniqueUsers: users,
		DailyClicks: a.DailyClicks,
	}
	if a.CurrentLink != "" {
		link := a.CurrentLink
		doc.CurrentLink = &link
	}
	return json.Marshal(doc)
}

// DecodeAggregate 解析儲存格式，缺少的欄位補零值
//
// Redis 的 cjson 會把空的 Lua table 編碼成 {}，
// 所以 uniqueUsers 可能是 {} 而不是 []。
func DecodeAggregate(data []byte) (Aggregate, error) {
	var doc aggregateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Aggregate{}, fmt.Errorf("decode aggregate: %w", err)
	}

	agg := NewAggregate()
	agg.ClickCount = doc.ClickCount

	users := bytes.TrimSpace(doc.UniqueUsers)
	if len(users) > 0 && users[0] == '[' {
		if err := json.Unmarshal(users, &agg.UniqueUserIDs); err != nil {
			return Aggregate{}, fmt.Errorf("decode unique users: %w", err)
		}
	}

	if doc.DailyClicks != nil {
		agg.DailyClicks = doc.DailyClicks
	}

	switch {
	case doc.CurrentLink != nil:
		agg.CurrentLink = *doc.CurrentLink
	case doc.CurrentNumber != nil:
		agg.CurrentLink = *doc.CurrentNumber
	}

	return agg, nil
}

// BaseUserID 去掉客戶端附加的時間戳後綴
//
// 客戶端送出 "<uuid>_<timestamp>"，避免同一裝置的多次點擊被誤判為重複。
func BaseUserID(userID, separator string) string {
	if separator == "" {
		return userID
	}
	base, _, _ := strings.Cut(userID, separator)
	return base
}
