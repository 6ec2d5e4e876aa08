// Package ingress 是點擊服務的 HTTP 入口
//
// Service 負責編排：號碼池（linkpool）、點擊帳本（clicks）、輪詢（rotation）。
// Handler 把 Service 暴露成 HTTP API。
//
// 寫入（記錄點擊）：
//  1. 驗證 userId / entity
//  2. 取 base user id（去掉客戶端附加的後綴）
//  3. 讀號碼池與聚合
//  4. 在記憶體中遞增並輪詢
//  5. 追加事件、覆寫聚合
//  6. 回傳新的聚合
//
// 讀取（目前號碼 + 點擊日誌）：
//   - currentLink 由號碼池與 clickCount 重新計算，不使用聚合中儲存的值
//   - 儲存層錯誤降級為預設值，不回傳錯誤
//
// 服務本身不持有跨請求的狀態，唯一共享的可變資源是 Redis。
package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/koopa0/system-design/link-rotator/internal/clicks"
	"github.com/koopa0/system-design/link-rotator/internal/linkpool"
	"github.com/koopa0/system-design/link-rotator/internal/rotation"
	"github.com/koopa0/system-design/link-rotator/internal/series"
	apperrors "github.com/koopa0/system-design/link-rotator/pkg/errors"
	"github.com/koopa0/system-design/link-rotator/pkg/logger"
)

// RecordMode 寫入策略
type RecordMode string

const (
	// ModeAtomic 由帳本一次完成遞增與寫回，沒有遺失更新
	ModeAtomic RecordMode = "atomic"

	// ModeReadModifyWrite 讀取 → 記憶體修改 → 覆寫
	//
	// 已知問題：兩個並發請求讀到同一個 clickCount 時，後寫入的會蓋掉先寫入的遞增。
	// 點擊日誌不受影響（只追加）。
	ModeReadModifyWrite RecordMode = "read_modify_write"
)

const dayLayout = "2006-01-02"

// EventPublisher 點擊事件的下游（歸檔）
type EventPublisher interface {
	Publish(ctx context.Context, ev clicks.Event) error
}

// DailyCounter 歸檔資料庫的每日彙總
type DailyCounter interface {
	DailyCounts(ctx context.Context, entity clicks.Entity, from, to time.Time, loc *time.Location, separator string) ([]series.DailyCount, error)
}

// Options Service 設定
type Options struct {
	RecordMode       RecordMode
	Location         *time.Location // dailyClicks 的參考時區
	UserSeparator    string
	DefaultReadLimit int
	SeriesMaxEvents  int

	// Publisher 非 nil 時，寫入成功後發布事件
	Publisher EventPublisher

	// PublishTimeout 單次發布最多等待的時間，逾時只記錄警告
	PublishTimeout time.Duration

	// Archive 非 nil 時，week / month 序列改由歸檔資料庫計算
	Archive DailyCounter

	// Now / NewID 測試時替換
	Now   func() time.Time
	NewID func() string
}

// Service 點擊服務
type Service struct {
	registry *clicks.Registry
	ledger   clicks.Ledger
	links    *linkpool.Store
	opts     Options
	logger   *slog.Logger
}

// NewService 建立 Service
func NewService(registry *clicks.Registry, ledger clicks.Ledger, links *linkpool.Store, opts Options, logger *slog.Logger) *Service {
	if opts.RecordMode == "" {
		opts.RecordMode = ModeAtomic
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.DefaultReadLimit <= 0 {
		opts.DefaultReadLimit = 1000
	}
	if opts.SeriesMaxEvents <= 0 {
		opts.SeriesMaxEvents = 1000
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	return &Service{
		registry: registry,
		ledger:   ledger,
		links:    links,
		opts:     opts,
		logger:   logger,
	}
}

// ClickResult 記錄點擊後的聚合
type ClickResult struct {
	ClickCount  int64            `json:"clickCount"`
	UniqueUsers int              `json:"uniqueUsers"`
	CurrentLink string           `json:"currentLink"`
	DailyClicks map[string]int64 `json:"dailyClicks"`
}

// ReadResult 目前號碼與點擊日誌
type ReadResult struct {
	Clicks      []clicks.Event `json:"clicks"`
	CurrentLink string         `json:"currentLink"`
}

// StatsResult 儀表板的單一 entity 統計
type StatsResult struct {
	Entity      clicks.Entity    `json:"entity"`
	ClickCount  int64            `json:"clickCount"`
	UniqueUsers int              `json:"uniqueUsers"`
	DailyClicks map[string]int64 `json:"dailyClicks"`
	CurrentLink string           `json:"currentLink"`
	Links       []string         `json:"links"`
}

// SeriesResult 儀表板的時間序列
type SeriesResult struct {
	Entity clicks.Entity  `json:"entity"`
	Period series.Period  `json:"period"`
	Points []series.Point `json:"points"`
}

// resolve 驗證並解析 entity 名稱（含別名）
func (s *Service) resolve(name string) (clicks.Entity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperrors.InvalidRequest("businessEntity is required")
	}
	e, ok := s.registry.Resolve(name)
	if !ok {
		return "", apperrors.ErrUnknownEntity.WithDetails(name)
	}
	return e, nil
}

// resolveOrDefault 未指定 entity 時使用預設 entity
func (s *Service) resolveOrDefault(name string) (clicks.Entity, error) {
	if strings.TrimSpace(name) == "" {
		return s.registry.Default(), nil
	}
	return s.resolve(name)
}

// RecordClick 記錄一次點擊
//
// 儲存層錯誤回傳 STORAGE_ERROR，不重試。
// read_modify_write 模式下若在追加事件後失敗，日誌已寫入但聚合未更新。
func (s *Service) RecordClick(ctx context.Context, userID, entityName string) (ClickResult, error) {
	if strings.TrimSpace(userID) == "" {
		return ClickResult{}, apperrors.InvalidRequest("userId is required")
	}

	entity, err := s.resolve(entityName)
	if err != nil {
		return ClickResult{}, err
	}
	ctx = logger.WithEntity(ctx, string(entity))

	baseUserID := clicks.BaseUserID(userID, s.opts.UserSeparator)
	now := s.opts.Now()
	day := now.In(s.opts.Location).Format(dayLayout)

	ev := clicks.Event{
		ID:        s.opts.NewID(),
		UserID:    userID,
		Timestamp: now.UnixMilli(),
		Entity:    entity,
	}

	var agg clicks.Aggregate
	switch s.opts.RecordMode {
	case ModeReadModifyWrite:
		agg, err = s.readModifyWrite(ctx, entity, ev, day, baseUserID)
	default:
		links := s.links.GetLinks(ctx, entity)
		agg, err = s.ledger.Record(ctx, entity, clicks.Recording{
			Event:      ev,
			Day:        day,
			BaseUserID: baseUserID,
			Links:      links,
		})
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "record click failed",
			"user_id", userID,
			"mode", s.opts.RecordMode,
			"error", err,
		)
		return ClickResult{}, apperrors.Storage(err, "failed to record click")
	}

	if s.opts.Publisher != nil {
		s.publish(ctx, ev)
	}

	return ClickResult{
		ClickCount:  agg.ClickCount,
		UniqueUsers: agg.UniqueUsers(),
		CurrentLink: agg.CurrentLink,
		DailyClicks: agg.DailyClicks,
	}, nil
}

// publish 發布事件，最多等 PublishTimeout
func (s *Service) publish(ctx context.Context, ev clicks.Event) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
	defer cancel()

	if err := s.opts.Publisher.Publish(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "archive publish failed", "id", ev.ID, "error", err)
	}
}

// readModifyWrite 讀取、記憶體修改、追加事件、覆寫聚合
func (s *Service) readModifyWrite(ctx context.Context, entity clicks.Entity, ev clicks.Event, day, baseUserID string) (clicks.Aggregate, error) {
	var (
		links []string
		agg   clicks.Aggregate
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		links = s.links.GetLinks(gctx, entity)
		return nil
	})
	g.Go(func() error {
		var err error
		agg, err = s.ledger.GetAggregate(gctx, entity)
		return err
	})
	if err := g.Wait(); err != nil {
		return clicks.Aggregate{}, err
	}

	clicks.ApplyClick(&agg, day, baseUserID, links)

	if err := s.ledger.AppendClick(ctx, entity, ev); err != nil {
		return clicks.Aggregate{}, err
	}
	if err := s.ledger.PutAggregate(ctx, entity, agg); err != nil {
		return clicks.Aggregate{}, err
	}
	return agg, nil
}

// ReadClicks 讀取點擊日誌與目前號碼
//
// limit <= 0 時使用預設上限。只有 entity 無效時回傳錯誤。
func (s *Service) ReadClicks(ctx context.Context, entityName string, limit int) (ReadResult, error) {
	entity, err := s.resolve(entityName)
	if err != nil {
		return ReadResult{}, err
	}
	ctx = logger.WithEntity(ctx, string(entity))

	if limit <= 0 {
		limit = s.opts.DefaultReadLimit
	}

	var (
		events []clicks.Event
		agg    clicks.Aggregate
		links  []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		events = s.loadClicks(gctx, entity, limit)
		return nil
	})
	g.Go(func() error {
		agg = s.loadAggregate(gctx, entity)
		return nil
	})
	g.Go(func() error {
		links = s.links.GetLinks(gctx, entity)
		return nil
	})
	_ = g.Wait()

	return ReadResult{
		Clicks:      events,
		CurrentLink: rotation.SelectLink(links, agg.ClickCount),
	}, nil
}

// loadClicks 讀取失敗時回傳空列表
func (s *Service) loadClicks(ctx context.Context, entity clicks.Entity, limit int) []clicks.Event {
	events, err := s.ledger.GetClicks(ctx, entity, limit)
	if err != nil {
		s.logger.WarnContext(ctx, "load clicks failed, using empty log", "error", err)
		return []clicks.Event{}
	}
	return events
}

// loadAggregate 讀取失敗時回傳零值
func (s *Service) loadAggregate(ctx context.Context, entity clicks.Entity) clicks.Aggregate {
	agg, err := s.ledger.GetAggregate(ctx, entity)
	if err != nil {
		s.logger.WarnContext(ctx, "load aggregate failed, using zero state", "error", err)
		return clicks.NewAggregate()
	}
	return agg
}

// Links 讀取號碼池，未指定 entity 時使用預設 entity
func (s *Service) Links(ctx context.Context, entityName string) ([]string, error) {
	entity, err := s.resolveOrDefault(entityName)
	if err != nil {
		return nil, err
	}
	return s.links.GetLinks(logger.WithEntity(ctx, string(entity)), entity), nil
}

// SetLinks 驗證並整份覆寫號碼池
//
// 格式錯誤回傳 VALIDATION_ERROR，原本的號碼池不變。
func (s *Service) SetLinks(ctx context.Context, entityName string, raw json.RawMessage) error {
	entity, err := s.resolveOrDefault(entityName)
	if err != nil {
		return err
	}
	ctx = logger.WithEntity(ctx, string(entity))

	links, err := linkpool.ParseLinks(raw)
	if err != nil {
		return err
	}

	if err := s.links.SetLinks(ctx, entity, links); err != nil {
		s.logger.ErrorContext(ctx, "set links failed", "error", err)
		return apperrors.Storage(err, "failed to save links")
	}
	return nil
}

// Stats 單一 entity 的儀表板統計
func (s *Service) Stats(ctx context.Context, entityName string) (StatsResult, error) {
	entity, err := s.resolve(entityName)
	if err != nil {
		return StatsResult{}, err
	}
	return s.stats(logger.WithEntity(ctx, string(entity)), entity), nil
}

// AllStats 所有 entity 的統計（依設定順序）
func (s *Service) AllStats(ctx context.Context) []StatsResult {
	entities := s.registry.Entities()
	results := make([]StatsResult, len(entities))

	g, gctx := errgroup.WithContext(ctx)
	for i, entity := range entities {
		g.Go(func() error {
			results[i] = s.stats(logger.WithEntity(gctx, string(entity)), entity)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (s *Service) stats(ctx context.Context, entity clicks.Entity) StatsResult {
	var (
		agg   clicks.Aggregate
		links []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		agg = s.loadAggregate(gctx, entity)
		return nil
	})
	g.Go(func() error {
		links = s.links.GetLinks(gctx, entity)
		return nil
	})
	_ = g.Wait()

	return StatsResult{
		Entity:      entity,
		ClickCount:  agg.ClickCount,
		UniqueUsers: agg.UniqueUsers(),
		DailyClicks: agg.DailyClicks,
		CurrentLink: rotation.SelectLink(links, agg.ClickCount),
		Links:       links,
	}
}

// Series 儀表板時間序列
//
// day 一律由點擊日誌計算；week / month 在啟用歸檔時改查資料庫，
// 查詢失敗則退回點擊日誌。
func (s *Service) Series(ctx context.Context, entityName, periodName string) (SeriesResult, error) {
	entity, err := s.resolve(entityName)
	if err != nil {
		return SeriesResult{}, err
	}
	period, err := series.ParsePeriod(periodName)
	if err != nil {
		return SeriesResult{}, err
	}
	ctx = logger.WithEntity(ctx, string(entity))

	now := s.opts.Now()
	result := SeriesResult{Entity: entity, Period: period}

	if period != series.PeriodDay && s.opts.Archive != nil {
		days := series.Days(period, now, s.opts.Location)
		from, _ := time.ParseInLocation(dayLayout, days[0], s.opts.Location)
		last, _ := time.ParseInLocation(dayLayout, days[len(days)-1], s.opts.Location)
		to := last.AddDate(0, 0, 1)

		rows, err := s.opts.Archive.DailyCounts(ctx, entity, from, to, s.opts.Location, s.opts.UserSeparator)
		if err == nil {
			result.Points = series.FromDaily(rows, period, now, s.opts.Location)
			return result, nil
		}
		s.logger.WarnContext(ctx, "archive series query failed, using click log", "error", err)
	}

	events := s.loadClicks(ctx, entity, s.opts.SeriesMaxEvents)
	result.Points = series.Build(events, period, now, s.opts.Location, s.opts.UserSeparator)
	return result, nil
}

// Ping 檢查帳本是否可用
func (s *Service) Ping(ctx context.Context) error {
	return s.ledger.Ping(ctx)
}
