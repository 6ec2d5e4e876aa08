package linkpool

import (
	"context"
	"log/slog"
	"slices"

	"github.com/koopa0/system-design/link-rotator/internal/clicks"
)

// Store 號碼池的讀寫入口
type Store struct {
	primary  Backend
	fallback Backend // 可為 nil
	registry *clicks.Registry
	logger   *slog.Logger
}

// NewStore 建立 Store
//
// fallback 為舊系統的 JSON 檔案，不需要時傳 nil。
func NewStore(primary, fallback Backend, registry *clicks.Registry, logger *slog.Logger) *Store {
	return &Store{
		primary:  primary,
		fallback: fallback,
		registry: registry,
		logger:   logger,
	}
}

// GetLinks 取得號碼池，永遠不失敗
//
// 日誌中的 entity 由 ctx 帶入（logger.WithEntity）。
//
//   - 主要後端有資料：直接回傳
//   - 主要後端沒有資料：回傳內建預設值（不寫回）
//   - 主要後端錯誤：依序嘗試 JSON 檔案與內建預設值
func (s *Store) GetLinks(ctx context.Context, entity clicks.Entity) []string {
	links, found, err := s.primary.Load(ctx, entity)
	if err == nil {
		if found {
			return links
		}
		return s.registry.DefaultLinks(entity)
	}

	s.logger.WarnContext(ctx, "link pool primary load failed",
		"error", err,
	)

	if s.fallback != nil {
		links, found, ferr := s.fallback.Load(ctx, entity)
		if ferr == nil && found {
			return links
		}
		if ferr != nil {
			s.logger.WarnContext(ctx, "link pool fallback load failed",
				"error", ferr,
			)
		}
	}

	return s.registry.DefaultLinks(entity)
}

// SetLinks 整份覆寫號碼池
//
// 元素不檢查是否為空；驗證由 ParseLinks 負責。
// 主要後端寫入成功後才同步到 JSON 檔案，同步失敗只記錄日誌。
func (s *Store) SetLinks(ctx context.Context, entity clicks.Entity, links []string) error {
	links = slices.Clone(links)
	if links == nil {
		links = []string{}
	}

	if err := s.primary.Save(ctx, entity, links); err != nil {
		return err
	}

	if s.fallback != nil {
		if err := s.fallback.Save(ctx, entity, links); err != nil {
			s.logger.WarnContext(ctx, "link pool mirror write failed",
				"error", err,
			)
		}
	}

	s.logger.InfoContext(ctx, "link pool replaced",
		"size", len(links),
	)
	return nil
}
