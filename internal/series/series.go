// Package series 由點擊日誌推導儀表板的時間序列
//
//   - day：參考時區當天的 24 個小時桶（"0:00" .. "23:00"）
//   - week：最近 7 天（含今天，由舊到新）
//   - month：最近 30 天
//
// 不重複使用者以 base user id 計算，每個桶各自去重。
package series

import (
	"fmt"
	"time"

	"github.com/koopa0/system-design/link-rotator/internal/clicks"
	apperrors "github.com/koopa0/system-design/link-rotator/pkg/errors"
)

// Period 統計區間
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

const dayLayout = "2006-01-02"

// ParsePeriod 解析查詢參數，空字串視為 day
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case "":
		return PeriodDay, nil
	case PeriodDay, PeriodWeek, PeriodMonth:
		return Period(s), nil
	default:
		return "", apperrors.InvalidRequest("period must be one of day, week, month")
	}
}

// days 區間包含的天數
func (p Period) days() int {
	switch p {
	case PeriodWeek:
		return 7
	case PeriodMonth:
		return 30
	default:
		return 1
	}
}

// Point 一個桶
type Point struct {
	Label       string `json:"label"`
	Clicks      int64  `json:"clicks"`
	UniqueUsers int    `json:"uniqueUsers"`
}

// DailyCount 一天的彙總（歸檔資料庫的查詢結果）
type DailyCount struct {
	Day         string
	Clicks      int64
	UniqueUsers int
}

// Days 區間內的日期標籤（由舊到新）
func Days(period Period, now time.Time, loc *time.Location) []string {
	n := period.days()
	today := now.In(loc)
	start := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc)

	labels := make([]string, 0, n)
	for i := n - 1; i >= 0; i-- {
		labels = append(labels, start.AddDate(0, 0, -i).Format(dayLayout))
	}
	return labels
}

// Build 把事件分桶
//
// 區間外的事件忽略。
func Build(events []clicks.Event, period Period, now time.Time, loc *time.Location, separator string) []Point {
	if period == PeriodDay {
		return buildHourly(events, now, loc, separator)
	}

	labels := Days(period, now, loc)
	index := make(map[string]int, len(labels))
	points := make([]Point, len(labels))
	users := make([]map[string]struct{}, len(labels))
	for i, label := range labels {
		index[label] = i
		points[i] = Point{Label: label}
		users[i] = make(map[string]struct{})
	}

	for _, ev := range events {
		day := time.UnixMilli(ev.Timestamp).In(loc).Format(dayLayout)
		i, ok := index[day]
		if !ok {
			continue
		}
		points[i].Clicks++
		users[i][clicks.BaseUserID(ev.UserID, separator)] = struct{}{}
	}

	for i := range points {
		points[i].UniqueUsers = len(users[i])
	}
	return points
}

func buildHourly(events []clicks.Event, now time.Time, loc *time.Location, separator string) []Point {
	today := now.In(loc).Format(dayLayout)

	points := make([]Point, 24)
	users := make([]map[string]struct{}, 24)
	for h := range points {
		points[h] = Point{Label: fmt.Sprintf("%d:00", h)}
		users[h] = make(map[string]struct{})
	}

	for _, ev := range events {
		ts := time.UnixMilli(ev.Timestamp).In(loc)
		if ts.Format(dayLayout) != today {
			continue
		}
		h := ts.Hour()
		points[h].Clicks++
		users[h][clicks.BaseUserID(ev.UserID, separator)] = struct{}{}
	}

	for h := range points {
		points[h].UniqueUsers = len(users[h])
	}
	return points
}

// FromDaily 以每日彙總組出 week / month 序列，缺的天數補零
func FromDaily(rows []DailyCount, period Period, now time.Time, loc *time.Location) []Point {
	byDay := make(map[string]DailyCount, len(rows))
	for _, row := range rows {
		byDay[row.Day] = row
	}

	labels := Days(period, now, loc)
	points := make([]Point, 0, len(labels))
	for _, label := range labels {
		row := byDay[label]
		points = append(points, Point{
			Label:       label,
			Clicks:      row.Clicks,
			UniqueUsers: row.UniqueUsers,
		})
	}
	return points
}
