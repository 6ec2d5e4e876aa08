package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/system-design/link-rotator/internal/clicks"
	"github.com/koopa0/system-design/link-rotator/internal/series"
)

// ErrRejected 資料庫拒絕了事件內容，重送也不會成功
var ErrRejected = errors.New("archive rejected event")

// classify 資料錯誤（22xxx）與約束違反（23xxx）包成 ErrRejected，
// 其他錯誤（連線、逾時）視為暫時性。
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23":
			return fmt.Errorf("%w: %s (%s)", ErrRejected, pgErr.Message, pgErr.Code)
		}
	}
	return err
}

// PostgresStore 點擊歸檔
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 建立歸檔儲存
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const insertBatchSQL = `
INSERT INTO click_events (id, entity, user_id, clicked_at)
SELECT t.id::uuid, t.entity, t.user_id, t.clicked_at
FROM unnest($1::text[], $2::text[], $3::text[], $4::timestamptz[]) AS t(id, entity, user_id, clicked_at)
ON CONFLICT (id) DO NOTHING`

// InsertBatch 批次寫入，重複的 ID 直接略過
func (s *PostgresStore) InsertBatch(ctx context.Context, events []clicks.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	ids := make([]string, len(events))
	entities := make([]string, len(events))
	users := make([]string, len(events))
	times := make([]time.Time, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
		entities[i] = string(ev.Entity)
		users[i] = ev.UserID
		times[i] = time.UnixMilli(ev.Timestamp).UTC()
	}

	tag, err := s.pool.Exec(ctx, insertBatchSQL, ids, entities, users, times)
	if err != nil {
		return 0, fmt.Errorf("insert click events: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

const dailyCountsSQL = `
SELECT to_char(clicked_at AT TIME ZONE $4::text, 'YYYY-MM-DD') AS day,
       COUNT(*) AS clicks,
       COUNT(DISTINCT split_part(user_id, $5::text, 1)) AS unique_users
FROM click_events
WHERE entity = $1 AND clicked_at >= $2 AND clicked_at < $3
GROUP BY day
ORDER BY day`

// DailyCounts 依參考時區的日期彙總 [from, to) 內的點擊
//
// separator 為空字串時以完整 user_id 去重。
func (s *PostgresStore) DailyCounts(ctx context.Context, entity clicks.Entity, from, to time.Time, loc *time.Location, separator string) ([]series.DailyCount, error) {
	if separator == "" {
		// split_part 不接受空分隔字元；用不可能出現的字元取得完整字串
		separator = "\x1f"
	}

	rows, err := s.pool.Query(ctx, dailyCountsSQL, string(entity), from, to, loc.String(), separator)
	if err != nil {
		return nil, fmt.Errorf("query daily counts: %w", err)
	}
	defer rows.Close()

	var out []series.DailyCount
	for rows.Next() {
		var (
			day    string
			count  int64
			unique int64
		)
		if err := rows.Scan(&day, &count, &unique); err != nil {
			return nil, fmt.Errorf("scan daily counts: %w", err)
		}
		out = append(out, series.DailyCount{Day: day, Clicks: count, UniqueUsers: int(unique)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily counts: %w", err)
	}
	return out, nil
}

// Count 已歸檔的事件數
func (s *PostgresStore) Count(ctx context.Context, entity clicks.Entity) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM click_events WHERE entity = $1", string(entity)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count click events: %w", err)
	}
	return n, nil
}

// Ping 檢查連線
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
