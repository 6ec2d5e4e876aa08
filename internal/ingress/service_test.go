package ingress_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/link-rotator/internal/clicks"
	"github.com/koopa0/system-design/link-rotator/internal/ingress"
	"github.com/koopa0/system-design/link-rotator/internal/linkpool"
	"github.com/koopa0/system-design/link-rotator/internal/series"
	"github.com/koopa0/system-design/link-rotator/internal/testutils"
	apperrors "github.com/koopa0/system-design/link-rotator/pkg/errors"
	"github.com/koopa0/system-design/link-rotator/pkg/logger"
)

var errBackendDown = errors.New("backend down")

// brokenLedger 所有操作都失敗
type brokenLedger struct{}

func (brokenLedger) AppendClick(context.Context, clicks.Entity, clicks.Event) error {
	return errBackendDown
}

func (brokenLedger) GetClicks(context.Context, clicks.Entity, int) ([]clicks.Event, error) {
	return nil, errBackendDown
}

func (brokenLedger) GetAggregate(context.Context, clicks.Entity) (clicks.Aggregate, error) {
	return clicks.Aggregate{}, errBackendDown
}

func (brokenLedger) PutAggregate(context.Context, clicks.Entity, clicks.Aggregate) error {
	return errBackendDown
}

func (brokenLedger) Record(context.Context, clicks.Entity, clicks.Recording) (clicks.Aggregate, error) {
	return clicks.Aggregate{}, errBackendDown
}

func (brokenLedger) Ping(context.Context) error {
	return errBackendDown
}

// brokenBackend 號碼池後端永遠失敗
type brokenBackend struct{}

func (brokenBackend) Load(context.Context, clicks.Entity) ([]string, bool, error) {
	return nil, false, errBackendDown
}

func (brokenBackend) Save(context.Context, clicks.Entity, []string) error {
	return errBackendDown
}

// recordingPublisher 記錄發布的事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []clicks.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev clicks.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

// stalledPublisher 模擬重新連線中的訊息系統：等到 ctx 結束才返回
type stalledPublisher struct {
	hadDeadline atomic.Bool
}

func (p *stalledPublisher) Publish(ctx context.Context, _ clicks.Event) error {
	_, ok := ctx.Deadline()
	p.hadDeadline.Store(ok)
	<-ctx.Done()
	return ctx.Err()
}

// stubArchive 固定回傳的每日彙總
type stubArchive struct {
	rows  []series.DailyCount
	err   error
	calls atomic.Int32
}

func (a *stubArchive) DailyCounts(context.Context, clicks.Entity, time.Time, time.Time, *time.Location, string) ([]series.DailyCount, error) {
	a.calls.Add(1)
	return a.rows, a.err
}

type fixture struct {
	svc      *ingress.Service
	ledger   clicks.Ledger
	backend  linkpool.Backend
	registry *clicks.Registry
	now      time.Time
}

// newFixture 建立記憶體後端的 Service
//
// 時鐘固定在 2024-03-15 10:30 UTC，可用 opts.Now 覆寫。
func newFixture(t *testing.T, ledger clicks.Ledger, backend linkpool.Backend, opts ingress.Options) *fixture {
	t.Helper()

	cfg := testutils.DefaultTestConfig()
	registry, err := clicks.NewRegistry(cfg.EntitySpecs())
	require.NoError(t, err)

	if ledger == nil {
		ledger = clicks.NewMemoryLedger(0)
	}
	if backend == nil {
		backend = linkpool.NewMemoryBackend()
	}

	now := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	if opts.Now == nil {
		opts.Now = func() time.Time { return now }
	}
	if opts.UserSeparator == "" {
		opts.UserSeparator = cfg.Rotation.UserSeparator
	}

	log := logger.Discard()
	store := linkpool.NewStore(backend, nil, registry, log)

	return &fixture{
		svc:      ingress.NewService(registry, ledger, store, opts, log),
		ledger:   ledger,
		backend:  backend,
		registry: registry,
		now:      now,
	}
}

func (f *fixture) setLinks(t *testing.T, entity string, links ...string) {
	t.Helper()
	require.NoError(t, f.backend.Save(context.Background(), clicks.Entity(entity), links))
}

func modes() []ingress.RecordMode {
	return []ingress.RecordMode{ingress.ModeAtomic, ingress.ModeReadModifyWrite}
}

func TestService_RecordClick_Scenarios(t *testing.T) {
	for _, mode := range modes() {
		t.Run(string(mode), func(t *testing.T) {
			ctx := context.Background()

			t.Run("empty pool first click", func(t *testing.T) {
				f := newFixture(t, nil, nil, ingress.Options{RecordMode: mode})

				// GoldenBot 沒有預設號碼
				result, err := f.svc.RecordClick(ctx, "u1", "GoldenBot")
				require.NoError(t, err)
				assert.Equal(t, int64(1), result.ClickCount)
				assert.Empty(t, result.CurrentLink)
				assert.Equal(t, 1, result.UniqueUsers)
			})

			t.Run("first click selects index one", func(t *testing.T) {
				f := newFixture(t, nil, nil, ingress.Options{RecordMode: mode})
				f.setLinks(t, "Hero", "L0", "L1")

				result, err := f.svc.RecordClick(ctx, "u1", "Hero")
				require.NoError(t, err)
				assert.Equal(t, int64(1), result.ClickCount)
				assert.Equal(t, "L1", result.CurrentLink)

				result, err = f.svc.RecordClick(ctx, "u2", "Hero")
				require.NoError(t, err)
				assert.Equal(t, int64(2), result.ClickCount)
				assert.Equal(t, "L0", result.CurrentLink)
			})

			t.Run("default pool used when none stored", func(t *testing.T) {
				f := newFixture(t, nil, nil, ingress.Options{RecordMode: mode})

				result, err := f.svc.RecordClick(ctx, "u1", "Hero")
				require.NoError(t, err)
				assert.Equal(t, "L1", result.CurrentLink)
			})

			t.Run("suffixed user ids share one base", func(t *testing.T) {
				f := newFixture(t, nil, nil, ingress.Options{RecordMode: mode})

				_, err := f.svc.RecordClick(ctx, "abc_111", "Hero")
				require.NoError(t, err)
				result, err := f.svc.RecordClick(ctx, "abc_222", "Hero")
				require.NoError(t, err)

				assert.Equal(t, int64(2), result.ClickCount)
				assert.Equal(t, 1, result.UniqueUsers)
			})

			t.Run("alias resolves to canonical entity", func(t *testing.T) {
				f := newFixture(t, nil, nil, ingress.Options{RecordMode: mode})

				_, err := f.svc.RecordClick(ctx, "u1", "Grupo Jugando")
				require.NoError(t, err)

				agg, err := f.ledger.GetAggregate(ctx, "GoldenBot")
				require.NoError(t, err)
				assert.Equal(t, int64(1), agg.ClickCount)
			})
		})
	}
}

func TestService_RecordClick_DailyBuckets(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	f := newFixture(t, nil, nil, ingress.Options{
		Now: func() time.Time { return clock },
	})

	_, err := f.svc.RecordClick(ctx, "u1", "Hero")
	require.NoError(t, err)
	result, err := f.svc.RecordClick(ctx, "u2", "Hero")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"2024-03-15": 2}, result.DailyClicks)

	clock = clock.Add(24 * time.Hour)
	result, err = f.svc.RecordClick(ctx, "u3", "Hero")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		"2024-03-15": 2,
		"2024-03-16": 1,
	}, result.DailyClicks)
}

func TestService_RecordClick_TimezoneBucket(t *testing.T) {
	loc, err := time.LoadLocation("America/Mexico_City")
	require.NoError(t, err)

	// UTC 已是 16 日，墨西哥城仍是 15 日
	clock := time.Date(2024, 3, 16, 3, 0, 0, 0, time.UTC)
	f := newFixture(t, nil, nil, ingress.Options{
		Location: loc,
		Now:      func() time.Time { return clock },
	})

	result, err := f.svc.RecordClick(context.Background(), "u1", "Hero")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"2024-03-15": 1}, result.DailyClicks)
}

func TestService_RecordClick_Validation(t *testing.T) {
	f := newFixture(t, nil, nil, ingress.Options{})
	ctx := context.Background()

	tests := []struct {
		name   string
		userID string
		entity string
	}{
		{name: "missing user", userID: "", entity: "Hero"},
		{name: "blank user", userID: "   ", entity: "Hero"},
		{name: "missing entity", userID: "u1", entity: ""},
		{name: "unknown entity", userID: "u1", entity: "Nobody"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RecordClick(ctx, tt.userID, tt.entity)
			require.Error(t, err)
			assert.True(t, apperrors.IsInvalidRequest(err))
		})
	}

	// 驗證失敗不留下任何狀態
	agg, err := f.ledger.GetAggregate(ctx, "Hero")
	require.NoError(t, err)
	assert.Equal(t, int64(0), agg.ClickCount)
}

func TestService_RecordClick_StorageError(t *testing.T) {
	for _, mode := range modes() {
		t.Run(string(mode), func(t *testing.T) {
			pub := &recordingPublisher{}
			f := newFixture(t, brokenLedger{}, nil, ingress.Options{RecordMode: mode, Publisher: pub})

			_, err := f.svc.RecordClick(context.Background(), "u1", "Hero")
			require.Error(t, err)
			assert.True(t, apperrors.IsStorage(err))
			assert.ErrorIs(t, err, errBackendDown)
			assert.Empty(t, pub.events, "failed writes must not be archived")
		})
	}
}

func TestService_RecordClick_Publishes(t *testing.T) {
	ctx := context.Background()

	t.Run("event published after write", func(t *testing.T) {
		pub := &recordingPublisher{}
		f := newFixture(t, nil, nil, ingress.Options{
			Publisher: pub,
			NewID:     func() string { return "11111111-1111-1111-1111-111111111111" },
		})

		_, err := f.svc.RecordClick(ctx, "abc_1", "Hero")
		require.NoError(t, err)

		require.Len(t, pub.events, 1)
		ev := pub.events[0]
		assert.Equal(t, "11111111-1111-1111-1111-111111111111", ev.ID)
		assert.Equal(t, "abc_1", ev.UserID)
		assert.Equal(t, clicks.Entity("Hero"), ev.Entity)
		assert.Equal(t, f.now.UnixMilli(), ev.Timestamp)
	})

	t.Run("publish failure is not surfaced", func(t *testing.T) {
		pub := &recordingPublisher{err: errors.New("nats down")}
		f := newFixture(t, nil, nil, ingress.Options{Publisher: pub})

		result, err := f.svc.RecordClick(ctx, "u1", "Hero")
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.ClickCount)
	})

	t.Run("stalled publish is bounded", func(t *testing.T) {
		pub := &stalledPublisher{}
		f := newFixture(t, nil, nil, ingress.Options{
			Publisher:      pub,
			PublishTimeout: 50 * time.Millisecond,
		})

		start := time.Now()
		result, err := f.svc.RecordClick(ctx, "u1", "Hero")
		elapsed := time.Since(start)

		require.NoError(t, err)
		assert.Equal(t, int64(1), result.ClickCount)
		assert.True(t, pub.hadDeadline.Load())
		assert.Less(t, elapsed, 2*time.Second)
	})
}

func TestService_RecordClick_Concurrent(t *testing.T) {
	const (
		workers    = 10
		iterations = 20
	)
	ctx := context.Background()

	f := newFixture(t, nil, nil, ingress.Options{RecordMode: ingress.ModeAtomic})

	// 起始值 k = 5
	for i := 0; i < 5; i++ {
		_, err := f.svc.RecordClick(ctx, fmt.Sprintf("seed_%d", i), "Hero")
		require.NoError(t, err)
	}

	var failures atomic.Int32
	testutils.RunConcurrently(workers, iterations, func(workerID, iteration int) {
		if _, err := f.svc.RecordClick(ctx, fmt.Sprintf("w%d_%d", workerID, iteration), "Hero"); err != nil {
			failures.Add(1)
		}
	})
	require.Zero(t, failures.Load())

	agg, err := f.ledger.GetAggregate(ctx, "Hero")
	require.NoError(t, err)
	assert.Equal(t, int64(5+workers*iterations), agg.ClickCount)

	events, err := f.ledger.GetClicks(ctx, "Hero", 10_000)
	require.NoError(t, err)
	assert.Len(t, events, 5+workers*iterations)
}

func TestService_ReadClicks(t *testing.T) {
	ctx := context.Background()

	t.Run("never clicked entity auto initializes", func(t *testing.T) {
		f := newFixture(t, nil, nil, ingress.Options{})

		result, err := f.svc.ReadClicks(ctx, "Hero", 0)
		require.NoError(t, err)
		assert.NotNil(t, result.Clicks)
		assert.Empty(t, result.Clicks)
		assert.Equal(t, "L0", result.CurrentLink)

		result, err = f.svc.ReadClicks(ctx, "GoldenBot", 0)
		require.NoError(t, err)
		assert.Empty(t, result.CurrentLink)
	})

	t.Run("newest first and limit", func(t *testing.T) {
		f := newFixture(t, nil, nil, ingress.Options{})
		for i := 0; i < 5; i++ {
			_, err := f.svc.RecordClick(ctx, fmt.Sprintf("u%d", i), "Hero")
			require.NoError(t, err)
		}

		result, err := f.svc.ReadClicks(ctx, "Hero", 2)
		require.NoError(t, err)
		require.Len(t, result.Clicks, 2)
		assert.Equal(t, "u4", result.Clicks[0].UserID)
		assert.Equal(t, "u3", result.Clicks[1].UserID)
	})

	t.Run("default limit applies", func(t *testing.T) {
		f := newFixture(t, nil, nil, ingress.Options{DefaultReadLimit: 3})
		for i := 0; i < 5; i++ {
			_, err := f.svc.RecordClick(ctx, fmt.Sprintf("u%d", i), "Hero")
			require.NoError(t, err)
		}

		result, err := f.svc.ReadClicks(ctx, "Hero", 0)
		require.NoError(t, err)
		assert.Len(t, result.Clicks, 3)
	})

	t.Run("reads are idempotent", func(t *testing.T) {
		f := newFixture(t, nil, nil, ingress.Options{})
		_, err := f.svc.RecordClick(ctx, "u1", "Hero")
		require.NoError(t, err)

		first, err := f.svc.ReadClicks(ctx, "Hero", 0)
		require.NoError(t, err)
		second, err := f.svc.ReadClicks(ctx, "Hero", 0)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		agg, err := f.ledger.GetAggregate(ctx, "Hero")
		require.NoError(t, err)
		assert.Equal(t, int64(1), agg.ClickCount)
	})

	t.Run("current link follows pool replacement", func(t *testing.T) {
		f := newFixture(t, nil, nil, ingress.Options{})
		_, err := f.svc.RecordClick(ctx, "u1", "Hero")
		require.NoError(t, err)

		require.NoError(t, f.svc.SetLinks(ctx, "Hero", json.RawMessage(`["A","B","C"]`)))

		result, err := f.svc.ReadClicks(ctx, "Hero", 0)
		require.NoError(t, err)
		assert.Equal(t, "B", result.CurrentLink)
	})

	t.Run("storage errors degrade", func(t *testing.T) {
		f := newFixture(t, brokenLedger{}, brokenBackend{}, ingress.Options{})

		result, err := f.svc.ReadClicks(ctx, "Hero", 0)
		require.NoError(t, err)
		assert.NotNil(t, result.Clicks)
		assert.Empty(t, result.Clicks)
		assert.Equal(t, "L0", result.CurrentLink)
	})

	t.Run("unknown entity", func(t *testing.T) {
		f := newFixture(t, nil, nil, ingress.Options{})

		_, err := f.svc.ReadClicks(ctx, "Nobody", 0)
		assert.True(t, apperrors.IsInvalidRequest(err))

		_, err = f.svc.ReadClicks(ctx, "", 0)
		assert.True(t, apperrors.IsInvalidRequest(err))
	})
}

func TestService_Links(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil, ingress.Options{})

	links, err := f.svc.Links(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"L0", "L1"}, links, "empty name uses the default entity")

	require.NoError(t, f.svc.SetLinks(ctx, "Grupo Jugando", json.RawMessage(`["G1"]`)))
	links, err = f.svc.Links(ctx, "GoldenBot")
	require.NoError(t, err)
	assert.Equal(t, []string{"G1"}, links)

	_, err = f.svc.Links(ctx, "Nobody")
	assert.True(t, apperrors.IsInvalidRequest(err))
}

func TestService_SetLinks(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		raw     string
		wantErr func(error) bool
	}{
		{name: "object", raw: `{"a":"b"}`, wantErr: apperrors.IsValidation},
		{name: "string", raw: `"L0"`, wantErr: apperrors.IsValidation},
		{name: "mixed array", raw: `["L0", 1]`, wantErr: apperrors.IsValidation},
		{name: "null", raw: `null`, wantErr: apperrors.IsValidation},
		{name: "missing", raw: ``, wantErr: apperrors.IsValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil, ingress.Options{})
			f.setLinks(t, "Hero", "keep")

			err := f.svc.SetLinks(ctx, "Hero", json.RawMessage(tt.raw))
			require.Error(t, err)
			assert.True(t, tt.wantErr(err))

			links, err := f.svc.Links(ctx, "Hero")
			require.NoError(t, err)
			assert.Equal(t, []string{"keep"}, links, "pool must be unchanged")
		})
	}

	t.Run("empty array clears pool", func(t *testing.T) {
		f := newFixture(t, nil, nil, ingress.Options{})

		require.NoError(t, f.svc.SetLinks(ctx, "Hero", json.RawMessage(`[]`)))
		links, err := f.svc.Links(ctx, "Hero")
		require.NoError(t, err)
		assert.Empty(t, links)
	})

	t.Run("storage failure surfaces", func(t *testing.T) {
		f := newFixture(t, nil, brokenBackend{}, ingress.Options{})

		err := f.svc.SetLinks(ctx, "Hero", json.RawMessage(`["A"]`))
		assert.True(t, apperrors.IsStorage(err))
	})
}

func TestService_Stats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil, ingress.Options{})

	for _, u := range []string{"abc_1", "abc_2", "xyz"} {
		_, err := f.svc.RecordClick(ctx, u, "Hero")
		require.NoError(t, err)
	}

	stats, err := f.svc.Stats(ctx, "Hero")
	require.NoError(t, err)
	assert.Equal(t, clicks.Entity("Hero"), stats.Entity)
	assert.Equal(t, int64(3), stats.ClickCount)
	assert.Equal(t, 2, stats.UniqueUsers)
	assert.Equal(t, "L1", stats.CurrentLink)
	assert.Equal(t, []string{"L0", "L1"}, stats.Links)

	all := f.svc.AllStats(ctx)
	require.Len(t, all, 2)
	assert.Equal(t, clicks.Entity("Hero"), all[0].Entity)
	assert.Equal(t, clicks.Entity("GoldenBot"), all[1].Entity)
	assert.Equal(t, int64(0), all[1].ClickCount)
}

func TestService_Series(t *testing.T) {
	ctx := context.Background()

	t.Run("day from ledger", func(t *testing.T) {
		f := newFixture(t, nil, nil, ingress.Options{})
		_, err := f.svc.RecordClick(ctx, "u1", "Hero")
		require.NoError(t, err)

		result, err := f.svc.Series(ctx, "Hero", "")
		require.NoError(t, err)
		assert.Equal(t, series.PeriodDay, result.Period)
		require.Len(t, result.Points, 24)
		assert.Equal(t, int64(1), result.Points[10].Clicks)
	})

	t.Run("week from archive", func(t *testing.T) {
		archive := &stubArchive{rows: []series.DailyCount{
			{Day: "2024-03-14", Clicks: 4, UniqueUsers: 2},
		}}
		f := newFixture(t, nil, nil, ingress.Options{Archive: archive})

		result, err := f.svc.Series(ctx, "Hero", "week")
		require.NoError(t, err)
		require.Len(t, result.Points, 7)
		assert.Equal(t, "2024-03-14", result.Points[5].Label)
		assert.Equal(t, int64(4), result.Points[5].Clicks)
		assert.Equal(t, int32(1), archive.calls.Load())
	})

	t.Run("day ignores archive", func(t *testing.T) {
		archive := &stubArchive{}
		f := newFixture(t, nil, nil, ingress.Options{Archive: archive})

		_, err := f.svc.Series(ctx, "Hero", "day")
		require.NoError(t, err)
		assert.Zero(t, archive.calls.Load())
	})

	t.Run("archive failure falls back to ledger", func(t *testing.T) {
		archive := &stubArchive{err: errBackendDown}
		f := newFixture(t, nil, nil, ingress.Options{Archive: archive})
		_, err := f.svc.RecordClick(ctx, "u1", "Hero")
		require.NoError(t, err)

		result, err := f.svc.Series(ctx, "Hero", "month")
		require.NoError(t, err)
		require.Len(t, result.Points, 30)
		assert.Equal(t, int64(1), result.Points[29].Clicks)
	})

	t.Run("invalid period", func(t *testing.T) {
		f := newFixture(t, nil, nil, ingress.Options{})

		_, err := f.svc.Series(ctx, "Hero", "year")
		assert.True(t, apperrors.IsInvalidRequest(err))
	})
}

// barrierLedger 讓並發請求都讀完聚合後才繼續
type barrierLedger struct {
	clicks.Ledger
	readers sync.WaitGroup
}

func (l *barrierLedger) GetAggregate(ctx context.Context, entity clicks.Entity) (clicks.Aggregate, error) {
	agg, err := l.Ledger.GetAggregate(ctx, entity)
	l.readers.Done()
	l.readers.Wait()
	return agg, err
}

// read_modify_write 的遺失更新是已知問題，這裡固定重現它
func TestService_ReadModifyWrite_LostUpdate(t *testing.T) {
	ctx := context.Background()

	ledger := &barrierLedger{Ledger: clicks.NewMemoryLedger(0)}
	ledger.readers.Add(2)
	f := newFixture(t, ledger, nil, ingress.Options{RecordMode: ingress.ModeReadModifyWrite})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RecordClick(ctx, fmt.Sprintf("u%d", i), "Hero")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ledger.readers.Add(1)
	agg, err := ledger.GetAggregate(ctx, "Hero")
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.ClickCount, "one increment is lost")

	events, err := ledger.GetClicks(ctx, "Hero", 10)
	require.NoError(t, err)
	assert.Len(t, events, 2, "the click log keeps both events")
}
