package clicks_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/link-rotator/internal/clicks"
)

func TestBaseUserID(t *testing.T) {
	tests := []struct {
		name      string
		userID    string
		separator string
		want      string
	}{
		{name: "timestamp suffix", userID: "abc_111", separator: "_", want: "abc"},
		{name: "multiple separators", userID: "abc_111_222", separator: "_", want: "abc"},
		{name: "no separator", userID: "abc", separator: "_", want: "abc"},
		{name: "leading separator", userID: "_111", separator: "_", want: ""},
		{name: "separator disabled", userID: "abc_111", separator: "", want: "abc_111"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clicks.BaseUserID(tt.userID, tt.separator))
		})
	}
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   clicks.Event
		wantOK bool
	}{
		{
			name:   "current format",
			raw:    `{"id":"e1","userId":"abc_1","timestamp":1700000000000,"businessEntity":"Hero"}`,
			want:   clicks.Event{ID: "e1", UserID: "abc_1", Timestamp: 1700000000000, Entity: "Hero"},
			wantOK: true,
		},
		{
			name:   "legacy business field",
			raw:    `{"userId":"abc","timestamp":5,"business":"GoldenBot"}`,
			want:   clicks.Event{UserID: "abc", Timestamp: 5, Entity: "GoldenBot"},
			wantOK: true,
		},
		{name: "not json", raw: `not-json`, wantOK: false},
		{name: "missing user", raw: `{"timestamp":5,"businessEntity":"Hero"}`, wantOK: false},
		{name: "wrong type", raw: `{"userId":42}`, wantOK: false},
		{name: "empty", raw: ``, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := clicks.ParseEvent(tt.raw)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestEvent_MarshalUsesBusinessEntity(t *testing.T) {
	data, err := json.Marshal(clicks.Event{UserID: "u", Timestamp: 1, Entity: "Hero"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":"u","timestamp":1,"businessEntity":"Hero"}`, string(data))
}

func TestApplyClick(t *testing.T) {
	links := []string{"L0", "L1"}

	t.Run("first click selects index one", func(t *testing.T) {
		agg := clicks.NewAggregate()
		clicks.ApplyClick(&agg, "2024-01-01", "abc", links)

		assert.Equal(t, int64(1), agg.ClickCount)
		assert.Equal(t, "L1", agg.CurrentLink)
		assert.Equal(t, map[string]int64{"2024-01-01": 1}, agg.DailyClicks)
		assert.Equal(t, []string{"abc"}, agg.UniqueUserIDs)
	})

	t.Run("empty pool leaves link empty", func(t *testing.T) {
		agg := clicks.NewAggregate()
		clicks.ApplyClick(&agg, "2024-01-01", "abc", nil)

		assert.Equal(t, int64(1), agg.ClickCount)
		assert.Empty(t, agg.CurrentLink)
	})

	t.Run("same base user counted once", func(t *testing.T) {
		agg := clicks.NewAggregate()
		clicks.ApplyClick(&agg, "2024-01-01", clicks.BaseUserID("abc_111", "_"), links)
		clicks.ApplyClick(&agg, "2024-01-01", clicks.BaseUserID("abc_222", "_"), links)

		assert.Equal(t, int64(2), agg.ClickCount)
		assert.Equal(t, 1, agg.UniqueUsers())
	})

	t.Run("separate day buckets", func(t *testing.T) {
		agg := clicks.NewAggregate()
		clicks.ApplyClick(&agg, "2024-01-01", "a", links)
		clicks.ApplyClick(&agg, "2024-01-01", "b", links)
		clicks.ApplyClick(&agg, "2024-01-02", "c", links)

		assert.Equal(t, map[string]int64{"2024-01-01": 2, "2024-01-02": 1}, agg.DailyClicks)
	})

	t.Run("zero value aggregate", func(t *testing.T) {
		var agg clicks.Aggregate
		clicks.ApplyClick(&agg, "2024-01-01", "a", links)

		assert.Equal(t, int64(1), agg.ClickCount)
		assert.Equal(t, int64(1), agg.DailyClicks["2024-01-01"])
	})
}

func TestAggregate_Clone(t *testing.T) {
	agg := clicks.NewAggregate()
	clicks.ApplyClick(&agg, "2024-01-01", "a", nil)

	cp := agg.Clone()
	cp.DailyClicks["2024-01-01"] = 99
	cp.UniqueUserIDs[0] = "z"

	assert.Equal(t, int64(1), agg.DailyClicks["2024-01-01"])
	assert.Equal(t, "a", agg.UniqueUserIDs[0])
}

func TestEncodeAggregate(t *testing.T) {
	t.Run("empty link encodes null", func(t *testing.T) {
		data, err := clicks.EncodeAggregate(clicks.NewAggregate())
		require.NoError(t, err)
		assert.JSONEq(t, `{"clickCount":0,"uniqueUsers":[],"dailyClicks":{},"currentLink":null}`, string(data))
	})

	t.Run("populated", func(t *testing.T) {
		agg := clicks.Aggregate{
			ClickCount:    3,
			UniqueUserIDs: []string{"a", "b"},
			DailyClicks:   map[string]int64{"2024-01-01": 3},
			CurrentLink:   "L1",
		}
		data, err := clicks.EncodeAggregate(agg)
		require.NoError(t, err)
		assert.JSONEq(t, `{"clickCount":3,"uniqueUsers":["a","b"],"dailyClicks":{"2024-01-01":3},"currentLink":"L1"}`, string(data))
	})
}

func TestDecodeAggregate(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    clicks.Aggregate
		wantErr bool
	}{
		{
			name: "full document",
			data: `{"clickCount":2,"uniqueUsers":["a"],"dailyClicks":{"2024-01-01":2},"currentLink":"L0"}`,
			want: clicks.Aggregate{ClickCount: 2, UniqueUserIDs: []string{"a"}, DailyClicks: map[string]int64{"2024-01-01": 2}, CurrentLink: "L0"},
		},
		{
			name: "legacy currentNumber",
			data: `{"clickCount":1,"uniqueUsers":[],"dailyClicks":{},"currentNumber":"https://wa.me/1"}`,
			want: clicks.Aggregate{ClickCount: 1, UniqueUserIDs: []string{}, DailyClicks: map[string]int64{}, CurrentLink: "https://wa.me/1"},
		},
		{
			name: "missing fields",
			data: `{}`,
			want: clicks.NewAggregate(),
		},
		{
			name: "lua encoded empty table",
			data: `{"clickCount":1,"uniqueUsers":{},"dailyClicks":{"2024-01-01":1},"currentLink":null}`,
			want: clicks.Aggregate{ClickCount: 1, UniqueUserIDs: []string{}, DailyClicks: map[string]int64{"2024-01-01": 1}},
		},
		{name: "not json", data: `nope`, wantErr: true},
		{name: "bad users", data: `{"uniqueUsers":[1,2]}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := clicks.DecodeAggregate([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
