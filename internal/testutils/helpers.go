package testutils

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/link-rotator/internal"
)

// DefaultTestConfig 返回測試用的預設配置
//
// 兩個 entity：Hero（預設號碼池 L0、L1）與 GoldenBot（無預設號碼）。
func DefaultTestConfig() *internal.Config {
	cfg := &internal.Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 5 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second

	cfg.Redis.PoolSize = 10
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second

	cfg.Rotation.RecordMode = internal.RecordModeAtomic
	cfg.Rotation.Timezone = "UTC"
	cfg.Rotation.UserSeparator = "_"
	cfg.Rotation.DefaultReadLimit = 1000

	cfg.Admin.Secret = "test-secret"
	cfg.Admin.TokenMode = internal.TokenModeJWT
	cfg.Admin.TokenTTL = time.Hour

	cfg.Entities = []internal.EntityConfig{
		{Name: "Hero", DefaultLinks: []string{"L0", "L1"}},
		{Name: "GoldenBot", Aliases: []string{"Grupo Jugando"}},
	}

	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"

	cfg.ApplyDefaults()
	return cfg
}

// MakeHTTPRequest 執行 HTTP 請求的輔助函數
//
// body 可以是 string（原樣送出）或任意可序列化的值。
func MakeHTTPRequest(t testing.TB, handler http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var bodyReader io.Reader
	if body != nil {
		if str, ok := body.(string); ok {
			bodyReader = strings.NewReader(str)
		} else {
			jsonBytes, err := json.Marshal(body)
			require.NoError(t, err)
			bodyReader = strings.NewReader(string(jsonBytes))
		}
	}

	req := httptest.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	return recorder
}

// ParseJSONResponse 解析 JSON 響應
func ParseJSONResponse(t testing.TB, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()

	err := json.NewDecoder(recorder.Body).Decode(target)
	require.NoError(t, err, "failed to parse JSON response")
}

// WaitForCondition 等待條件滿足
func WaitForCondition(t testing.TB, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		<-ticker.C
	}

	if !condition() {
		t.Fatalf("timeout waiting for condition: %s", message)
	}
}

// RunConcurrently 並發執行測試函數
func RunConcurrently(concurrency, iterations int, fn func(workerID, iteration int)) {
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				fn(workerID, j)
			}
		}(i)
	}
	wg.Wait()
}
