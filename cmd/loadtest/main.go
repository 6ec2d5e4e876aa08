// loadtest 對執行中的服務並發送出 POST /clicks，檢查計數是否遺失
//
// 流程：登入 → 讀取起始 clickCount → 壓測 → 讀取最終 clickCount，
// 比對 final == start + 成功請求數。
//
// 用法：
//
//	go run ./cmd/loadtest -target http://localhost:8080 -entity Hero -rate 200 -duration 10s
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	vegeta "github.com/tsenart/vegeta/v12/lib"

	"github.com/koopa0/system-design/link-rotator/pkg/logger"
)

type options struct {
	target   string
	entity   string
	secret   string
	rate     int
	duration time.Duration
	workers  uint64
}

func main() {
	// .env 中的 STATS_PASSWORD 作為預設密碼
	_ = godotenv.Load()

	var opts options
	flag.StringVar(&opts.target, "target", "http://localhost:8080", "base URL of the running server")
	flag.StringVar(&opts.entity, "entity", "Hero", "business entity to click")
	flag.StringVar(&opts.secret, "secret", os.Getenv("STATS_PASSWORD"), "admin secret (default $STATS_PASSWORD)")
	flag.IntVar(&opts.rate, "rate", 100, "requests per second")
	flag.DurationVar(&opts.duration, "duration", 10*time.Second, "attack duration")
	flag.Uint64Var(&opts.workers, "workers", 20, "initial attacker workers")
	flag.Parse()

	log := logger.NewWithWriter(os.Stdout, logger.Options{Level: "info", Format: "text"})

	ok, err := run(opts, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(2)
	}
}

func run(opts options, log *slog.Logger) (bool, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	token, err := login(client, opts)
	if err != nil {
		return false, err
	}

	start, err := clickCount(client, opts, token)
	if err != nil {
		return false, fmt.Errorf("read start stats: %w", err)
	}
	log.Info("attack starting",
		"entity", opts.entity,
		"start_click_count", start,
		"rate", opts.rate,
		"duration", opts.duration,
	)

	var seq atomic.Int64
	runID := uuid.NewString()[:8]
	targeter := func(tgt *vegeta.Target) error {
		n := seq.Add(1)
		body, err := json.Marshal(map[string]string{
			// 每個請求一個 base id，uniqueUsers 應與成功數相同
			"userId":         fmt.Sprintf("%s-%d_%d", runID, n, time.Now().UnixMilli()),
			"businessEntity": opts.entity,
		})
		if err != nil {
			return err
		}

		tgt.Method = http.MethodPost
		tgt.URL = opts.target + "/clicks"
		tgt.Body = body
		tgt.Header = http.Header{"Content-Type": []string{"application/json"}}
		return nil
	}

	attacker := vegeta.NewAttacker(
		vegeta.Workers(opts.workers),
		vegeta.Timeout(10*time.Second),
		vegeta.KeepAlive(true),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		attacker.Stop()
	}()

	rate := vegeta.Rate{Freq: opts.rate, Per: time.Second}

	var (
		metrics   vegeta.Metrics
		successes int64
	)
	for res := range attacker.Attack(targeter, rate, opts.duration, "clicks") {
		metrics.Add(res)
		if res.Code == http.StatusOK {
			successes++
		}
	}
	metrics.Close()

	final, err := clickCount(client, opts, token)
	if err != nil {
		return false, fmt.Errorf("read final stats: %w", err)
	}

	expected := start + successes
	log.Info("attack finished",
		"requests", metrics.Requests,
		"successes", successes,
		"success_ratio", metrics.Success,
		"latency_p50", metrics.Latencies.P50,
		"latency_p99", metrics.Latencies.P99,
		"throughput", metrics.Throughput,
		"errors", len(metrics.Errors),
	)

	if final != expected {
		log.Error("lost updates detected",
			"start", start,
			"final", final,
			"expected", expected,
			"lost", expected-final,
		)
		return false, nil
	}

	log.Info("no lost updates", "start", start, "final", final)
	return true, nil
}

// login 以管理密碼換取 token
func login(client *http.Client, opts options) (string, error) {
	body, err := json.Marshal(map[string]string{"secret": opts.secret})
	if err != nil {
		return "", err
	}

	resp, err := client.Post(opts.target+"/auth", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	return out.Token, nil
}

// clickCount 讀取 GET /stats 的 clickCount
func clickCount(client *http.Client, opts options, token string) (int64, error) {
	req, err := http.NewRequest(http.MethodGet, opts.target+"/stats?entity="+url.QueryEscape(opts.entity), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var stats struct {
		ClickCount int64 `json:"clickCount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, err
	}
	return stats.ClickCount, nil
}
