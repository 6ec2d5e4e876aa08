// Package archive 把點擊事件歸檔到 PostgreSQL
//
// 點擊日誌在 Redis 中預設不設上限；需要長期保存時啟用歸檔：
//
//	Ingress → NATS JetStream（clicks.<entity>）→ archiver → PostgreSQL
//
// 語義：
//   - Publisher 同步等待 PubAck，失敗只記錄日誌，不影響點擊寫入
//   - Consumer 寫入成功後才 ACK（at-least-once）
//   - 重複投遞以事件 ID 去重（ON CONFLICT DO NOTHING）
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/koopa0/system-design/link-rotator/internal/clicks"
)

// StreamOptions JetStream 連線與 stream 設定
type StreamOptions struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
}

// Connect 連接 NATS 並確保 stream 存在
//
// 選項：無限重連、1 秒重連間隔、20 秒心跳。
func Connect(opts StreamOptions) (*nats.Conn, nats.JetStreamContext, error) {
	conn, err := nats.Connect(
		opts.URL,
		nats.Name("link-rotator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("創建 JetStream 上下文失敗: %w", err)
	}

	if err := ensureStream(js, opts); err != nil {
		conn.Close()
		return nil, nil, err
	}

	return conn, js, nil
}

// ensureStream 不存在則建立，存在則更新設定
func ensureStream(js nats.JetStreamContext, opts StreamOptions) error {
	cfg := &nats.StreamConfig{
		Name:     opts.Stream,
		Subjects: []string{opts.SubjectPrefix + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   opts.MaxAge,
		Replicas: 1,
		// 同一事件重複發布時由 JetStream 去重（Nats-Msg-Id）
		Duplicates: 2 * time.Minute,
	}

	_, err := js.StreamInfo(opts.Stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := js.AddStream(cfg); err != nil {
			return fmt.Errorf("創建 Stream 失敗: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("查詢 Stream 失敗: %w", err)
	}

	if _, err := js.UpdateStream(cfg); err != nil {
		return fmt.Errorf("更新 Stream 失敗: %w", err)
	}
	return nil
}

// Subject 事件的 subject
func Subject(prefix string, entity clicks.Entity) string {
	return prefix + "." + string(entity)
}

// Publisher 發布點擊事件
//
// nil Publisher 是合法的，所有操作都是 no-op（未啟用歸檔）。
type Publisher struct {
	js            nats.JetStreamContext
	subjectPrefix string
	logger        *slog.Logger
}

// NewPublisher 建立 Publisher
func NewPublisher(js nats.JetStreamContext, subjectPrefix string, logger *slog.Logger) *Publisher {
	return &Publisher{
		js:            js,
		subjectPrefix: subjectPrefix,
		logger:        logger,
	}
}

// Publish 同步發布一筆事件，等待 PubAck
func (p *Publisher) Publish(ctx context.Context, ev clicks.Event) error {
	if p == nil {
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化事件失敗: %w", err)
	}

	msg := nats.NewMsg(Subject(p.subjectPrefix, ev.Entity))
	msg.Data = data
	if ev.ID != "" {
		msg.Header.Set(nats.MsgIdHdr, ev.ID)
	}

	ack, err := p.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("發送事件失敗: %w", err)
	}

	if ack.Duplicate {
		p.logger.DebugContext(ctx, "duplicate click event", "id", ev.ID)
	}
	return nil
}
