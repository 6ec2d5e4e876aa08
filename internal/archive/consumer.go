package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/koopa0/system-design/link-rotator/internal/clicks"
)

// Sink 歸檔目的地
type Sink interface {
	// InsertBatch 寫入一批事件，回傳實際新增的筆數（重複的不算）
	InsertBatch(ctx context.Context, events []clicks.Event) (int64, error)
}

// Delivery 一筆待確認的訊息
//
// 從 *nats.Msg 轉換而來；測試時可以直接建構。
type Delivery struct {
	Data []byte
	Ack  func() error
	Nak  func() error
	Term func() error
}

func fromMsg(m *nats.Msg) Delivery {
	return Delivery{
		Data: m.Data,
		Ack:  func() error { return m.Ack() },
		Nak:  func() error { return m.Nak() },
		Term: func() error { return m.Term() },
	}
}

// ConsumerOptions Consumer 設定
type ConsumerOptions struct {
	SubjectPrefix string
	Durable       string
	BatchSize     int
	FlushInterval time.Duration

	// MaxDeliver 每筆訊息最多投遞次數，超過後 server 端放棄
	MaxDeliver int
}

const (
	minFetchBackoff = 100 * time.Millisecond
	maxFetchBackoff = 5 * time.Second
)

// nextBackoff 連續拉取失敗時的等待時間，每次加倍，上限 maxFetchBackoff
func nextBackoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return minFetchBackoff
	}
	if next := prev * 2; next < maxFetchBackoff {
		return next
	}
	return maxFetchBackoff
}

// Consumer 從 JetStream 拉取事件並批次寫入 Sink
type Consumer struct {
	js     nats.JetStreamContext
	sink   Sink
	opts   ConsumerOptions
	logger *slog.Logger
}

// NewConsumer 建立 Consumer
func NewConsumer(js nats.JetStreamContext, sink Sink, opts ConsumerOptions, logger *slog.Logger) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = 20
	}
	return &Consumer{
		js:     js,
		sink:   sink,
		opts:   opts,
		logger: logger,
	}
}

// Run 持續拉取直到 ctx 取消
//
// 每次最多取 BatchSize 筆，最多等 FlushInterval；
// 取到的訊息一次寫入，成功後逐筆 ACK。
func (c *Consumer) Run(ctx context.Context) error {
	sub, err := c.js.PullSubscribe(
		c.opts.SubjectPrefix+".>",
		c.opts.Durable,
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
		nats.MaxDeliver(c.opts.MaxDeliver),
	)
	if err != nil {
		return fmt.Errorf("訂閱失敗: %w", err)
	}
	defer func() {
		// durable consumer 保留在 server 端，只解除本地訂閱
		_ = sub.Unsubscribe()
	}()

	c.logger.Info("archive consumer started",
		"durable", c.opts.Durable,
		"batch_size", c.opts.BatchSize,
		"flush_interval", c.opts.FlushInterval,
		"max_deliver", c.opts.MaxDeliver,
	)

	var backoff time.Duration
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := sub.Fetch(c.opts.BatchSize, nats.MaxWait(c.opts.FlushInterval))
		if err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
			if errors.Is(err, nats.ErrConnectionClosed) {
				return err
			}
			backoff = nextBackoff(backoff)
			c.logger.Warn("fetch failed", "error", err, "retry_in", backoff)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}
		backoff = 0
		if len(msgs) == 0 {
			continue
		}

		batch := make([]Delivery, 0, len(msgs))
		for _, m := range msgs {
			batch = append(batch, fromMsg(m))
		}

		if err := c.Process(ctx, batch); err != nil {
			c.logger.Error("archive batch failed", "size", len(batch), "error", err)
		}
	}
}

// Process 處理一批訊息
//
//   - 無法解析或缺少有效 ID 的訊息：Term（重送也不會成功）
//   - 寫入成功：ACK 全部
//   - 整批被資料庫拒絕（ErrRejected）：逐筆重寫，仍被拒絕的 Term，其餘照常 ACK
//   - 其他寫入失敗：NAK 全部，等待重送
func (c *Consumer) Process(ctx context.Context, batch []Delivery) error {
	events := make([]clicks.Event, 0, len(batch))
	pending := make([]Delivery, 0, len(batch))

	for _, d := range batch {
		var ev clicks.Event
		if err := json.Unmarshal(d.Data, &ev); err != nil || ev.UserID == "" {
			c.logger.Warn("dropping malformed archive message", "error", err)
			_ = d.Term()
			continue
		}
		if _, err := uuid.Parse(ev.ID); err != nil {
			c.logger.Warn("dropping archive message without id", "user_id", ev.UserID)
			_ = d.Term()
			continue
		}
		events = append(events, ev)
		pending = append(pending, d)
	}

	if len(events) == 0 {
		return nil
	}

	inserted, err := c.sink.InsertBatch(ctx, events)
	if errors.Is(err, ErrRejected) {
		return c.processOneByOne(ctx, events, pending)
	}
	if err != nil {
		for _, d := range pending {
			_ = d.Nak()
		}
		return err
	}

	var ackErrs int
	for _, d := range pending {
		if err := d.Ack(); err != nil {
			ackErrs++
		}
	}
	if ackErrs > 0 {
		// 未 ACK 的訊息會被重送，靠 ID 去重
		c.logger.Warn("ack failed", "count", ackErrs)
	}

	c.logger.Debug("archived click batch",
		"received", len(events),
		"inserted", inserted,
	)
	return nil
}

// processOneByOne 整批被拒絕時逐筆寫入，找出有問題的事件
func (c *Consumer) processOneByOne(ctx context.Context, events []clicks.Event, pending []Delivery) error {
	var (
		inserted, rejected int64
		firstErr           error
	)
	for i, ev := range events {
		d := pending[i]

		n, err := c.sink.InsertBatch(ctx, []clicks.Event{ev})
		switch {
		case err == nil:
			inserted += n
			_ = d.Ack()
		case errors.Is(err, ErrRejected):
			rejected++
			c.logger.Warn("dropping rejected archive message",
				"id", ev.ID,
				"entity", ev.Entity,
				"error", err,
			)
			_ = d.Term()
		default:
			if firstErr == nil {
				firstErr = err
			}
			_ = d.Nak()
		}
	}

	c.logger.Debug("archived click batch one by one",
		"received", len(events),
		"inserted", inserted,
		"rejected", rejected,
	)
	return firstErr
}
