package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"btc-scalper/market"
)

// ErrFeedLost 重连次数耗尽。
var ErrFeedLost = errors.New("market feed lost")

// BinanceFuturesWSEndpoint 默认行情地址。
const BinanceFuturesWSEndpoint = "wss://fstream.binance.com"

// FeedConfig 行情连接参数。
type FeedConfig struct {
	URL         string        `yaml:"url"`
	Symbol      string        `yaml:"symbol"`
	Streams     []string      `yaml:"streams"`     // 为空时订阅 depth20@100ms、bookTicker 与 markPrice@1s
	MaxAttempts int           `yaml:"maxAttempts"` // 连续失败上限
	BaseBackoff time.Duration `yaml:"baseBackoff"`
	MaxBackoff  time.Duration `yaml:"maxBackoff"`
	ReadTimeout time.Duration `yaml:"readTimeout"`
}

func (c FeedConfig) withDefaults() FeedConfig {
	if c.URL == "" {
		c.URL = BinanceFuturesWSEndpoint
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	return c
}

// Backoff 第 attempt 次重连前的等待：base × 2^(attempt−1)，不超过 MaxBackoff。
func (c FeedConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// StreamURL combined stream 地址。
func (c FeedConfig) StreamURL() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	streams := c.Streams
	if len(streams) == 0 {
		if c.Symbol == "" {
			return "", errors.New("feed symbol required")
		}
		sym := strings.ToLower(c.Symbol)
		streams = []string{sym + "@depth20@100ms", sym + "@bookTicker", sym + "@markPrice@1s"}
	}
	u.Path = "/stream"
	q := u.Query()
	q.Set("streams", strings.Join(streams, "/"))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FeedStats 行情连接统计。
type FeedStats struct {
	Messages    uint64
	ParseErrors uint64
	Reconnects  uint64
	Connected   bool
}

// FeedClient 维护行情 WebSocket，写入本地盘口并发布连接事件。
type FeedClient struct {
	cfg    FeedConfig
	book   *market.OrderBook
	pub    *market.Publisher
	dialer *websocket.Dialer
	logger *zap.Logger
	after  func(time.Duration) <-chan time.Time

	messages    atomic.Uint64
	parseErrors atomic.Uint64
	reconnects  atomic.Uint64
	connected   atomic.Bool
}

// NewFeedClient 创建行情客户端；pub 可为 nil。
func NewFeedClient(cfg FeedConfig, book *market.OrderBook, pub *market.Publisher, logger *zap.Logger) *FeedClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedClient{
		cfg:    cfg.withDefaults(),
		book:   book,
		pub:    pub,
		dialer: websocket.DefaultDialer,
		logger: logger,
		after:  time.After,
	}
}

// Stats 当前统计。
func (f *FeedClient) Stats() FeedStats {
	return FeedStats{
		Messages:    f.messages.Load(),
		ParseErrors: f.parseErrors.Load(),
		Reconnects:  f.reconnects.Load(),
		Connected:   f.connected.Load(),
	}
}

func (f *FeedClient) publish(typ market.FeedEventType, attempt int, err error) {
	if f.pub == nil {
		return
	}
	f.pub.Publish(market.FeedEvent{Type: typ, Attempt: attempt, Err: err, Ts: time.Now().UTC()})
}

// Run 连接并读取行情，断线后指数退避重连。
// ctx 结束返回 nil；连续失败超过 MaxAttempts 时标记盘口失效并返回 ErrFeedLost。
func (f *FeedClient) Run(ctx context.Context) error {
	endpoint, err := f.cfg.StreamURL()
	if err != nil {
		return err
	}
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, _, dialErr := f.dialer.DialContext(ctx, endpoint, nil)
		if dialErr == nil {
			if attempt > 0 {
				f.reconnects.Add(1)
			}
			attempt = 0
			// 重连后旧盘口不可信，等待新消息重建
			f.book.Reset()
			f.connected.Store(true)
			f.logger.Info("market feed connected", zap.String("url", endpoint))
			f.publish(market.FeedConnected, 0, nil)

			dialErr = f.readLoop(ctx, conn)
			f.connected.Store(false)
			if ctx.Err() != nil {
				return nil
			}
			f.logger.Warn("market feed disconnected", zap.Error(dialErr))
		}

		attempt++
		f.publish(market.FeedDisconnected, attempt, dialErr)
		if attempt > f.cfg.MaxAttempts {
			f.book.MarkFeedLost()
			f.logger.Error("market feed lost",
				zap.Int("attempts", f.cfg.MaxAttempts),
				zap.Error(dialErr))
			f.publish(market.FeedLost, attempt-1, dialErr)
			return fmt.Errorf("%w after %d attempts: %v", ErrFeedLost, f.cfg.MaxAttempts, dialErr)
		}
		delay := f.cfg.Backoff(attempt)
		f.logger.Warn("market feed reconnecting",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", f.cfg.MaxAttempts),
			zap.Duration("backoff", delay),
			zap.Error(dialErr))
		select {
		case <-ctx.Done():
			return nil
		case <-f.after(delay):
		}
	}
}

func (f *FeedClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		f.handle(raw)
	}
}

func (f *FeedClient) handle(raw []byte) {
	msg, err := ParseFeedMessage(raw)
	if err != nil {
		if !errors.Is(err, ErrUnknownStream) {
			f.parseErrors.Add(1)
			f.logger.Debug("feed message dropped", zap.Error(err))
		}
		return
	}
	f.messages.Add(1)
	switch {
	case msg.Depth != nil:
		f.book.ApplyUpdate(*msg.Depth)
	case msg.Top != nil:
		f.book.ApplyTopOfBook(*msg.Top)
	case msg.Mark != nil:
		f.book.ApplyReference(*msg.Mark)
	}
}
