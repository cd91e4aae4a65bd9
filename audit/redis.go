package audit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// StreamAdder *redis.Client 满足该接口。
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisConfig 审计流连接参数。
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"maxLen"`
}

// NewRedisClient 建立连接并 ping。
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// RedisStreamWriter 以 XADD 追加到 Redis Stream，按 MAXLEN 近似裁剪。
type RedisStreamWriter struct {
	rdb    StreamAdder
	stream string
	maxLen int64
	closer func() error
}

// NewRedisStreamWriter stream 为空时使用 "scalper:audit"。
func NewRedisStreamWriter(rdb StreamAdder, stream string, maxLen int64) *RedisStreamWriter {
	if stream == "" {
		stream = "scalper:audit"
	}
	if maxLen <= 0 {
		maxLen = 100000
	}
	w := &RedisStreamWriter{rdb: rdb, stream: stream, maxLen: maxLen}
	if c, ok := rdb.(interface{ Close() error }); ok {
		w.closer = c.Close
	}
	return w
}

// Write 追加一条记录。
func (w *RedisStreamWriter) Write(ctx context.Context, rec Record) error {
	payload, err := rec.JSON()
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: w.stream,
		MaxLen: w.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"cycleId": rec.CycleID,
			"outcome": string(rec.Outcome),
			"payload": payload,
		},
	}
	if err := w.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", w.stream, err)
	}
	return nil
}

// Close 关闭底层连接（若有）。
func (w *RedisStreamWriter) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer()
}
