package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ZapChannel 写入结构化日志。
type ZapChannel struct {
	logger *zap.Logger
}

// NewZapChannel 创建日志告警通道
func NewZapChannel(logger *zap.Logger) *ZapChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapChannel{logger: logger.Named("alert")}
}

// Send 按级别映射到日志级别
func (c *ZapChannel) Send(alert Alert) error {
	fields := make([]zap.Field, 0, len(alert.Fields)+1)
	fields = append(fields, zap.Time("alert_ts", alert.Timestamp))
	for k, v := range alert.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch alert.Level {
	case LevelCritical, LevelError:
		c.logger.Error(alert.Message, append(fields, zap.String("level", string(alert.Level)))...)
	case LevelWarning:
		c.logger.Warn(alert.Message, fields...)
	default:
		c.logger.Info(alert.Message, fields...)
	}
	return nil
}

// Name 返回通道名称
func (c *ZapChannel) Name() string { return "log" }

// WebhookChannel 以 JSON POST 推送告警。
type WebhookChannel struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewWebhookChannel client 为 nil 时使用 5s 超时的默认客户端。
func NewWebhookChannel(url string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookChannel{url: url, client: client, timeout: 5 * time.Second}
}

// Send 非 2xx 视为失败
func (c *WebhookChannel) Send(alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// Name 返回通道名称
func (c *WebhookChannel) Name() string { return "webhook" }
