package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTimeout 决策服务的传输超时。
const DefaultTimeout = 2000 * time.Millisecond

// FailureKind 决策调用失败的分类。
type FailureKind int

const (
	FailureTimeout FailureKind = iota + 1
	FailureTransport
	FailureMalformed
)

func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureTransport:
		return "transport"
	case FailureMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Failure 带分类的失败原因。
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string { return f.Kind.String() + ": " + f.Err.Error() }

func (f *Failure) Unwrap() error { return f.Err }

// Outcome 决策调用结果：Failure 为 nil 时 Decision 有效。
type Outcome struct {
	Decision Decision
	Failure  *Failure
	Latency  time.Duration
}

// OK 调用成功。
func (o Outcome) OK() bool { return o.Failure == nil }

// Resolve 成功时返回决策，否则返回安全的 HOLD。
func (o Outcome) Resolve(requestID string, minHold time.Duration) Decision {
	if o.OK() {
		return o.Decision
	}
	return Fallback(requestID, minHold, o.Failure.Error())
}

// Service 决策服务。
type Service interface {
	Decide(ctx context.Context, req Request) Outcome
}

var ErrSchema = errors.New("decision schema violation")

// HTTPClient 通过 HTTP JSON 调用外部决策服务。
type HTTPClient struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewHTTPClient 创建客户端，timeout<=0 时使用 DefaultTimeout。
func NewHTTPClient(url string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		URL:        url,
		Timeout:    timeout,
		HTTPClient: &http.Client{},
		Logger:     logger,
	}
}

// NewRequestID 生成请求 id。
func NewRequestID() string { return uuid.NewString() }

// Decide 发送请求；超时、传输错误和非法响应都以 Failure 返回，从不 panic。
func (c *HTTPClient) Decide(ctx context.Context, req Request) Outcome {
	start := time.Now()
	if req.ID == "" {
		req.ID = NewRequestID()
	}
	out := c.do(ctx, req)
	out.Latency = time.Since(start)
	if !out.OK() {
		c.Logger.Warn("decision request failed",
			zap.String("request_id", req.ID),
			zap.String("kind", out.Failure.Kind.String()),
			zap.Error(out.Failure.Err),
			zap.Duration("latency", out.Latency))
	}
	return out
}

func (c *HTTPClient) do(ctx context.Context, req Request) Outcome {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return fail(FailureTransport, fmt.Errorf("encode request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fail(FailureTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", req.ID)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return fail(FailureTimeout, fmt.Errorf("no response within %s", timeout))
		}
		return fail(FailureTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fail(FailureTimeout, fmt.Errorf("no response within %s", timeout))
		}
		return fail(FailureTransport, err)
	}
	if resp.StatusCode >= 300 {
		return fail(FailureTransport, fmt.Errorf("status %d", resp.StatusCode))
	}

	d, err := Parse(raw)
	if err != nil {
		return fail(FailureMalformed, err)
	}
	if d.RequestID == "" {
		d.RequestID = req.ID
	}
	return Outcome{Decision: d}
}

func fail(kind FailureKind, err error) Outcome {
	return Outcome{Failure: &Failure{Kind: kind, Err: err}}
}

// Parse 解码并校验响应。下单量上限由风控检查，不在这里拒绝。
func Parse(raw []byte) (Decision, error) {
	var d Decision
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&d); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	d.Action = Action(strings.ToUpper(string(d.Action)))
	d.OrderType = OrderType(strings.ToUpper(string(d.OrderType)))
	if d.OrderType == "" {
		d.OrderType = OrderLimit
	}
	if err := d.Validate(); err != nil {
		return Decision{}, err
	}
	d.Rationale = truncate(d.Rationale, MaxRationaleLen)
	d.Fallback = false
	return d, nil
}

// Validate 校验字段取值；holdTimeMs 不在这里夹取，由规则集负责。
func (d Decision) Validate() error {
	if !d.Action.Valid() {
		return fmt.Errorf("%w: action %q", ErrSchema, d.Action)
	}
	if !d.OrderType.Valid() {
		return fmt.Errorf("%w: orderType %q", ErrSchema, d.OrderType)
	}
	for name, v := range map[string]float64{
		"size": d.Size, "limitPrice": d.LimitPrice, "stopPrice": d.StopPrice,
		"targetPrice": d.TargetPrice, "confidence": d.Confidence,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: %s=%v", ErrSchema, name, v)
		}
	}
	if d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrSchema, d.Confidence)
	}
	if d.HoldTimeMs < 0 {
		return fmt.Errorf("%w: holdTimeMs %d", ErrSchema, d.HoldTimeMs)
	}
	return nil
}
