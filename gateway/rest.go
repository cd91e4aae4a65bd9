package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BinanceFuturesRESTEndpoint 默认 REST 地址。
const BinanceFuturesRESTEndpoint = "https://fapi.binance.com"

// RESTConfig 交易所 REST 参数。
type RESTConfig struct {
	BaseURL    string        `yaml:"baseUrl"`
	APIKey     string        `yaml:"apiKey"`
	APISecret  string        `yaml:"apiSecret"`
	RecvWindow time.Duration `yaml:"recvWindow"`
	Timeout    time.Duration `yaml:"timeout"`
	RateLimit  float64       `yaml:"rateLimit"` // 每秒请求数
	Burst      int           `yaml:"burst"`
}

// RESTVenue 签名 REST 客户端，以客户端订单号下单/撤单/查询。
type RESTVenue struct {
	cfg     RESTConfig
	http    *http.Client
	limiter RateLimiter
	now     func() time.Time
}

// NewRESTVenue httpClient 为 nil 时按 Timeout 创建。
func NewRESTVenue(cfg RESTConfig, httpClient *http.Client) *RESTVenue {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BinanceFuturesRESTEndpoint
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &RESTVenue{
		cfg:     cfg,
		http:    httpClient,
		limiter: NewTokenBucketLimiter(cfg.RateLimit, cfg.Burst),
		now:     time.Now,
	}
}

// Sign 追加 timestamp/recvWindow 并返回带签名的查询串。
func Sign(params url.Values, secret string, now time.Time, recvWindow time.Duration) string {
	params.Set("timestamp", strconv.FormatInt(now.UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(recvWindow.Milliseconds(), 10))
	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return query + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

type orderResp struct {
	ClientOrderID string `json:"clientOrderId"`
	OrderID       int64  `json:"orderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r orderResp) report() ExecutionReport {
	rep := ExecutionReport{
		ClientOrderID: r.ClientOrderID,
		Status:        r.Status,
		FilledQty:     decimalFloat(r.ExecutedQty),
		AvgPrice:      decimalFloat(r.AvgPrice),
	}
	if r.OrderID != 0 {
		rep.VenueOrderID = strconv.FormatInt(r.OrderID, 10)
	}
	if r.UpdateTime > 0 {
		rep.UpdatedAt = time.UnixMilli(r.UpdateTime).UTC()
	}
	return rep
}

func decimalFloat(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

func formatDecimal(v float64) string {
	return decimal.NewFromFloat(v).String()
}

// Submit 下单。post-only 以 GTX 提交。
func (v *RESTVenue) Submit(ctx context.Context, req OrderRequest) (ExecutionReport, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("quantity", formatDecimal(req.Quantity))
	params.Set("newOrderRespType", "RESULT")
	switch req.Type {
	case "MARKET":
		params.Set("type", "MARKET")
	default:
		params.Set("type", "LIMIT")
		params.Set("price", formatDecimal(req.Price))
		tif := "GTC"
		if req.PostOnly {
			tif = "GTX"
		}
		params.Set("timeInForce", tif)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	return v.orderCall(ctx, http.MethodPost, "submit", params)
}

// Cancel 按客户端订单号撤单。
func (v *RESTVenue) Cancel(ctx context.Context, symbol, clientOrderID string) (ExecutionReport, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	return v.orderCall(ctx, http.MethodDelete, "cancel", params)
}

// Query 按客户端订单号查询。
func (v *RESTVenue) Query(ctx context.Context, symbol, clientOrderID string) (ExecutionReport, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	return v.orderCall(ctx, http.MethodGet, "query", params)
}

func (v *RESTVenue) orderCall(ctx context.Context, method, op string, params url.Values) (ExecutionReport, error) {
	var resp orderResp
	if err := v.do(ctx, method, "/fapi/v1/order", op, params, &resp); err != nil {
		return ExecutionReport{}, err
	}
	if resp.ClientOrderID == "" {
		resp.ClientOrderID = firstNonEmpty(params.Get("newClientOrderId"), params.Get("origClientOrderId"))
	}
	return resp.report(), nil
}

// do 网络错误、限流与 5xx 返回 RetryableError；其他 4xx 返回 APIError。
func (v *RESTVenue) do(ctx context.Context, method, path, op string, params url.Values, out interface{}) error {
	if err := v.limiter.Wait(ctx); err != nil {
		return Retryable(op, err)
	}
	query := Sign(params, v.cfg.APISecret, v.now(), v.cfg.RecvWindow)
	endpoint := strings.TrimRight(v.cfg.BaseURL, "/") + path + "?" + query
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("X-MBX-APIKEY", v.cfg.APIKey)

	resp, err := v.http.Do(req)
	if err != nil {
		return Retryable(op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Retryable(op, err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		if apiErr.Msg == "" {
			apiErr.Msg = http.StatusText(resp.StatusCode)
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
			return Retryable(op, apiErr)
		}
		return fmt.Errorf("%s: %w", op, apiErr)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, s := range vals {
		if s != "" {
			return s
		}
	}
	return ""
}
