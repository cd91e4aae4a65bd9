package gateway

import (
	"errors"
	"fmt"
	"time"

	"btc-scalper/market"
)

// 交易所订单状态（与 Binance 字段保持一致）。
const (
	VenueStatusNew             = "NEW"
	VenueStatusPartiallyFilled = "PARTIALLY_FILLED"
	VenueStatusFilled          = "FILLED"
	VenueStatusCanceled        = "CANCELED"
	VenueStatusRejected        = "REJECTED"
	VenueStatusExpired         = "EXPIRED"
)

// OrderRequest 下单参数，以客户端订单号为键。
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          market.Side
	Type          string // LIMIT / MARKET
	Price         float64
	Quantity      float64
	ReduceOnly    bool
	PostOnly      bool
}

// ExecutionReport 交易所回报。FilledQty/AvgPrice/Fee 为累计值。
type ExecutionReport struct {
	ClientOrderID string
	VenueOrderID  string
	Status        string
	FilledQty     float64
	AvgPrice      float64
	Fee           float64
	UpdatedAt     time.Time
}

// RetryableError 可重试的交易所错误（网络、限流、5xx 等）。
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("%s: %v (retryable)", e.Op, e.Err) }

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable 包装为可重试错误；已是可重试错误则原样返回。
func Retryable(op string, err error) error {
	if err == nil || IsRetryable(err) {
		return err
	}
	return &RetryableError{Op: op, Err: err}
}

// IsRetryable 判断错误链中是否含有 RetryableError。
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// APIError 交易所返回的业务错误（4xx）。
type APIError struct {
	Status int
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue status %d code %d: %s", e.Status, e.Code, e.Msg)
}
