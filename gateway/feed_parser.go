package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"btc-scalper/market"
)

// ErrUnknownStream 不是深度、bookTicker 或 markPrice 消息。
var ErrUnknownStream = errors.New("unknown stream message")

// CombinedMessage 对应 binance combined stream 包装。
type CombinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// DepthMessage depthUpdate 事件：U/u 为本条消息覆盖的更新序号区间。
type DepthMessage struct {
	Event     string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	FirstID   uint64      `json:"U"`
	LastID    uint64      `json:"u"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

// PartialDepthMessage 现货有限档快照（无事件类型字段）。
type PartialDepthMessage struct {
	LastUpdateID uint64      `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// MarkPriceMessage markPriceUpdate 事件：p 为标记价格，i 为指数价格。
type MarkPriceMessage struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
	IndexPx   string `json:"i"`
}

// BookTickerMessage bookTicker 事件，只含最优一档。
type BookTickerMessage struct {
	Event     string `json:"e"`
	UpdateID  uint64 `json:"u"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	BidPrice  string `json:"b"`
	BidQty    string `json:"B"`
	AskPrice  string `json:"a"`
	AskQty    string `json:"A"`
}

// FeedMessage 解析结果，三个字段只有一个非空。
type FeedMessage struct {
	Depth *market.LevelUpdate
	Top   *market.TopOfBook
	Mark  *market.ReferencePrice
}

// ParseFeedMessage 解析 combined 或裸消息。
func ParseFeedMessage(raw []byte) (FeedMessage, error) {
	var env CombinedMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return FeedMessage{}, fmt.Errorf("decode envelope: %w", err)
	}
	payload := raw
	if len(env.Data) > 0 {
		payload = env.Data
	}

	var head struct {
		Event        string  `json:"e"`
		LastUpdateID *uint64 `json:"lastUpdateId"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return FeedMessage{}, fmt.Errorf("decode event: %w", err)
	}
	if head.Event == "" && head.LastUpdateID != nil {
		var m PartialDepthMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return FeedMessage{}, fmt.Errorf("decode partial depth: %w", err)
		}
		u, err := m.toUpdate()
		if err != nil {
			return FeedMessage{}, err
		}
		return FeedMessage{Depth: &u}, nil
	}
	switch head.Event {
	case "depthUpdate":
		var m DepthMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return FeedMessage{}, fmt.Errorf("decode depth: %w", err)
		}
		u, err := m.toUpdate()
		if err != nil {
			return FeedMessage{}, err
		}
		u.Snapshot = isPartialDepth(env.Stream)
		return FeedMessage{Depth: &u}, nil
	case "markPriceUpdate":
		var m MarkPriceMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return FeedMessage{}, fmt.Errorf("decode markPrice: %w", err)
		}
		ref, err := m.toReference()
		if err != nil {
			return FeedMessage{}, err
		}
		return FeedMessage{Mark: &ref}, nil
	case "bookTicker":
		var m BookTickerMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return FeedMessage{}, fmt.Errorf("decode bookTicker: %w", err)
		}
		top, err := m.toTop()
		if err != nil {
			return FeedMessage{}, err
		}
		return FeedMessage{Top: &top}, nil
	default:
		return FeedMessage{}, fmt.Errorf("%w: %q", ErrUnknownStream, head.Event)
	}
}

func (m DepthMessage) toUpdate() (market.LevelUpdate, error) {
	bids, err := parseLevels(m.Bids)
	if err != nil {
		return market.LevelUpdate{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(m.Asks)
	if err != nil {
		return market.LevelUpdate{}, fmt.Errorf("asks: %w", err)
	}
	return market.LevelUpdate{
		Symbol:       m.Symbol,
		SequenceLow:  m.FirstID,
		SequenceHigh: m.LastID,
		Bids:         bids,
		Asks:         asks,
		Ts:           eventTime(m.EventTime),
	}, nil
}

// isPartialDepth 有限档深度流形如 btcusdt@depth20@100ms，档位数紧跟在 @depth 后。
func isPartialDepth(stream string) bool {
	i := strings.Index(stream, "@depth")
	if i < 0 {
		return false
	}
	rest := stream[i+len("@depth"):]
	return len(rest) > 0 && rest[0] >= '0' && rest[0] <= '9'
}

func (m PartialDepthMessage) toUpdate() (market.LevelUpdate, error) {
	bids, err := parseLevels(m.Bids)
	if err != nil {
		return market.LevelUpdate{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(m.Asks)
	if err != nil {
		return market.LevelUpdate{}, fmt.Errorf("asks: %w", err)
	}
	return market.LevelUpdate{
		SequenceLow:  m.LastUpdateID,
		SequenceHigh: m.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
		Snapshot:     true,
		Ts:           time.Now().UTC(),
	}, nil
}

func (m MarkPriceMessage) toReference() (market.ReferencePrice, error) {
	mark, err := decimal.NewFromString(m.MarkPrice)
	if err != nil {
		return market.ReferencePrice{}, fmt.Errorf("mark price %q: %w", m.MarkPrice, err)
	}
	ref := market.ReferencePrice{Symbol: m.Symbol, Price: mark, Ts: eventTime(m.EventTime)}
	if m.IndexPx != "" {
		if ref.Index, err = decimal.NewFromString(m.IndexPx); err != nil {
			return market.ReferencePrice{}, fmt.Errorf("index price %q: %w", m.IndexPx, err)
		}
	}
	return ref, nil
}

func (m BookTickerMessage) toTop() (market.TopOfBook, error) {
	bid, err := parseLevel(m.BidPrice, m.BidQty)
	if err != nil {
		return market.TopOfBook{}, fmt.Errorf("bid: %w", err)
	}
	ask, err := parseLevel(m.AskPrice, m.AskQty)
	if err != nil {
		return market.TopOfBook{}, fmt.Errorf("ask: %w", err)
	}
	return market.TopOfBook{
		Symbol:   m.Symbol,
		Sequence: m.UpdateID,
		Bid:      bid,
		Ask:      ask,
		Ts:       eventTime(m.EventTime),
	}, nil
}

func parseLevels(raw [][2]string) ([]market.PriceLevel, error) {
	out := make([]market.PriceLevel, 0, len(raw))
	for _, r := range raw {
		lvl, err := parseLevel(r[0], r[1])
		if err != nil {
			return nil, err
		}
		out = append(out, lvl)
	}
	return out, nil
}

func parseLevel(price, qty string) (market.PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return market.PriceLevel{}, fmt.Errorf("price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return market.PriceLevel{}, fmt.Errorf("qty %q: %w", qty, err)
	}
	return market.PriceLevel{Price: p, Quantity: q}, nil
}

// eventTime 交易所未给时间时使用本地时间。
func eventTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
