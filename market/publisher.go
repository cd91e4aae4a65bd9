package market

import (
	"sync"
	"time"
)

// FeedEventType 行情连接事件类型。
type FeedEventType string

const (
	FeedConnected    FeedEventType = "CONNECTED"
	FeedDisconnected FeedEventType = "DISCONNECTED"
	// FeedLost 重连次数耗尽，终止事件。
	FeedLost FeedEventType = "LOST"
)

// FeedEvent 行情连接状态变化。
type FeedEvent struct {
	Type    FeedEventType
	Attempt int
	Err     error
	Ts      time.Time
}

// Publisher 一个轻量事件分发器，慢订阅者丢消息而不阻塞行情协程。
type Publisher struct {
	mu   sync.RWMutex
	subs []chan FeedEvent
}

func NewPublisher() *Publisher {
	return &Publisher{subs: make([]chan FeedEvent, 0)}
}

func (p *Publisher) Subscribe() <-chan FeedEvent {
	ch := make(chan FeedEvent, 16)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch
}

func (p *Publisher) Publish(ev FeedEvent) {
	if ev.Ts.IsZero() {
		ev.Ts = time.Now()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
