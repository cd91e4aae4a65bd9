package container

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"btc-scalper/infrastructure/logger"
	"btc-scalper/news"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	components []Lifecycle
	mu         sync.RWMutex
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{
		components: make([]Lifecycle, 0),
	}
}

// Register 注册组件
func (m *LifecycleManager) Register(component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component)
}

// StartAll 按顺序启动所有组件
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Start(ctx); err != nil {
			// 启动失败，回滚已启动的组件
			for j := i - 1; j >= 0; j-- {
				m.components[j].Stop()
			}
			return fmt.Errorf("start component %d failed: %w", i, err)
		}
	}
	return nil
}

// StopAll 逆序停止所有组件
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	// 逆序停止
	for i := len(m.components) - 1; i >= 0; i-- {
		if err := m.components[i].Stop(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// CheckHealth 检查所有组件健康状态
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Health(); err != nil {
			return fmt.Errorf("component %d unhealthy: %w", i, err)
		}
	}
	return nil
}

// httpServerComponent HTTP服务器组件；Start 同步监听端口，绑定失败直接返回错误。
type httpServerComponent struct {
	name    string
	handler http.Handler
	addr    string
	logger  *logger.Logger
	server  *http.Server
	started bool
	mu      sync.Mutex
}

func (h *httpServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("%s listen on %s: %w", h.name, h.addr, err)
	}
	srv := &http.Server{
		Handler:           h.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	h.server = srv

	// 在后台启动服务器
	go func() {
		h.logger.Logger.Info(fmt.Sprintf("%s listening on %s", h.name, ln.Addr()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.LogError(err, map[string]interface{}{
				"component": h.name,
				"action":    "serve",
			})
		}
	}()

	h.started = true
	return nil
}

func (h *httpServerComponent) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started || h.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h.started = false
	if err := h.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", h.name, err)
	}

	h.logger.Logger.Info(fmt.Sprintf("%s stopped", h.name))
	return nil
}

func (h *httpServerComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return fmt.Errorf("%s not started", h.name)
	}
	return nil
}

// blackoutComponent 新闻回避文件监听
type blackoutComponent struct {
	blackout *news.FileBlackout
	running  bool
	mu       sync.Mutex
}

func (b *blackoutComponent) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	if err := b.blackout.Start(ctx); err != nil {
		return err
	}
	b.running = true
	return nil
}

func (b *blackoutComponent) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil
	}
	b.running = false
	return b.blackout.Stop()
}

func (b *blackoutComponent) Health() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return errors.New("news blackout watcher not running")
	}
	return nil
}
