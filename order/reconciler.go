package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reconciler 实盘模式下定期向交易所查询活跃订单，
// 把成交、交易所侧撤单与过期回灌给 Manager。
type Reconciler struct {
	venue    Venue
	manager  *Manager
	interval time.Duration
	logger   *zap.Logger

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex

	// 统计信息
	totalReconciliations int64
	reportsApplied       int64
	queryErrors          int64
	lastReconcileTime    time.Time
}

// ReconcilerConfig 对账器配置
type ReconcilerConfig struct {
	Interval time.Duration // 对账间隔
}

// NewReconciler 创建订单对账器
func NewReconciler(venue Venue, manager *Manager, config ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		venue:    venue,
		manager:  manager,
		interval: config.Interval,
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Run 对账循环，阻塞直到 ctx 结束或 Stop。
func (r *Reconciler) Run(ctx context.Context) error {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopChan:
			return nil
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Warn("reconcile failed", zap.Error(err))
			}
		}
	}
}

// Stop 停止对账服务
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	<-r.doneChan
}

// Reconcile 执行一次完整对账；单个订单失败不影响其他订单。
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	r.totalReconciliations++
	r.lastReconcileTime = time.Now()
	r.mu.Unlock()

	var lastErr error
	for _, o := range r.manager.Active() {
		if o.Status == StatusPending {
			continue
		}
		rep, err := r.venue.Query(ctx, o.Symbol, o.ID)
		if err != nil {
			r.mu.Lock()
			r.queryErrors++
			r.mu.Unlock()
			lastErr = fmt.Errorf("query %s: %w", o.ID, err)
			continue
		}
		if rep.ClientOrderID == "" {
			rep.ClientOrderID = o.ID
		}
		if err := r.manager.ApplyReport(rep); err != nil {
			lastErr = err
			continue
		}
		r.mu.Lock()
		r.reportsApplied++
		r.mu.Unlock()
	}
	return lastErr
}

// ReconcilerStats 对账统计信息
type ReconcilerStats struct {
	TotalReconciliations int64
	ReportsApplied       int64
	QueryErrors          int64
	LastReconcileTime    time.Time
	Interval             time.Duration
}

// GetStatistics 获取对账统计信息
func (r *Reconciler) GetStatistics() ReconcilerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ReconcilerStats{
		TotalReconciliations: r.totalReconciliations,
		ReportsApplied:       r.reportsApplied,
		QueryErrors:          r.queryErrors,
		LastReconcileTime:    r.lastReconcileTime,
		Interval:             r.interval,
	}
}
