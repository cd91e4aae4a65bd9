package risk

import (
	"crypto/subtle"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Trigger 熔断触发来源。
type Trigger string

const (
	TriggerManual       Trigger = "MANUAL"
	TriggerAutoLoss     Trigger = "AUTO_LOSS"
	TriggerAutoDrawdown Trigger = "AUTO_DRAWDOWN"
	TriggerAutoError    Trigger = "AUTO_ERROR"
	TriggerAutoFeedLoss Trigger = "AUTO_FEED_LOSS"
	TriggerEmergency    Trigger = "EMERGENCY"
)

// DefaultCooldown 机制默认冷却时间；运维部署通常配置为 1h。
const DefaultCooldown = 5 * time.Minute

// KillSwitchState 某一时刻的开关状态（值拷贝）。
type KillSwitchState struct {
	Active            bool      `json:"active"`
	Trigger           Trigger   `json:"trigger,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	ActivatedAt       time.Time `json:"activatedAt,omitempty"`
	CooldownExpiresAt time.Time `json:"cooldownExpiresAt,omitempty"`
}

// KillSwitchConfig 开关配置。
type KillSwitchConfig struct {
	Cooldown          time.Duration `yaml:"cooldown"`
	ConfirmationToken string        `yaml:"confirmationToken"`
	MaxDrawdownPct    float64       `yaml:"maxDrawdownPct"` // 自动触发阈值，通常取 Rulebook 同名上限
	MaxDailyLossPct   float64       `yaml:"maxDailyLossPct"`
}

// KillSwitch 全局停机开关：INACTIVE -> ACTIVE 可重复调用（幂等），
// ACTIVE -> INACTIVE 需要确认令牌且冷却期已过。
type KillSwitch struct {
	cfg    KillSwitchConfig
	clock  Clock
	logger *zap.Logger

	mu    sync.RWMutex
	state KillSwitchState

	obsMu     sync.Mutex
	observers []func(KillSwitchState)
}

// NewKillSwitch 创建开关，Cooldown<=0 时使用默认值。
func NewKillSwitch(cfg KillSwitchConfig, clock Clock, logger *zap.Logger) *KillSwitch {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KillSwitch{cfg: cfg, clock: orDefault(clock), logger: logger}
}

// OnActivate 注册激活回调，按注册顺序同步调用。
func (k *KillSwitch) OnActivate(fn func(KillSwitchState)) {
	k.obsMu.Lock()
	k.observers = append(k.observers, fn)
	k.obsMu.Unlock()
}

// Activate 激活开关；已激活时不做任何修改并返回 false。
func (k *KillSwitch) Activate(trigger Trigger, reason string) bool {
	if reason == "" {
		reason = "no reason given"
	}
	k.mu.Lock()
	if k.state.Active {
		k.mu.Unlock()
		return false
	}
	now := k.clock.Now()
	k.state = KillSwitchState{
		Active:            true,
		Trigger:           trigger,
		Reason:            reason,
		ActivatedAt:       now,
		CooldownExpiresAt: now.Add(k.cfg.Cooldown),
	}
	st := k.state
	k.mu.Unlock()

	k.logger.Error("kill switch activated",
		zap.String("trigger", string(trigger)),
		zap.String("reason", reason),
		zap.Time("cooldown_expires_at", st.CooldownExpiresAt))

	k.obsMu.Lock()
	observers := append([]func(KillSwitchState){}, k.observers...)
	k.obsMu.Unlock()
	for _, fn := range observers {
		fn(st)
	}
	return true
}

// Deactivate 令牌错误或冷却未结束时返回 false，状态保持 ACTIVE。
func (k *KillSwitch) Deactivate(token string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.state.Active {
		return false
	}
	if k.cfg.ConfirmationToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(k.cfg.ConfirmationToken)) != 1 {
		k.logger.Warn("kill switch deactivation rejected: bad token")
		return false
	}
	now := k.clock.Now()
	if now.Before(k.state.CooldownExpiresAt) {
		k.logger.Warn("kill switch deactivation rejected: cooldown",
			zap.Duration("remaining", k.state.CooldownExpiresAt.Sub(now)))
		return false
	}
	k.logger.Info("kill switch deactivated",
		zap.String("trigger", string(k.state.Trigger)),
		zap.Duration("active_for", now.Sub(k.state.ActivatedAt)))
	k.state = KillSwitchState{}
	return true
}

// State 当前状态的拷贝。
func (k *KillSwitch) State() KillSwitchState {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state
}

// IsActive 是否已激活。
func (k *KillSwitch) IsActive() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state.Active
}

// Cooldown 配置的冷却时长。
func (k *KillSwitch) Cooldown() time.Duration { return k.cfg.Cooldown }

// CheckDrawdownTrigger 回撤达到阈值时自动激活。
func (k *KillSwitch) CheckDrawdownTrigger(drawdownPct float64) bool {
	if k.cfg.MaxDrawdownPct <= 0 || k.IsActive() || drawdownPct < k.cfg.MaxDrawdownPct {
		return false
	}
	return k.Activate(TriggerAutoDrawdown, "drawdown limit reached")
}

// CheckDailyLossTrigger 日内亏损达到阈值时自动激活；lossPct 为正数。
func (k *KillSwitch) CheckDailyLossTrigger(lossPct float64) bool {
	if k.cfg.MaxDailyLossPct <= 0 || k.IsActive() || lossPct < k.cfg.MaxDailyLossPct {
		return false
	}
	return k.Activate(TriggerAutoLoss, "daily loss limit reached")
}

// TriggerOnError 周期异常时激活。
func (k *KillSwitch) TriggerOnError(err error) bool {
	if k.IsActive() {
		return false
	}
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	return k.Activate(TriggerAutoError, reason)
}
