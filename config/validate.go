package config

import (
	"fmt"

	"btc-scalper/order"
	"btc-scalper/risk"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

// Validate ensures required fields are present. Rulebook 数值边界由 risk.NewRulebook 校验，
// 这里调用一次使非法规则在启动时即失败。
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return ErrInvalid("env is required")
	}
	if cfg.Symbol == "" {
		return ErrInvalid("symbol is required")
	}
	if cfg.Mode != order.ModePaper && cfg.Mode != order.ModeLive {
		return ErrInvalid(fmt.Sprintf("mode must be paper or live, got %q", cfg.Mode))
	}
	if cfg.Engine.Interval <= 0 {
		return ErrInvalid("engine.interval must be > 0")
	}
	if cfg.Engine.FeedLossEscalation < 0 || cfg.Engine.OrderTTL < 0 {
		return ErrInvalid("engine durations must be >= 0")
	}
	if cfg.Account.InitialEquity <= 0 {
		return ErrInvalid("account.initialEquity must be > 0")
	}
	if cfg.Account.Leverage <= 0 {
		return ErrInvalid("account.leverage must be > 0")
	}
	if cfg.Decision.URL == "" {
		return ErrInvalid("decision.url is required")
	}
	if cfg.Decision.Timeout <= 0 {
		return ErrInvalid("decision.timeout must be > 0")
	}
	if cfg.Alert.Throttle < 0 {
		return ErrInvalid("alert.throttle must be >= 0")
	}
	if cfg.KillSwitch.Cooldown < 0 {
		return ErrInvalid("killSwitch.cooldown must be >= 0")
	}
	if cfg.Paper.TakerFeeBps < 0 || cfg.Paper.MakerFeeBps < 0 || cfg.Paper.Latency < 0 {
		return ErrInvalid("paper fees/latency must be >= 0")
	}
	if cfg.Retry.MaxRetries < 0 || cfg.Retry.BaseDelay < 0 {
		return ErrInvalid("retry settings must be >= 0")
	}
	f := cfg.Forbidden
	if f.MaxSpreadBps < 0 || f.MinLiquidity < 0 || f.LiquidityLevels < 0 || f.MaxQuoteAge < 0 || f.MaxReferenceDeviation < 0 || f.MinLevels < 0 {
		return ErrInvalid("forbidden thresholds must be >= 0")
	}
	if c := cfg.Constraints; c != nil {
		if c.TickSize <= 0 || c.StepSize <= 0 {
			return ErrInvalid("constraints tickSize/stepSize must be > 0")
		}
		if c.MinQty < 0 || c.MaxQty < 0 || c.MinNotional < 0 {
			return ErrInvalid("constraints bounds must be >= 0")
		}
	}
	if cfg.Mode == order.ModeLive {
		if cfg.Venue.APIKey == "" || cfg.Venue.APISecret == "" {
			return ErrInvalid("venue.apiKey/apiSecret is required in live mode (or env overrides)")
		}
		if cfg.KillSwitch.ConfirmationToken == "" {
			return ErrInvalid("killSwitch.confirmationToken is required in live mode")
		}
	}
	if _, err := risk.NewRulebook(cfg.Rulebook); err != nil {
		return fmt.Errorf("rulebook: %w", err)
	}
	return nil
}
