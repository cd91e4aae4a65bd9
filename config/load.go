package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"btc-scalper/audit"
	"btc-scalper/gateway"
	"btc-scalper/infrastructure/logger"
	"btc-scalper/order"
	"btc-scalper/risk"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env         string                   `yaml:"env"`
	Symbol      string                   `yaml:"symbol"`
	Mode        order.Mode               `yaml:"mode"`
	Engine      EngineConfig             `yaml:"engine"`
	Account     AccountConfig            `yaml:"account"`
	Rulebook    risk.RulebookOverrides   `yaml:"rulebook"`
	KillSwitch  risk.KillSwitchConfig    `yaml:"killSwitch"`
	Forbidden   risk.ForbiddenConfig     `yaml:"forbidden"`
	Paper       order.PaperConfig        `yaml:"paper"`
	Retry       order.RetryConfig        `yaml:"retry"`
	Constraints *order.SymbolConstraints `yaml:"constraints"`
	Feed        gateway.FeedConfig       `yaml:"feed"`
	Venue       gateway.RESTConfig       `yaml:"venue"`
	Decision    DecisionConfig           `yaml:"decision"`
	Audit       AuditConfig              `yaml:"audit"`
	API         APIConfig                `yaml:"api"`
	News        NewsConfig               `yaml:"news"`
	Alert       AlertConfig              `yaml:"alert"`
	Log         logger.Config            `yaml:"log"`
}

// EngineConfig 决策循环参数。
type EngineConfig struct {
	Interval           time.Duration `yaml:"interval"`           // 周期，默认 1s
	FeedLossEscalation time.Duration `yaml:"feedLossEscalation"` // 行情中断超过该时长触发熔断
	OrderTTL           time.Duration `yaml:"orderTtl"`           // 限价单有效期
	ReconcileInterval  time.Duration `yaml:"reconcileInterval"`  // 实盘对账间隔
	EmergencyFlatten   bool          `yaml:"emergencyFlatten"`   // 紧急停机时市价平仓
}

// AccountConfig 账户参数。
type AccountConfig struct {
	InitialEquity float64 `yaml:"initialEquity"`
	Leverage      float64 `yaml:"leverage"`
}

// DecisionConfig 外部决策服务。
type DecisionConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuditConfig 审计输出；redis.addr 为空时不写 Redis。
type AuditConfig struct {
	File     string            `yaml:"file"`
	RingSize int               `yaml:"ringSize"`
	Redis    audit.RedisConfig `yaml:"redis"`
}

// APIConfig 运维控制接口；addr 为空时不启动。
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// NewsConfig 新闻回避标志。
type NewsConfig struct {
	Avoid        bool   `yaml:"avoid"`
	Reason       string `yaml:"reason"`
	BlackoutFile string `yaml:"blackoutFile"`
}

// AlertConfig 告警通道；webhookUrl 为空时只写日志。
type AlertConfig struct {
	WebhookURL string        `yaml:"webhookUrl"`
	Throttle   time.Duration `yaml:"throttle"` // 同类告警最小间隔，CRITICAL 不受限
}

// Default 返回带默认值的配置，YAML 只需覆盖差异项。
func Default() AppConfig {
	return AppConfig{
		Env:    "dev",
		Symbol: "BTCUSDT",
		Mode:   order.ModePaper,
		Engine: EngineConfig{
			Interval:           time.Second,
			FeedLossEscalation: 30 * time.Second,
			OrderTTL:           30 * time.Second,
			ReconcileInterval:  2 * time.Second,
		},
		Account:    AccountConfig{InitialEquity: 10000, Leverage: 1},
		KillSwitch: risk.KillSwitchConfig{Cooldown: risk.DefaultCooldown},
		Forbidden:  risk.DefaultForbiddenConfig(),
		Paper:      order.PaperConfig{Latency: 50 * time.Millisecond, TakerFeeBps: 4, MakerFeeBps: 2},
		Retry:      order.DefaultRetryConfig(),
		Decision:   DecisionConfig{URL: "http://127.0.0.1:8090/decide", Timeout: 2 * time.Second},
		Audit:      AuditConfig{File: "logs/audit.log", RingSize: 200},
		API:        APIConfig{Addr: "127.0.0.1:8088"}, // 运维接口无鉴权，只监听本机
		Alert:      AlertConfig{Throttle: time.Minute},
		Log:        logger.DefaultConfig(),
	}
}

// Load reads YAML config from path on top of Default and validates it.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if cfg.Feed.Symbol == "" {
		cfg.Feed.Symbol = cfg.Symbol
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadEnvFile 加载 .env 文件（不覆盖已存在的环境变量）；文件不存在时忽略。
func LoadEnvFile(paths ...string) error {
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	return cfg, Validate(cfg)
}

func applyEnv(cfg *AppConfig) {
	if v := os.Getenv("SCALPER_MODE"); v != "" {
		cfg.Mode = order.Mode(v)
	}
	if v := os.Getenv("SCALPER_VENUE_API_KEY"); v != "" {
		cfg.Venue.APIKey = v
	}
	if v := os.Getenv("SCALPER_VENUE_API_SECRET"); v != "" {
		cfg.Venue.APISecret = v
	}
	if v := os.Getenv("SCALPER_KILL_TOKEN"); v != "" {
		cfg.KillSwitch.ConfirmationToken = v
	}
	if v := os.Getenv("SCALPER_DECISION_URL"); v != "" {
		cfg.Decision.URL = v
	}
	if v := os.Getenv("SCALPER_REDIS_PASSWORD"); v != "" {
		cfg.Audit.Redis.Password = v
	}
}
