// Package logger zap 之上的结构化日志：统一输出配置，
// 并为订单、成交、风控、决策周期提供固定形状的事件日志。
package logger

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 内嵌 *zap.Logger，普通日志直接调用 Info/Warn/Error。
type Logger struct {
	*zap.Logger
}

// Config 日志配置。
type Config struct {
	Level      string   `yaml:"level"`      // debug, info, warn, error
	Format     string   `yaml:"format"`     // json 或 console
	Outputs    []string `yaml:"outputs"`    // stdout, file
	OutputFile string   `yaml:"outputFile"` // outputs 含 file 时必填
	ErrorFile  string   `yaml:"errorFile"`  // 可选，只写 error 及以上
}

// DefaultConfig json 格式输出到 stdout。
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", Outputs: []string{"stdout"}}
}

// New 按配置组装输出；一个输出都没有时返回错误，避免日志静默丢失。
func New(cfg Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	stdoutEnc := zapcore.NewJSONEncoder(encCfg)
	if cfg.Format == "console" {
		devCfg := zap.NewDevelopmentEncoderConfig()
		devCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		devCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		stdoutEnc = zapcore.NewConsoleEncoder(devCfg)
	}

	var cores []zapcore.Core
	for _, out := range cfg.Outputs {
		switch out {
		case "stdout":
			cores = append(cores, zapcore.NewCore(stdoutEnc, zapcore.Lock(os.Stdout), level))
		case "file":
			if cfg.OutputFile == "" {
				return nil, fmt.Errorf("log output %q needs outputFile", out)
			}
			ws, err := openAppend(cfg.OutputFile)
			if err != nil {
				return nil, err
			}
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, level))
		default:
			return nil, fmt.Errorf("unknown log output %q", out)
		}
	}
	if cfg.ErrorFile != "" {
		ws, err := openAppend(cfg.ErrorFile)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, zapcore.ErrorLevel))
	}
	if len(cores) == 0 {
		return nil, fmt.Errorf("no log outputs configured")
	}
	return &Logger{Logger: zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))}, nil
}

func openAppend(path string) (zapcore.WriteSyncer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return zapcore.AddSync(f), nil
}

// Nop 丢弃全部输出。
func Nop() *Logger { return &Logger{Logger: zap.NewNop()} }

// Named 子组件日志，名称出现在 logger 字段里。
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger.Named(component)}
}

// LogOrder 订单生命周期事件。
func (l *Logger) LogOrder(event, orderID string, fields map[string]interface{}) {
	l.Info("order_event", eventFields(fields, zap.String("event", event), zap.String("order_id", orderID))...)
}

// LogTrade 成交与平仓。
func (l *Logger) LogTrade(event string, fields map[string]interface{}) {
	l.Info("trade_event", eventFields(fields, zap.String("event", event))...)
}

// LogError 带上下文的错误。
func (l *Logger) LogError(err error, fields map[string]interface{}) {
	l.Error("error_event", eventFields(fields, zap.Error(err))...)
}

// LogRisk 风控事件一律 warn 级别。
func (l *Logger) LogRisk(event string, fields map[string]interface{}) {
	l.Warn("risk_event", eventFields(fields, zap.String("event", event))...)
}

// LogCycle 一次决策周期的结果。
func (l *Logger) LogCycle(cycleID string, fields map[string]interface{}) {
	l.Info("cycle_event", eventFields(fields, zap.String("cycle_id", cycleID))...)
}

// Close 刷新缓冲。
func (l *Logger) Close() error {
	return l.Sync()
}

// eventFields 固定字段在前，调用方字段在后；不修改调用方的 map。
func eventFields(fields map[string]interface{}, head ...zap.Field) []zap.Field {
	out := make([]zap.Field, 0, len(head)+len(fields)+1)
	out = append(out, head...)
	out = append(out, zap.String("ts", time.Now().UTC().Format(time.RFC3339Nano)))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
