package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// FileWriter 用独立的 zap JSON core 把记录逐行追加到文件。
type FileWriter struct {
	logger *zap.Logger
	file   *os.File
}

// NewFileWriter 打开（必要时创建）审计文件。
func NewFileWriter(path string) (*FileWriter, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.MessageKey = "msg"
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapcore.InfoLevel)
	return &FileWriter{logger: zap.New(core), file: f}, nil
}

// Write 每条记录一行。
func (w *FileWriter) Write(_ context.Context, rec Record) error {
	w.logger.Info("audit",
		zap.String("cycle_id", rec.CycleID),
		zap.String("outcome", string(rec.Outcome)),
		zap.Reflect("record", rec))
	return nil
}

// Close 刷盘并关闭文件。
func (w *FileWriter) Close() error {
	_ = w.logger.Sync()
	return w.file.Close()
}
