package config

import (
	"context"
	"os"
	"time"
)

// Watcher polls the file mtime periodically and invokes the callback on change.
// 只有运行期可调的字段（如 news.avoid）会被调用方应用，Rulebook 启动后不再变化。
type Watcher struct {
	Path     string
	Interval time.Duration
	OnError  func(error)
}

// Start begins polling; callback receives latest config on change.
func (w Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	if w.Interval <= 0 {
		w.Interval = 2 * time.Second
	}
	var lastMod time.Time
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			info, err := readFileInfo(w.Path)
			if err != nil {
				continue
			}
			if info.ModTime().After(lastMod) {
				first := lastMod.IsZero()
				lastMod = info.ModTime()
				if first {
					continue
				}
				cfg, err := LoadWithEnvOverrides(w.Path)
				if err != nil {
					if w.OnError != nil {
						w.OnError(err)
					}
					continue
				}
				if onUpdate != nil {
					onUpdate(cfg)
				}
			}
		}
	}
}

// readFileInfo is extracted for testing/mocking.
var readFileInfo = func(path string) (info interface{ ModTime() time.Time }, err error) {
	return os.Stat(path)
}
