package news

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileBlackout 文件存在即回避，文件每行作为一个标志。
// 监听所在目录，以便感知文件的创建与删除。
type FileBlackout struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu      sync.RWMutex
	active  bool
	flags   []string
	changed time.Time

	started  bool
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

// NewFileBlackout 创建监听器并读取初始状态。
func NewFileBlackout(path string, logger *zap.Logger) (*FileBlackout, error) {
	if path == "" {
		return nil, fmt.Errorf("blackout path required")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &FileBlackout{
		path:     filepath.Clean(path),
		watcher:  watcher,
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	f.refresh()
	return f, nil
}

// Start 开始监听，文件所在目录必须存在。
func (f *FileBlackout) Start(ctx context.Context) error {
	if err := f.watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("failed to watch blackout dir: %w", err)
	}
	f.started = true
	go f.watch(ctx)
	return nil
}

// Stop 停止监听并释放 watcher。
func (f *FileBlackout) Stop() error {
	f.stopOnce.Do(func() { close(f.stopChan) })
	if f.started {
		select {
		case <-f.doneChan:
		case <-time.After(time.Second):
		}
	}
	return f.watcher.Close()
}

func (f *FileBlackout) watch(ctx context.Context) {
	defer close(f.doneChan)
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopChan:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			f.refresh()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("blackout watcher error", zap.Error(err))
		}
	}
}

func (f *FileBlackout) refresh() {
	data, err := os.ReadFile(f.path)
	active := err == nil
	var flags []string
	if active {
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
				flags = append(flags, line)
			}
		}
		if len(flags) == 0 {
			flags = []string{"blackout"}
		}
	}

	f.mu.Lock()
	was := f.active
	f.active = active
	f.flags = flags
	if was != active {
		f.changed = time.Now().UTC()
	}
	f.mu.Unlock()

	if was != active {
		f.logger.Info("news blackout changed",
			zap.Bool("active", active),
			zap.Strings("flags", flags))
	}
}

// Avoid 实现 Source。
func (f *FileBlackout) Avoid() (bool, []string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.active {
		return false, nil
	}
	return true, append([]string(nil), f.flags...)
}
