// Package news 提供新闻回避标志：置位时引擎跳过决策周期。
package news

import (
	"sync"
)

// Source 新闻回避标志来源。
type Source interface {
	// Avoid 返回是否回避以及触发的标志列表。
	Avoid() (bool, []string)
}

// Static 手动设置的标志，可在运行时切换。
type Static struct {
	mu     sync.RWMutex
	active bool
	reason string
}

func NewStatic(active bool, reason string) *Static {
	return &Static{active: active, reason: reason}
}

func (s *Static) Set(active bool, reason string) {
	s.mu.Lock()
	s.active = active
	s.reason = reason
	s.mu.Unlock()
}

func (s *Static) Avoid() (bool, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.active {
		return false, nil
	}
	reason := s.reason
	if reason == "" {
		reason = "manual"
	}
	return true, []string{reason}
}

// Any 任一来源置位即回避，标志合并返回。
type Any []Source

func (a Any) Avoid() (bool, []string) {
	avoid := false
	var flags []string
	for _, s := range a {
		if s == nil {
			continue
		}
		if on, f := s.Avoid(); on {
			avoid = true
			flags = append(flags, f...)
		}
	}
	return avoid, flags
}
