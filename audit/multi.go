package audit

import (
	"context"
	"errors"
	"sync"
)

// MultiWriter 依次写入所有下游，单个失败不影响其余。
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(writers ...Writer) *MultiWriter {
	out := make([]Writer, 0, len(writers))
	for _, w := range writers {
		if w != nil {
			out = append(out, w)
		}
	}
	return &MultiWriter{writers: out}
}

func (m *MultiWriter) Write(ctx context.Context, rec Record) error {
	var errs []error
	for _, w := range m.writers {
		if err := w.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiWriter) Close() error {
	var errs []error
	for _, w := range m.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ring 内存中保留最近 N 条记录，供控制接口查询。
type Ring struct {
	mu    sync.RWMutex
	buf   []Record
	next  int
	full  bool
	total uint64
}

// NewRing size<=0 时取 100。
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 100
	}
	return &Ring{buf: make([]Record, size)}
}

func (r *Ring) Write(_ context.Context, rec Record) error {
	r.mu.Lock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.total++
	r.mu.Unlock()
	return nil
}

func (r *Ring) Close() error { return nil }

// Recent 按时间倒序返回至多 n 条。
func (r *Ring) Recent(n int) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Total 累计写入条数。
func (r *Ring) Total() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}
