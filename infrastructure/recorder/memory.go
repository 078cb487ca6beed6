package recorder

import (
	"context"
	"sync"
)

// MemorySink 内存后端，用于测试与纸面模式。
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *MemorySink) Close() error { return nil }

// FailWith 让后续写入返回 err，传 nil 恢复。
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}
