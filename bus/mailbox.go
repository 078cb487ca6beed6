package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/gammazero/deque"
)

var ErrClosed = errors.New("bus closed")

// mailbox 无界 FIFO，单消费者。push 永不阻塞。
type mailbox[T any] struct {
	mu     sync.Mutex
	q      deque.Deque[T]
	signal chan struct{}
	closed bool
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{signal: make(chan struct{}, 1)}
}

func (m *mailbox[T]) push(v T) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.q.PushBack(v)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

// pop 阻塞直到有元素、邮箱关闭且已排空、或 ctx 结束。
func (m *mailbox[T]) pop(ctx context.Context) (T, error) {
	for {
		m.mu.Lock()
		if m.q.Len() > 0 {
			v := m.q.PopFront()
			m.mu.Unlock()
			return v, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			var zero T
			return zero, ErrClosed
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-m.signal:
		}
	}
}

func (m *mailbox[T]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.Len()
}

func (m *mailbox[T]) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}
