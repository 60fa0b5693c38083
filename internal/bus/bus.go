// Package bus 心率总线：单个发布端扇出到多个订阅者。
//
// 总线保留最近 capacity 条消息，每个订阅者持有独立游标。
// 发布永不阻塞；落后超过 capacity 的订阅者会收到 *LaggedError，
// 游标跳到最旧的保留消息后继续。
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity 默认保留消息数
const DefaultCapacity = 50

// ErrClosed 总线已关闭且订阅者已读完
var ErrClosed = errors.New("bus is closed")

// LaggedError 订阅者落后，Missed 条消息被丢弃
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("lagged, %d messages dropped", e.Missed)
}

// Bus 环形缓冲广播总线
type Bus struct {
	mu       sync.Mutex
	buf      []Message
	tail     uint64 // 下一条消息的序号
	notify   chan struct{}
	closed   bool
	capacity uint64
}

// New 创建总线，capacity <= 0 时使用默认值
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		buf:      make([]Message, capacity),
		notify:   make(chan struct{}),
		capacity: uint64(capacity),
	}
}

// Publish 发布消息（非阻塞）
func (b *Bus) Publish(msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	b.buf[b.tail%b.capacity] = msg
	b.tail++

	close(b.notify)
	b.notify = make(chan struct{})
	return nil
}

// Subscribe 创建订阅者，只接收订阅之后发布的消息
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	return &Subscriber{bus: b, next: b.tail}
}

// Close 关闭总线，订阅者读完剩余消息后收到 ErrClosed
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// Published 已发布消息总数
func (b *Bus) Published() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tail
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Subscriber 订阅者游标，只能由一个 goroutine 使用
type Subscriber struct {
	bus  *Bus
	next uint64
}

// TryRecv 非阻塞读取
// 返回 (msg, true, nil) 表示读到消息；(nil, false, nil) 表示暂无消息
func (s *Subscriber) TryRecv() (Message, bool, error) {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.next < b.tail {
		if b.tail-s.next > b.capacity {
			oldest := b.tail - b.capacity
			missed := oldest - s.next
			s.next = oldest
			return nil, false, &LaggedError{Missed: missed}
		}
		msg := b.buf[s.next%b.capacity]
		s.next++
		return msg, true, nil
	}

	if b.closed {
		return nil, false, ErrClosed
	}
	return nil, false, nil
}

// Ready 返回一个在有消息可读（或总线关闭）时关闭的 channel，
// 供 actor 与定时器一起 select，随后调用 TryRecv
func (s *Subscriber) Ready() <-chan struct{} {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.next < b.tail || b.closed {
		return closedChan
	}
	return b.notify
}

// Recv 阻塞读取，直到有消息、总线关闭或 ctx 取消
func (s *Subscriber) Recv(ctx context.Context) (Message, error) {
	for {
		msg, ok, err := s.TryRecv()
		if err != nil {
			return nil, err
		}
		if ok {
			return msg, nil
		}

		select {
		case <-s.Ready():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
