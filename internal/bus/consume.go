package bus

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Handler 订阅者回调
type Handler interface {
	Handle(ctx context.Context, msg Message)
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, msg Message)

// Handle 实现 Handler
func (f HandlerFunc) Handle(ctx context.Context, msg Message) { f(ctx, msg) }

// LagObserver 可选接口，订阅者落后时回调
type LagObserver interface {
	OnLag(missed uint64)
}

// Consume 订阅循环：落后时记录警告并继续，总线关闭或 ctx 取消时返回
func Consume(ctx context.Context, sub *Subscriber, logger *zap.Logger, h Handler) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for {
		msg, err := sub.Recv(ctx)
		if err != nil {
			var lagged *LaggedError
			switch {
			case errors.As(err, &lagged):
				logger.Warn("Subscriber lagged", zap.Uint64("missed", lagged.Missed))
				if obs, ok := h.(LagObserver); ok {
					obs.OnLag(lagged.Missed)
				}
				continue
			case errors.Is(err, ErrClosed):
				logger.Info("Bus closed, subscriber exiting")
				return
			default:
				return
			}
		}
		h.Handle(ctx, msg)
	}
}
