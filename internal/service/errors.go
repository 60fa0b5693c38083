package service

import (
	"context"

	"owl-heartrate/internal/bus"
	"owl-heartrate/internal/models"

	"go.uber.org/zap"
)

// watchErrors 按严重级别记录总线上的错误
// 无界面运行时 UserMustDismiss 以日志形式确认
func (s *HeartRateService) watchErrors(sub *bus.Subscriber) func(ctx context.Context) error {
	logger := s.logger.With(zap.String("actor", "errors"))
	return func(ctx context.Context) error {
		bus.Consume(ctx, sub, logger, bus.HandlerFunc(func(_ context.Context, msg bus.Message) {
			switch m := msg.(type) {
			case bus.ErrorUpdate:
				logClassified(logger, m.Err)
			case bus.SourceReady:
				logger.Info("Heart rate source ready", zap.String("addr", m.Addr))
			}
		}))
		return nil
	}
}

func logClassified(logger *zap.Logger, e *models.ClassifiedError) {
	if e == nil {
		return
	}
	fields := []zap.Field{
		zap.String("source", e.Source),
		zap.String("severity", e.Severity.String()),
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}

	switch e.Severity {
	case models.SeverityFatal:
		logger.Error(e.Message, fields...)
	case models.SeverityUserMustDismiss:
		logger.Error(e.Message, append(fields, zap.Bool("acknowledged", true))...)
	default:
		logger.Warn(e.Message, fields...)
	}
}
