// Package consumer 总线订阅端：Redis、MQTT、PostgreSQL 与 Prometheus 输出
package consumer

import (
	"context"
	"fmt"
	"time"

	"owl-heartrate/internal/bus"
	"owl-heartrate/internal/config"
	"owl-heartrate/internal/models"

	rediscommon "owl-heartrate/common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisStreamSink 将心率记录写入 Redis Stream，并缓存最新一条
type RedisStreamSink struct {
	config      config.RedisSinkConfig
	redisClient *redis.Client
	logger      *zap.Logger

	lastRRMs *int64
}

// NewRedisStreamSink 创建 Redis 输出
func NewRedisStreamSink(cfg config.RedisSinkConfig, redisClient *redis.Client, logger *zap.Logger) *RedisStreamSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStreamSink{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// Run 订阅总线直到关闭或取消
func (s *RedisStreamSink) Run(ctx context.Context, sub *bus.Subscriber) {
	bus.Consume(ctx, sub, s.logger, s)
}

// Handle 只记录有效读数，bpm=0 不写入
func (s *RedisStreamSink) Handle(ctx context.Context, msg bus.Message) {
	update, ok := msg.(bus.HeartRateUpdate)
	if !ok || update.Status.BPM == 0 {
		return
	}
	if err := s.Write(ctx, update.Status); err != nil {
		s.logger.Error("Failed to write heart rate to redis", zap.Error(err))
	}
}

// Write 写入一条记录
// 本条没有 RR 时沿用上一次已知的 RR
func (s *RedisStreamSink) Write(ctx context.Context, status models.HeartRateStatus) error {
	snap := status.Snapshot()
	if snap.LatestRRMs != nil {
		rr := *snap.LatestRRMs
		s.lastRRMs = &rr
	} else if s.lastRRMs != nil {
		rr := *s.lastRRMs
		snap.LatestRRMs = &rr
	}
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = time.Now()
	}

	id, err := rediscommon.PublishJSONToStream(ctx, s.redisClient, s.config.Stream, snap,
		rediscommon.StreamOptions{MaxLen: s.config.MaxLen})
	if err != nil {
		return fmt.Errorf("failed to publish to stream: %w", err)
	}

	if s.config.LatestKey != "" {
		if err := rediscommon.SetJSON(ctx, s.redisClient, s.config.LatestKey, snap, s.config.LatestTTL); err != nil {
			return fmt.Errorf("failed to set latest: %w", err)
		}
	}

	s.logger.Debug("Wrote heart rate to redis",
		zap.String("stream", s.config.Stream),
		zap.String("id", id),
		zap.Uint16("bpm", snap.BPM),
	)
	return nil
}
