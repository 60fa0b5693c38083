// Package dummy 模拟心率数据源，用于演示和无硬件测试
package dummy

import (
	"context"
	"time"

	"owl-heartrate/internal/bus"
	"owl-heartrate/internal/models"
	"owl-heartrate/internal/twitch"

	"go.uber.org/zap"
)

const actorName = "dummy"

// Publisher 总线发布端
type Publisher interface {
	Publish(msg bus.Message) error
}

// Config 模拟参数
type Config struct {
	LowBPM          uint16
	HighBPM         uint16
	BPMSpeed        float64 // 每秒变化的 bpm
	LoopsBeforeDC   uint16  // 每 N 次换向模拟一次断开，0 表示不模拟
	TwitchThreshold time.Duration
}

// Generator 三角波心率发生器
type Generator struct {
	cfg       Config
	publisher Publisher
	logger    *zap.Logger

	bpm      uint16
	rising   bool
	loops    uint16
	twitcher *twitch.Twitcher
}

// NewGenerator 创建发生器
func NewGenerator(cfg Config, publisher Publisher, logger *zap.Logger) *Generator {
	if cfg.BPMSpeed <= 0 {
		cfg.BPMSpeed = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	start := cfg.LowBPM
	if start > 0 {
		start--
	}
	return &Generator{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		bpm:       start,
		rising:    true,
		twitcher:  twitch.NewTwitcher(cfg.TwitchThreshold),
	}
}

// Interval 每次步进的间隔
func (g *Generator) Interval() time.Duration {
	return time.Duration(float64(time.Second) / g.cfg.BPMSpeed)
}

// Step 前进一步，返回要发布的消息
func (g *Generator) Step() bus.Message {
	bound := g.cfg.HighBPM
	if g.rising {
		g.bpm++
	} else {
		g.bpm--
		bound = g.cfg.LowBPM
	}

	if g.bpm == bound {
		g.rising = !g.rising
		g.loops++
		if g.cfg.LoopsBeforeDC != 0 && g.loops >= g.cfg.LoopsBeforeDC {
			g.loops = 0
			return bus.ErrorUpdate{Err: models.Intermittent(actorName, "Simulating lost connection", nil)}
		}
	}

	rr := []time.Duration{models.RRFromBPM(g.bpm)}
	up, down := g.twitcher.Handle(g.bpm, rr)
	return bus.HeartRateUpdate{Status: models.HeartRateStatus{
		BPM:         g.bpm,
		RRIntervals: rr,
		Battery:     models.BatteryLevelOf(100),
		TwitchUp:    up,
		TwitchDown:  down,
		ObservedAt:  time.Now(),
	}}
}

// Run 按间隔发布，直到 ctx 取消
func (g *Generator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.Interval())
	defer ticker.Stop()

	g.logger.Info("Dummy heart rate source started",
		zap.Uint16("low_bpm", g.cfg.LowBPM),
		zap.Uint16("high_bpm", g.cfg.HighBPM),
		zap.Duration("interval", g.Interval()))

	for {
		select {
		case <-ticker.C:
			msg := g.Step()
			if e, ok := msg.(bus.ErrorUpdate); ok {
				g.logger.Warn("Simulating lost connection", zap.String("message", e.Err.Message))
			}
			if err := g.publisher.Publish(msg); err != nil {
				g.logger.Debug("Dropped message, bus unavailable", zap.Error(err))
			}
		case <-ctx.Done():
			g.logger.Info("Shutting down dummy source")
			return nil
		}
	}
}
