package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	logpkg "owl-heartrate/common/logger"
	"owl-heartrate/internal/config"
	"owl-heartrate/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	logger, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, "owl-heartrate")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting owl-heartrate service",
		zap.String("version", "1.0.0"),
		zap.String("source", cfg.Source),
		zap.String("osc_target", cfg.OSC.TargetIP),
		zap.Int("osc_port", cfg.OSC.Port),
		zap.Bool("hide_disconnections", cfg.OSC.HideDisconnections),
	)

	// 创建服务
	hrService, err := service.NewHeartRateService(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create heart rate service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := hrService.Start(ctx); err != nil {
		logger.Fatal("Failed to start heart rate service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭：Stop 内部按 actor 限时等待
	if err := hrService.Stop(context.Background()); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	cancel()

	logger.Info("Service stopped")
}
