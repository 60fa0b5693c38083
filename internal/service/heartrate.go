// Package service 组装总线、数据源、OSC 发送端与各输出
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"owl-heartrate/common/database"
	logpkg "owl-heartrate/common/logger"
	mqttcommon "owl-heartrate/common/mqtt"
	rediscommon "owl-heartrate/common/redis"
	"owl-heartrate/internal/bus"
	"owl-heartrate/internal/config"
	"owl-heartrate/internal/consumer"
	"owl-heartrate/internal/osc"
	"owl-heartrate/internal/repository"
	"owl-heartrate/internal/source/ble"
	"owl-heartrate/internal/source/dummy"
	"owl-heartrate/internal/source/websocket"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// ErrNotStarted 服务尚未启动
var ErrNotStarted = errors.New("service not started")

// actor 一个独立运行的任务
type actor struct {
	name string
	run  func(ctx context.Context) error
	done chan struct{}
}

// HeartRateService 心率服务
//
// 停止分两个阶段：先停数据源（以及 HTTP 服务），再关闭总线，
// 订阅端处理完剩余消息后退出
type HeartRateService struct {
	config *config.Config
	logger *zap.Logger
	bus    *bus.Bus

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client

	producers []*actor
	consumers []*actor

	mu             sync.Mutex
	started        bool
	stopped        bool
	producerCancel context.CancelFunc
	consumerCancel context.CancelFunc
}

// NewHeartRateService 创建心率服务
// 启用的输出在这里建立连接，连接失败直接返回错误
func NewHeartRateService(cfg *config.Config, logger *zap.Logger) (*HeartRateService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &HeartRateService{
		config: cfg,
		logger: logger,
		bus:    bus.New(cfg.Bus.Capacity),
	}

	// 所有订阅在发布开始前建立
	s.addConsumer("errors", s.watchErrors(s.bus.Subscribe()))

	oscSub := s.bus.Subscribe()
	oscLogger := logpkg.ForActor(logger, "osc")
	s.addConsumer("osc", func(ctx context.Context) error {
		return osc.Run(ctx, cfg.OSC, oscSub, s.bus, oscLogger)
	})

	if err := s.buildSinks(); err != nil {
		s.closeResources()
		return nil, err
	}

	if err := s.buildSource(); err != nil {
		s.closeResources()
		return nil, err
	}

	return s, nil
}

func (s *HeartRateService) addProducer(name string, run func(ctx context.Context) error) {
	s.producers = append(s.producers, &actor{name: name, run: run, done: make(chan struct{})})
}

func (s *HeartRateService) addConsumer(name string, run func(ctx context.Context) error) {
	s.consumers = append(s.consumers, &actor{name: name, run: run, done: make(chan struct{})})
}

// buildSource 创建当前启用的数据源
func (s *HeartRateService) buildSource() error {
	cfg := s.config
	threshold := cfg.Twitch.Threshold

	switch cfg.Source {
	case config.SourceBLE:
		scanner, err := ble.NewTinyGoScanner(bluetooth.DefaultAdapter)
		if err != nil {
			return fmt.Errorf("failed to set up BLE: %w", err)
		}
		discovery := ble.NewDiscovery(scanner, ble.Target{
			Address: cfg.BLE.DeviceAddress,
			Name:    cfg.BLE.DeviceName,
		}, nil, logpkg.ForActor(s.logger, "ble-discovery"))

		monitor := ble.NewMonitor(
			ble.NewTinyGoConnector(scanner, discovery),
			s.bus,
			discovery.Restart(),
			discovery.Paused(),
			ble.MonitorConfig{
				RRIgnoreAfterEmpty:   cfg.BLE.RRIgnoreAfterEmpty,
				TwitchThreshold:      threshold,
				ConnectTimeout:       cfg.BLE.ConnectTimeout,
				NoDataTimeout:        cfg.BLE.NoDataTimeout,
				BatteryPoll:          cfg.BLE.BatteryPoll,
				ReconnectBackoff:     cfg.BLE.ReconnectBackoff,
				UnreachableBackoff:   cfg.BLE.UnreachableBackoff,
				MaxDiscoveryFailures: cfg.BLE.MaxDiscoveryFailures,
			},
			logpkg.ForActor(s.logger, "ble"),
		)
		s.addProducer("ble-discovery", discovery.Run)
		s.addProducer("ble", monitor.Run)

	case config.SourceWebSocket:
		server := websocket.NewServer(websocket.Config{
			Host:            cfg.WebSocket.Host,
			Port:            cfg.WebSocket.Port,
			NoDataTimeout:   cfg.WebSocket.NoDataTimeout,
			TwitchThreshold: threshold,
		}, s.bus, logpkg.ForActor(s.logger, "websocket"))
		s.addProducer("websocket", server.Run)

	case config.SourceDummy:
		generator := dummy.NewGenerator(dummy.Config{
			LowBPM:          cfg.Dummy.LowBPM,
			HighBPM:         cfg.Dummy.HighBPM,
			BPMSpeed:        cfg.Dummy.BPMSpeed,
			LoopsBeforeDC:   cfg.Dummy.LoopsBeforeDC,
			TwitchThreshold: threshold,
		}, s.bus, logpkg.ForActor(s.logger, "dummy"))
		s.addProducer("dummy", generator.Run)

	default:
		return fmt.Errorf("unknown heart rate source %q", cfg.Source)
	}
	return nil
}

// buildSinks 创建启用的输出
func (s *HeartRateService) buildSinks() error {
	sinks := s.config.Sinks

	if sinks.Redis.Enabled {
		s.redisClient = rediscommon.NewRedisClient(&sinks.Redis.Conn)
		if err := rediscommon.Ping(context.Background(), s.redisClient); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		sink := consumer.NewRedisStreamSink(sinks.Redis, s.redisClient, logpkg.ForActor(s.logger, "redis-sink"))
		sub := s.bus.Subscribe()
		s.addConsumer("redis-sink", func(ctx context.Context) error {
			sink.Run(ctx, sub)
			return nil
		})
	}

	if sinks.MQTT.Enabled {
		client, err := mqttcommon.NewClient(&sinks.MQTT.Conn, logpkg.ForActor(s.logger, "mqtt"))
		if err != nil {
			return fmt.Errorf("failed to connect to mqtt: %w", err)
		}
		s.mqttClient = client
		relay := consumer.NewMQTTRelay(client, sinks.MQTT.TopicPrefix, sinks.MQTT.Conn.QoS, logpkg.ForActor(s.logger, "mqtt-relay"))
		sub := s.bus.Subscribe()
		s.addConsumer("mqtt-relay", func(ctx context.Context) error {
			relay.Run(ctx, sub)
			return nil
		})
	}

	if sinks.Recorder.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db, err := database.NewPostgresDB(ctx, &sinks.Recorder.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db

		repo := repository.NewSampleRepository(db, logpkg.ForActor(s.logger, "repository"))
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		recorder := consumer.NewSessionRecorder(repo, s.config.Source, s.config.InitialActivity, logpkg.ForActor(s.logger, "recorder"))
		sub := s.bus.Subscribe()
		s.addConsumer("recorder", func(ctx context.Context) error {
			recorder.Run(ctx, sub)
			return nil
		})
	}

	if sinks.Metrics.Enabled {
		metrics := consumer.NewMetricsSink(logpkg.ForActor(s.logger, "metrics"))
		sub := s.bus.Subscribe()
		s.addConsumer("metrics", func(ctx context.Context) error {
			metrics.Run(ctx, sub)
			return nil
		})
		s.addProducer("metrics-server", func(ctx context.Context) error {
			return metrics.Serve(ctx, sinks.Metrics.ListenAddr)
		})
	}

	return nil
}

// Subscribe 额外的总线订阅，需在 Start 之前调用
func (s *HeartRateService) Subscribe() *bus.Subscriber {
	return s.bus.Subscribe()
}

// Start 启动所有 actor，不阻塞
func (s *HeartRateService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("service already started")
	}
	s.started = true

	s.logger.Info("Starting heart rate service",
		zap.String("source", s.config.Source),
		zap.Int("producers", len(s.producers)),
		zap.Int("consumers", len(s.consumers)),
	)

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	producerCtx, producerCancel := context.WithCancel(ctx)
	s.consumerCancel = consumerCancel
	s.producerCancel = producerCancel

	for _, a := range s.consumers {
		s.launch(consumerCtx, a)
	}

	if err := s.bus.Publish(bus.ActivitySelected{Index: s.config.InitialActivity}); err != nil {
		s.logger.Warn("Failed to publish initial activity", zap.Error(err))
	}

	for _, a := range s.producers {
		s.launch(producerCtx, a)
	}

	s.logger.Info("Heart rate service started successfully")
	return nil
}

func (s *HeartRateService) launch(ctx context.Context, a *actor) {
	go func() {
		defer close(a.done)
		if err := a.run(ctx); err != nil {
			// Fatal 只结束该 actor，不影响其他 actor
			s.logger.Error("Actor exited with error", zap.String("actor", a.name), zap.Error(err))
			return
		}
		s.logger.Debug("Actor exited", zap.String("actor", a.name))
	}()
}

// SelectActivity 发布活动切换
func (s *HeartRateService) SelectActivity(index uint8) error {
	if err := s.bus.Publish(bus.ActivitySelected{Index: index}); err != nil {
		return fmt.Errorf("failed to publish activity: %w", err)
	}
	return nil
}

// Stop 停止服务
// 每个 actor 最多等待 JoinTimeout，超时只记录日志
func (s *HeartRateService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.Info("Stopping heart rate service")

	s.producerCancel()
	s.join(ctx, s.producers)

	// 订阅端处理完剩余消息后收到 ErrClosed 退出
	s.bus.Close()
	s.join(ctx, s.consumers)
	s.consumerCancel()

	s.closeResources()

	s.logger.Info("Heart rate service stopped", zap.Uint64("published", s.bus.Published()))
	return nil
}

func (s *HeartRateService) join(ctx context.Context, actors []*actor) {
	timeout := s.config.JoinTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	for _, a := range actors {
		timer := time.NewTimer(timeout)
		select {
		case <-a.done:
		case <-timer.C:
			s.logger.Error("Actor did not stop in time", zap.String("actor", a.name), zap.Duration("timeout", timeout))
		case <-ctx.Done():
			s.logger.Error("Stop cancelled while waiting for actor", zap.String("actor", a.name))
		}
		timer.Stop()
	}
}

func (s *HeartRateService) closeResources() {
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Error("Error closing Redis client", zap.Error(err))
		}
	}

	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Error closing database connection", zap.Error(err))
		}
	}
}
