// Package ble 蓝牙心率带数据源
package ble

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"owl-heartrate/internal/bus"
	"owl-heartrate/internal/models"
	"owl-heartrate/internal/twitch"

	"go.uber.org/zap"
)

const actorName = "ble"

// Connector 建立到心率带的连接
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// Session 一次 BLE 连接
type Session interface {
	// Discover 查找心率测量特征（必需）和电量特征（可选）
	// 缺少心率测量特征时返回 models.ErrMissingHeartRateCharacteristic
	Discover(ctx context.Context) (Services, error)
	Disconnect() error
}

// Services 已发现的特征
type Services struct {
	HeartRate Notifier
	Battery   BatteryReader // 可能为 nil
}

// Notifier 心率测量通知
type Notifier interface {
	EnableNotifications(handler func(payload []byte)) error
}

// BatteryReader 读取电量
type BatteryReader interface {
	ReadBattery() (uint8, error)
}

// Publisher 总线发布端
type Publisher interface {
	Publish(msg bus.Message) error
}

// State 监视器状态
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateServiceDiscovery
	StateSubscribing
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateServiceDiscovery:
		return "service_discovery"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	default:
		return "idle"
	}
}

// MonitorConfig 监视器参数
type MonitorConfig struct {
	RRIgnoreAfterEmpty   int
	TwitchThreshold      time.Duration
	ConnectTimeout       time.Duration
	NoDataTimeout        time.Duration
	BatteryPoll          time.Duration
	ReconnectBackoff     time.Duration
	UnreachableBackoff   time.Duration
	MaxDiscoveryFailures int
}

func (c *MonitorConfig) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.NoDataTimeout <= 0 {
		c.NoDataTimeout = 30 * time.Second
	}
	if c.BatteryPoll <= 0 {
		c.BatteryPoll = 5 * time.Minute
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = time.Second
	}
	if c.UnreachableBackoff <= 0 {
		c.UnreachableBackoff = 3 * time.Second
	}
	if c.MaxDiscoveryFailures <= 0 {
		c.MaxDiscoveryFailures = 3
	}
}

// frameBuffer 通知缓冲，满时丢帧
const frameBuffer = 16

// Monitor BLE 心率带 actor
type Monitor struct {
	connector Connector
	publisher Publisher
	restart   chan<- struct{}
	paused    *atomic.Bool
	cfg       MonitorConfig
	logger    *zap.Logger

	state atomic.Int32
}

// NewMonitor 创建监视器
// restart: 设备不可达时通知扫描器重启（非阻塞发送，可为 nil）
// paused: 与扫描器共享的暂停标志，推流期间置位（可为 nil）
func NewMonitor(connector Connector, publisher Publisher, restart chan<- struct{}, paused *atomic.Bool, cfg MonitorConfig, logger *zap.Logger) *Monitor {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if paused == nil {
		paused = &atomic.Bool{}
	}
	return &Monitor{
		connector: connector,
		publisher: publisher,
		restart:   restart,
		paused:    paused,
		cfg:       cfg,
		logger:    logger,
	}
}

// State 当前状态
func (m *Monitor) State() State {
	return State(m.state.Load())
}

func (m *Monitor) setState(s State) {
	if State(m.state.Swap(int32(s))) != s {
		m.logger.Debug("BLE monitor state", zap.Stringer("state", s))
	}
}

// Run 连接循环，直到 ctx 取消或出现致命错误
func (m *Monitor) Run(ctx context.Context) error {
	defer m.setState(StateIdle)

	discoveryFailures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		m.setState(StateConnecting)
		m.logger.Info("Connecting to heart rate monitor")

		sess, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.handleConnectError(ctx, err)
			if !m.backoff(ctx) {
				return nil
			}
			continue
		}

		m.setState(StateServiceDiscovery)
		svcs, err := sess.Discover(ctx)
		if err != nil {
			m.disconnect(sess)
			if errors.Is(err, models.ErrMissingHeartRateCharacteristic) {
				discoveryFailures++
				if discoveryFailures >= m.cfg.MaxDiscoveryFailures {
					m.publishError(models.Fatal(actorName, "Heart rate service not found on device", err))
					return err
				}
			}
			m.logger.Error("Service discovery failed", zap.Error(err), zap.Int("attempt", discoveryFailures))
			m.publishError(models.Intermittent(actorName, "Couldn't read services from connected device", err))
			if !m.backoff(ctx) {
				return nil
			}
			continue
		}
		discoveryFailures = 0

		m.setState(StateSubscribing)
		frames := make(chan []byte, frameBuffer)
		err = svcs.HeartRate.EnableNotifications(func(payload []byte) {
			frame := make([]byte, len(payload))
			copy(frame, payload)
			select {
			case frames <- frame:
			default:
			}
		})
		if err != nil {
			m.disconnect(sess)
			m.logger.Error("Failed to subscribe to heart rate notifications", zap.Error(err))
			m.publishError(models.Intermittent(actorName, "Failed to subscribe to heart rate notifications", err))
			if !m.backoff(ctx) {
				return nil
			}
			continue
		}

		m.setState(StateStreaming)
		m.paused.Store(true)
		err = m.stream(ctx, svcs, frames)
		m.paused.Store(false)
		m.disconnect(sess)

		if err == nil {
			// ctx 取消
			return nil
		}

		m.logger.Warn("Heart rate stream ended", zap.Error(err))
		m.publishError(models.Intermittent(actorName, "Connection timed out", err))
		m.publishStatus(models.HeartRateStatus{ObservedAt: time.Now()})
		if !m.backoff(ctx) {
			return nil
		}
	}
}

type connectResult struct {
	sess Session
	err  error
}

// connect 连接与看门狗竞争，超时或取消时晚到的连接在后台断开
func (m *Monitor) connect(ctx context.Context) (Session, error) {
	connCtx, cancel := context.WithCancel(ctx)
	result := make(chan connectResult, 1)
	go func() {
		sess, err := m.connector.Connect(connCtx)
		result <- connectResult{sess: sess, err: err}
	}()

	watchdog := time.NewTimer(m.cfg.ConnectTimeout)
	defer watchdog.Stop()

	select {
	case res := <-result:
		cancel()
		return res.sess, res.err
	case <-ctx.Done():
		cancel()
		go m.discardLate(result)
		return nil, ctx.Err()
	case <-watchdog.C:
		cancel()
		go m.discardLate(result)
		return nil, models.ErrConnectTimeout
	}
}

func (m *Monitor) discardLate(result <-chan connectResult) {
	res := <-result
	if res.err == nil && res.sess != nil {
		m.disconnect(res.sess)
	}
}

func (m *Monitor) handleConnectError(ctx context.Context, err error) {
	m.logger.Error("BLE connection error", zap.Error(err))
	if errors.Is(err, models.ErrConnectTimeout) {
		m.publishError(models.Intermittent(actorName, "Connection timed out", err))
		return
	}
	m.publishError(models.Intermittent(actorName, fmt.Sprintf("BLE connection error: %v", err), err))

	if !errors.Is(err, models.ErrDeviceUnreachable) {
		return
	}

	// 扫描层看不到这个错误，需要主动通知重启扫描
	if m.restart != nil {
		select {
		case m.restart <- struct{}{}:
		default:
		}
	}
	sleepCtx(ctx, m.cfg.UnreachableBackoff)
}

// stream 推流循环：通知帧、电量轮询、无数据超时
// ctx 取消返回 nil，超时返回 ErrNoData
func (m *Monitor) stream(ctx context.Context, svcs Services, frames <-chan []byte) error {
	battery := models.BatteryLevelNotReported()
	readBattery := func() {
		if svcs.Battery == nil {
			return
		}
		level, err := svcs.Battery.ReadBattery()
		if err != nil {
			m.logger.Warn("Failed to refresh battery level, keeping last", zap.Error(err))
			return
		}
		battery = models.BatteryLevelOf(level)
	}
	readBattery()

	var batteryTick <-chan time.Time
	if svcs.Battery != nil {
		ticker := time.NewTicker(m.cfg.BatteryPoll)
		defer ticker.Stop()
		batteryTick = ticker.C
	}

	noData := time.NewTimer(m.cfg.NoDataTimeout)
	defer noData.Stop()

	twitcher := twitch.NewTwitcher(m.cfg.TwitchThreshold)
	burnIn := NewBurnIn(m.cfg.RRIgnoreAfterEmpty)

	for {
		select {
		case frame := <-frames:
			resetTimer(noData, m.cfg.NoDataTimeout)

			meas, err := ParseMeasurement(frame)
			if err != nil {
				m.logger.Warn("Dropping malformed heart rate frame", zap.Error(err))
				continue
			}

			rr := burnIn.Filter(meas.RRIntervals)
			up, down := twitcher.Handle(meas.BPM, rr)
			status := models.HeartRateStatus{
				BPM:         meas.BPM,
				RRIntervals: rr,
				Battery:     battery,
				TwitchUp:    up,
				TwitchDown:  down,
				ObservedAt:  time.Now(),
			}
			m.logger.Debug("Heart rate update", zap.Uint16("bpm", status.BPM), zap.Int("rr_count", len(rr)))
			m.publishStatus(status)

		case <-batteryTick:
			readBattery()

		case <-noData.C:
			m.logger.Error("No heart rate data received", zap.Duration("timeout", m.cfg.NoDataTimeout))
			return models.ErrNoData

		case <-ctx.Done():
			m.logger.Info("Shutting down heart rate notification loop")
			return nil
		}
	}
}

func (m *Monitor) disconnect(sess Session) {
	if err := sess.Disconnect(); err != nil {
		m.logger.Warn("Failed to disconnect", zap.Error(err))
	}
}

func (m *Monitor) backoff(ctx context.Context) bool {
	m.setState(StateIdle)
	return sleepCtx(ctx, m.cfg.ReconnectBackoff)
}

func (m *Monitor) publishStatus(status models.HeartRateStatus) {
	if err := m.publisher.Publish(bus.HeartRateUpdate{Status: status.Clone()}); err != nil {
		m.logger.Debug("Dropped status, bus unavailable", zap.Error(err))
	}
}

func (m *Monitor) publishError(e *models.ClassifiedError) {
	if err := m.publisher.Publish(bus.ErrorUpdate{Err: e}); err != nil {
		m.logger.Debug("Dropped error, bus unavailable", zap.Error(err))
	}
}

// sleepCtx 可取消的等待，ctx 取消时返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
