// Package osc 将心率记录编码为 OSC bundle 通过 UDP 发送
package osc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"time"

	"owl-heartrate/internal/bus"
	"owl-heartrate/internal/config"
	"owl-heartrate/internal/models"

	"github.com/hypebeast/go-osc/osc"
	"go.uber.org/zap"
)

const actorName = "osc"

// Publisher 总线发布端
type Publisher interface {
	Publish(msg bus.Message) error
}

// Actor OSC 发送 actor，状态只由 Run 所在 goroutine 访问
type Actor struct {
	cfg       config.OSCConfig
	addrs     *AddressTable
	conn      *net.UDPConn
	target    *net.UDPAddr
	publisher Publisher
	logger    *zap.Logger

	status         models.HeartRateStatus
	delayConnected bool // 首个有效读数之后才发送 connected=true
	useRealRR      bool
	latestRR       time.Duration
	pulse          *pulser
	disconnectedAt *time.Time
	sendFailing    bool

	now func() time.Time
	rnd *rand.Rand
}

// NewActor 构建地址表并绑定 UDP socket
// 地址配置非法属于配置错误，调用方应按 Fatal 处理
func NewActor(cfg config.OSCConfig, publisher Publisher, logger *zap.Logger) (*Actor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MimicInterval <= 0 {
		cfg.MimicInterval = 6 * time.Second
	}

	addrs, err := BuildAddressTable(cfg.AddressPrefix, cfg.Params)
	if err != nil {
		return nil, err
	}

	target, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.TargetIP, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve OSC target: %w", err)
	}

	host, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.HostIP, "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve OSC host address: %w", err)
	}

	conn, err := net.ListenUDP("udp", host)
	if err != nil {
		return nil, fmt.Errorf("failed to bind OSC socket: %w", err)
	}

	return &Actor{
		cfg:            cfg,
		addrs:          addrs,
		conn:           conn,
		target:         target,
		publisher:      publisher,
		logger:         logger,
		delayConnected: true,
		latestRR:       time.Second,
		pulse:          newPulser(cfg.PulseLength),
		now:            time.Now,
		rnd:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Run 启动 OSC actor；构建失败时发布 Fatal 并返回错误
func Run(ctx context.Context, cfg config.OSCConfig, sub *bus.Subscriber, publisher Publisher, logger *zap.Logger) error {
	a, err := NewActor(cfg, publisher, logger)
	if err != nil {
		if logger != nil {
			logger.Error("Failed to set up OSC", zap.Error(err))
		}
		if publisher != nil {
			_ = publisher.Publish(bus.ErrorUpdate{Err: models.Fatal(actorName, "Failed to set up OSC", err)})
		}
		return err
	}
	return a.Run(ctx, sub)
}

// Run 主循环：总线消息、心跳定时器、模拟定时器、取消
func (a *Actor) Run(ctx context.Context, sub *bus.Subscriber) error {
	defer a.conn.Close()

	a.logger.Info("OSC sender started",
		zap.String("target", a.target.String()),
		zap.String("bpm_address", a.addrs.BPMInt))

	a.initParams()

	heartbeat := time.NewTimer(time.Second)
	defer heartbeat.Stop()
	mimic := time.NewTicker(a.cfg.MimicInterval)
	defer mimic.Stop()

	for {
		select {
		case <-sub.Ready():
			msg, ok, err := sub.TryRecv()
			if err != nil {
				var lagged *bus.LaggedError
				if errors.As(err, &lagged) {
					a.logger.Warn("OSC lagged", zap.Uint64("missed", lagged.Missed))
					continue
				}
				a.logger.Error("OSC channel closed")
				a.reset()
				return nil
			}
			if !ok {
				continue
			}
			if update, isStatus := msg.(bus.HeartRateUpdate); isStatus {
				a.handleData(update.Status)
			}

		case <-heartbeat.C:
			heartbeat.Reset(a.heartBeat())

		case <-mimic.C:
			a.mimicTick()

		case <-ctx.Done():
			a.logger.Info("Shutting down OSC sender")
			a.reset()
			return nil
		}
	}
}

// initParams 发送归零快照并重新启用 connected 延迟
// 用于启动、断开和关闭
func (a *Actor) initParams() {
	a.delayConnected = true
	a.pulse.reset()
	a.send(statusBundle(a.addrs, models.HeartRateStatus{}, false, true, a.cfg.OnlyPositiveFloatBPM))
	a.send(beatBundle(a.addrs, false, false))
}

func (a *Actor) reset() {
	a.status = models.HeartRateStatus{}
	a.disconnectedAt = nil
	a.initParams()
}

func (a *Actor) handleData(data models.HeartRateStatus) {
	switch {
	case data.BPM > 0:
		a.status = data
		a.disconnectedAt = nil
		if rr, ok := data.LatestRR(); ok {
			a.latestRR = rr
			a.useRealRR = true
		} else if !a.useRealRR {
			a.latestRR = models.RRFromBPM(data.BPM)
		}

	case a.cfg.HideDisconnections:
		// bpm=0 可能是断开，也可能是设备初始化，两者一样处理
		if a.disconnectedAt == nil {
			t := a.now()
			a.disconnectedAt = &t
		}

	default:
		a.status = data
		a.initParams()
		return
	}

	a.send(statusBundle(a.addrs, a.status, a.hiding(), a.delayConnected, a.cfg.OnlyPositiveFloatBPM))

	// 发送之后再清除
	if a.delayConnected && a.status.BPM > 0 {
		a.delayConnected = false
	}
}

// hiding 是否正在用旧数据掩盖断开
func (a *Actor) hiding() bool {
	if a.disconnectedAt == nil {
		return false
	}
	return a.now().Sub(*a.disconnectedAt) < a.cfg.MaxHideDisconnection && a.status.BPM > 0
}

// heartBeat 心跳定时器触发，返回下一次间隔
func (a *Actor) heartBeat() time.Duration {
	if a.status.BPM == 0 || a.delayConnected {
		if a.latestRR <= 0 {
			return time.Second
		}
		return a.latestRR
	}
	pulse, toggle, next := a.pulse.fire(a.latestRR)
	a.send(beatBundle(a.addrs, pulse, toggle))
	return next
}

func (a *Actor) mimicTick() {
	if a.disconnectedAt == nil {
		return
	}
	if a.hiding() {
		a.send(statusBundle(a.addrs, a.mimicData(), true, a.delayConnected, a.cfg.OnlyPositiveFloatBPM))
		return
	}
	a.logger.Info("Hidden disconnection expired, sending zeroed parameters")
	a.reset()
}

// mimicData 在最后一次有效数据附近抖动
func (a *Actor) mimicData() models.HeartRateStatus {
	jitter := a.rnd.Intn(6) - 3 // [-3, 2]
	bpm := int(a.status.BPM) + jitter
	if bpm < 0 {
		bpm = 0
	}
	if bpm > 0xFFFF {
		bpm = 0xFFFF
	}
	return models.HeartRateStatus{
		BPM:        uint16(bpm),
		Battery:    a.status.Battery,
		TwitchUp:   a.rnd.Intn(5) == 0,
		TwitchDown: a.rnd.Intn(5) == 0,
		ObservedAt: a.now(),
	}
}

func (a *Actor) send(b *osc.Bundle) {
	data, err := b.MarshalBinary()
	if err == nil {
		_, err = a.conn.WriteToUDP(data, a.target)
	}
	if err != nil {
		a.logger.Warn("Failed to send OSC bundle", zap.Error(err))
		if !a.sendFailing && a.publisher != nil {
			_ = a.publisher.Publish(bus.ErrorUpdate{Err: models.Intermittent(actorName, "Failed to send OSC data", err)})
		}
		a.sendFailing = true
		return
	}
	a.sendFailing = false
}
