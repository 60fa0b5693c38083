package ble

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Advertisement 扫描到的设备
type Advertisement struct {
	Address string
	Name    string
	RSSI    int16
	// handle 底层库的地址对象，由对应的 Connector 使用
	handle interface{}
}

// Scanner 底层扫描实现
type Scanner interface {
	// Scan 扫描直到 onResult 返回 true、ctx 取消或出错
	Scan(ctx context.Context, onResult func(Advertisement) bool) error
}

// Target 要连接的设备，按地址或名称匹配（不区分大小写）
type Target struct {
	Address string
	Name    string
}

// Matches 是否匹配
func (t Target) Matches(adv Advertisement) bool {
	if t.Address != "" {
		return strings.EqualFold(t.Address, adv.Address)
	}
	if t.Name != "" {
		return strings.EqualFold(strings.TrimSpace(t.Name), strings.TrimSpace(adv.Name))
	}
	return false
}

// Discovery 设备发现
// 监视器推流期间暂停扫描；收到重启信号后清除已发现的设备并重新扫描
type Discovery struct {
	scanner   Scanner
	target    Target
	paused    *atomic.Bool
	restartCh chan struct{}
	retry     time.Duration
	logger    *zap.Logger

	mu    sync.Mutex
	found *Advertisement
	ready chan struct{}
}

// NewDiscovery 创建设备发现
func NewDiscovery(scanner Scanner, target Target, paused *atomic.Bool, logger *zap.Logger) *Discovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	if paused == nil {
		paused = &atomic.Bool{}
	}
	return &Discovery{
		scanner:   scanner,
		target:    target,
		paused:    paused,
		restartCh: make(chan struct{}, 1),
		retry:     time.Second,
		logger:    logger,
		ready:     make(chan struct{}),
	}
}

// Restart 监视器用于请求重新扫描
func (d *Discovery) Restart() chan<- struct{} {
	return d.restartCh
}

// Paused 共享的暂停标志
func (d *Discovery) Paused() *atomic.Bool {
	return d.paused
}

// Run 扫描循环
func (d *Discovery) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if !d.paused.Load() && !d.hasTarget() {
			adv, ok := d.scanOnce(ctx)
			if ok {
				d.setFound(adv)
			}
		}

		wait := time.NewTimer(d.retry)
		select {
		case <-ctx.Done():
			wait.Stop()
			return nil
		case <-d.restartCh:
			wait.Stop()
			d.logger.Info("Restarting BLE scan")
			d.clearFound()
		case <-wait.C:
		}
	}
}

func (d *Discovery) scanOnce(ctx context.Context) (Advertisement, bool) {
	var match Advertisement
	matched := false

	d.logger.Debug("Scanning for heart rate monitor",
		zap.String("address", d.target.Address),
		zap.String("name", d.target.Name))

	err := d.scanner.Scan(ctx, func(adv Advertisement) bool {
		if d.paused.Load() {
			return true
		}
		if d.target.Matches(adv) {
			match = adv
			matched = true
			return true
		}
		return false
	})
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("BLE scan failed", zap.Error(err))
	}
	return match, matched
}

func (d *Discovery) hasTarget() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.found != nil
}

func (d *Discovery) setFound(adv Advertisement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.found = &adv
	close(d.ready)
	d.logger.Info("Found heart rate monitor",
		zap.String("address", adv.Address),
		zap.String("name", adv.Name),
		zap.Int16("rssi", adv.RSSI))
}

func (d *Discovery) clearFound() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.found == nil {
		return
	}
	d.found = nil
	d.ready = make(chan struct{})
}

// Wait 等待扫描到目标设备
func (d *Discovery) Wait(ctx context.Context) (Advertisement, error) {
	for {
		d.mu.Lock()
		found, ready := d.found, d.ready
		d.mu.Unlock()

		if found != nil {
			return *found, nil
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return Advertisement{}, ctx.Err()
		}
	}
}
