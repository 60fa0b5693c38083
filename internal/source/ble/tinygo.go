package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"owl-heartrate/internal/models"

	"tinygo.org/x/bluetooth"
)

// TinyGoScanner 基于 tinygo bluetooth 的扫描器
type TinyGoScanner struct {
	adapter *bluetooth.Adapter
}

// NewTinyGoScanner 启用适配器
func NewTinyGoScanner(adapter *bluetooth.Adapter) (*TinyGoScanner, error) {
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable BLE adapter: %w", err)
	}
	return &TinyGoScanner{adapter: adapter}, nil
}

// Scan 实现 Scanner
func (s *TinyGoScanner) Scan(ctx context.Context, onResult func(Advertisement) bool) error {
	done := make(chan error, 1)
	go func() {
		done <- s.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			adv := Advertisement{
				Address: result.Address.String(),
				Name:    result.LocalName(),
				RSSI:    result.RSSI,
				handle:  result.Address,
			}
			if onResult(adv) {
				_ = a.StopScan()
			}
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = s.adapter.StopScan()
		<-done
		return ctx.Err()
	}
}

// TinyGoConnector 连接 Discovery 找到的设备
type TinyGoConnector struct {
	adapter   *bluetooth.Adapter
	discovery *Discovery
}

// NewTinyGoConnector 创建连接器
func NewTinyGoConnector(scanner *TinyGoScanner, discovery *Discovery) *TinyGoConnector {
	return &TinyGoConnector{adapter: scanner.adapter, discovery: discovery}
}

// Connect 实现 Connector
func (c *TinyGoConnector) Connect(ctx context.Context) (Session, error) {
	adv, err := c.discovery.Wait(ctx)
	if err != nil {
		return nil, err
	}
	addr, ok := adv.handle.(bluetooth.Address)
	if !ok {
		return nil, fmt.Errorf("unexpected address handle for %s", adv.Address)
	}

	dev, err := c.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, classifyConnectError(err)
	}

	return &tinyGoSession{
		discoverServices: dev.DiscoverServices,
		disconnect:       dev.Disconnect,
	}, nil
}

// classifyConnectError 将底层 "设备不可达" 类错误映射为 ErrDeviceUnreachable
func classifyConnectError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, keyword := range []string{"not available", "notconnected", "unreachable", "le-connection-abort", "no such device"} {
		if strings.Contains(msg, keyword) {
			return fmt.Errorf("%w: %v", models.ErrDeviceUnreachable, err)
		}
	}
	return err
}

type tinyGoSession struct {
	discoverServices func([]bluetooth.UUID) ([]bluetooth.DeviceService, error)
	disconnect       func() error
}

func (s *tinyGoSession) Discover(_ context.Context) (Services, error) {
	services, err := s.discoverServices(nil)
	if err != nil {
		return Services{}, fmt.Errorf("failed to discover services: %w", err)
	}

	var out Services
	for _, svc := range services {
		switch svc.UUID() {
		case bluetooth.ServiceUUIDHeartRate:
			chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{bluetooth.CharacteristicUUIDHeartRateMeasurement})
			if err != nil || len(chars) == 0 {
				continue
			}
			out.HeartRate = &tinyGoNotifier{char: chars[0]}
		case bluetooth.ServiceUUIDBattery:
			chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{bluetooth.CharacteristicUUIDBatteryLevel})
			if err != nil || len(chars) == 0 {
				continue
			}
			out.Battery = &tinyGoBattery{char: chars[0]}
		}
	}

	if out.HeartRate == nil {
		return Services{}, models.ErrMissingHeartRateCharacteristic
	}
	return out, nil
}

func (s *tinyGoSession) Disconnect() error {
	return s.disconnect()
}

type tinyGoNotifier struct {
	char bluetooth.DeviceCharacteristic
}

func (n *tinyGoNotifier) EnableNotifications(handler func(payload []byte)) error {
	return n.char.EnableNotifications(handler)
}

type tinyGoBattery struct {
	char bluetooth.DeviceCharacteristic
}

func (b *tinyGoBattery) ReadBattery() (uint8, error) {
	buf := make([]byte, 1)
	n, err := b.char.Read(buf)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, errors.New("empty battery level")
	}
	return buf[0], nil
}
