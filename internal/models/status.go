package models

import (
	"fmt"
	"time"
)

// BatteryState 电量状态
type BatteryState uint8

const (
	BatteryUnknown BatteryState = iota
	BatteryNotReported
	BatteryReported
)

// BatteryLevel 电量（Unknown / NotReported / Level(0-100)）
// 零值为 Unknown
type BatteryLevel struct {
	state BatteryState
	level uint8
}

// BatteryLevelUnknown 尚未读取到电量
func BatteryLevelUnknown() BatteryLevel { return BatteryLevel{state: BatteryUnknown} }

// BatteryLevelNotReported 数据源不提供电量
func BatteryLevelNotReported() BatteryLevel { return BatteryLevel{state: BatteryNotReported} }

// BatteryLevelOf 已知电量，超过 100 按 100 处理
func BatteryLevelOf(level uint8) BatteryLevel {
	if level > 100 {
		level = 100
	}
	return BatteryLevel{state: BatteryReported, level: level}
}

// State 返回电量状态
func (b BatteryLevel) State() BatteryState { return b.state }

// Level 返回电量值，非 Level 状态返回 (0, false)
func (b BatteryLevel) Level() (uint8, bool) {
	if b.state != BatteryReported {
		return 0, false
	}
	return b.level, true
}

// Int 返回电量整数值，非 Level 状态为 0
func (b BatteryLevel) Int() uint8 {
	level, _ := b.Level()
	return level
}

func (b BatteryLevel) String() string {
	switch b.state {
	case BatteryNotReported:
		return "not_reported"
	case BatteryReported:
		return fmt.Sprintf("%d%%", b.level)
	default:
		return "unknown"
	}
}

// HeartRateStatus 标准化心率记录
// BPM 为 0 表示无信号/断开
type HeartRateStatus struct {
	BPM         uint16
	RRIntervals []time.Duration // 最新的在最后
	Battery     BatteryLevel
	// TwitchUp/TwitchDown 由数据源计算，所有订阅者看到同一时刻的跳变
	TwitchUp   bool
	TwitchDown bool
	ObservedAt time.Time
}

// Clone 深拷贝，发布到总线前使用
func (s HeartRateStatus) Clone() HeartRateStatus {
	out := s
	if s.RRIntervals != nil {
		out.RRIntervals = make([]time.Duration, len(s.RRIntervals))
		copy(out.RRIntervals, s.RRIntervals)
	}
	return out
}

// LatestRR 返回最新的 RR 间期
func (s HeartRateStatus) LatestRR() (time.Duration, bool) {
	if len(s.RRIntervals) == 0 {
		return 0, false
	}
	return s.RRIntervals[len(s.RRIntervals)-1], true
}

// Connected BPM 大于 0 即视为已连接
func (s HeartRateStatus) Connected() bool {
	return s.BPM > 0
}

// RRFromBPM 由 BPM 推导 RR 间期（60/bpm 秒）
// 仅在数据源不提供真实 RR 时使用
func RRFromBPM(bpm uint16) time.Duration {
	if bpm == 0 {
		return 0
	}
	return time.Duration(float64(time.Minute) / float64(bpm))
}

// StatusSnapshot 对外输出（JSON）的心率快照
type StatusSnapshot struct {
	BPM          uint16    `json:"bpm"`
	RRIntervalMs []int64   `json:"rr_intervals_ms"`
	LatestRRMs   *int64    `json:"latest_rr_ms,omitempty"`
	Battery      *uint8    `json:"battery,omitempty"`
	BatteryState string    `json:"battery_state"`
	TwitchUp     bool      `json:"twitch_up"`
	TwitchDown   bool      `json:"twitch_down"`
	ObservedAt   time.Time `json:"observed_at"`
}

// Snapshot 转换为输出格式
func (s HeartRateStatus) Snapshot() StatusSnapshot {
	snap := StatusSnapshot{
		BPM:          s.BPM,
		RRIntervalMs: make([]int64, 0, len(s.RRIntervals)),
		BatteryState: s.Battery.String(),
		TwitchUp:     s.TwitchUp,
		TwitchDown:   s.TwitchDown,
		ObservedAt:   s.ObservedAt,
	}
	for _, rr := range s.RRIntervals {
		snap.RRIntervalMs = append(snap.RRIntervalMs, rr.Milliseconds())
	}
	if rr, ok := s.LatestRR(); ok {
		ms := rr.Milliseconds()
		snap.LatestRRMs = &ms
	}
	if level, ok := s.Battery.Level(); ok {
		snap.Battery = &level
	}
	return snap
}
