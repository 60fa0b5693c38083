package models

import "time"

// HeartRateSession 一次连续的心率记录会话
type HeartRateSession struct {
	SessionID string
	Source    string
	StartedAt time.Time
	EndedAt   *time.Time
}

// HeartRateSample 心率样本（heart_rate_samples 表）
type HeartRateSample struct {
	SessionID    string
	BPM          uint16
	RRIntervalMs []int64
	Battery      *uint8 // 未上报为 nil
	TwitchUp     bool
	TwitchDown   bool
	Activity     uint8
	ObservedAt   time.Time
}

// SessionStats 会话统计
type SessionStats struct {
	Samples int64
	MinBPM  int64
	MaxBPM  int64
	AvgBPM  float64
}

// NewHeartRateSample 由心率记录生成样本
func NewHeartRateSample(sessionID string, status HeartRateStatus, activity uint8) *HeartRateSample {
	snap := status.Snapshot()
	observed := status.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}
	return &HeartRateSample{
		SessionID:    sessionID,
		BPM:          status.BPM,
		RRIntervalMs: snap.RRIntervalMs,
		Battery:      snap.Battery,
		TwitchUp:     status.TwitchUp,
		TwitchDown:   status.TwitchDown,
		Activity:     activity,
		ObservedAt:   observed,
	}
}
