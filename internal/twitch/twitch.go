// Package twitch 根据相邻心跳间期的变化产生 up/down 跳变信号，
// 用于驱动简单的头像效果（例如耳朵抖动）。
package twitch

import (
	"time"

	"owl-heartrate/internal/models"
)

// Twitcher 跳变检测器
// 每个连接独享一个实例，不可跨 goroutine 共享
type Twitcher struct {
	threshold time.Duration
	latestRR  time.Duration
	useRealRR bool
}

// NewTwitcher 创建检测器，基线 RR 为 1 秒
func NewTwitcher(threshold time.Duration) *Twitcher {
	return &Twitcher{
		threshold: threshold,
		latestRR:  time.Second,
	}
}

// Handle 返回本次调用的 (twitchUp, twitchDown)
//
// twitchUp: RR 变长（心率下降）
// twitchDown: RR 变短（心率上升）
//
// 一旦收到过真实 RR，此后忽略 bpm，只使用真实 RR。
func (t *Twitcher) Handle(bpm uint16, rrIntervals []time.Duration) (twitchUp, twitchDown bool) {
	if len(rrIntervals) > 0 {
		t.useRealRR = true
	}

	intervals := rrIntervals
	if !t.useRealRR {
		if bpm == 0 {
			return false, false
		}
		intervals = []time.Duration{models.RRFromBPM(bpm)}
	}

	for _, rr := range intervals {
		if absDuration(rr-t.latestRR) > t.threshold {
			twitchUp = twitchUp || rr > t.latestRR
			twitchDown = twitchDown || rr < t.latestRR
		}
		t.latestRR = rr
	}

	return twitchUp, twitchDown
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
