package osc

import (
	"math"
	"time"

	"owl-heartrate/internal/models"

	"github.com/hypebeast/go-osc/osc"
)

// newBundle 创建时间标签为 0（立即执行）的 bundle
func newBundle() *osc.Bundle {
	b := osc.NewBundle(time.Time{})
	b.Timetag = *osc.NewTimetagFromTimetag(0)
	return b
}

// bpmFloat 将 bpm 映射到 [0,1]（仅正值）或 [-1,1]
func bpmFloat(bpm uint16, positiveOnly bool) float32 {
	f := float32(bpm) / 255.0
	if positiveOnly {
		return f
	}
	return f*2 - 1
}

// statusBundle 完整参数 bundle
// 顺序：latest_rr（bpm 为 0 时发 0，无 RR 时省略）、bpm int/float、connected、
// hiding、电量 int/float、twitch up/down
func statusBundle(addrs *AddressTable, status models.HeartRateStatus, hiding, delayConnected, positiveFloat bool) *osc.Bundle {
	b := newBundle()

	if status.BPM == 0 {
		_ = b.Append(osc.NewMessage(addrs.LatestRR, int32(0)))
	} else if rr, ok := status.LatestRR(); ok {
		_ = b.Append(osc.NewMessage(addrs.LatestRR, saturateInt32(rr.Milliseconds())))
	}

	connected := !delayConnected && status.BPM > 0
	level, _ := status.Battery.Level()

	_ = b.Append(osc.NewMessage(addrs.BPMInt, int32(status.BPM)))
	_ = b.Append(osc.NewMessage(addrs.BPMFloat, bpmFloat(status.BPM, positiveFloat)))
	_ = b.Append(osc.NewMessage(addrs.Connected, connected))
	_ = b.Append(osc.NewMessage(addrs.HidingDisconnect, hiding))
	_ = b.Append(osc.NewMessage(addrs.BatteryInt, int32(level)))
	_ = b.Append(osc.NewMessage(addrs.BatteryFloat, float32(level)/100.0))
	_ = b.Append(osc.NewMessage(addrs.TwitchUp, status.TwitchUp))
	_ = b.Append(osc.NewMessage(addrs.TwitchDown, status.TwitchDown))

	return b
}

func saturateInt32(v int64) int32 {
	switch {
	case v > math.MaxInt32:
		return math.MaxInt32
	case v < math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}

// beatBundle 心跳脉冲 bundle：pulse 在前，toggle 在后
func beatBundle(addrs *AddressTable, pulse, toggle bool) *osc.Bundle {
	b := newBundle()
	_ = b.Append(osc.NewMessage(addrs.BeatPulse, pulse))
	_ = b.Append(osc.NewMessage(addrs.BeatToggle, toggle))
	return b
}
