package osc

import "time"

type edge int

const (
	edgeRising edge = iota
	edgeFalling
)

// nextDelay 下一次触发的间隔
// 上升沿之后等待脉宽；下降沿之后等待 (RR - 脉宽)，不足时退回脉宽
func nextDelay(e edge, latestRR, width time.Duration) time.Duration {
	if e == edgeFalling {
		return width
	}
	if d := latestRR - width; d > 0 {
		return d
	}
	return width
}

// pulser 心跳脉冲两态机
// edge 表示下一次触发应产生的沿
type pulser struct {
	edge   edge
	toggle bool
	width  time.Duration
}

func newPulser(width time.Duration) *pulser {
	return &pulser{edge: edgeRising, width: width}
}

// fire 触发一次，返回要发送的 (pulse, toggle) 以及下一次触发间隔
func (p *pulser) fire(latestRR time.Duration) (pulse, toggle bool, next time.Duration) {
	switch p.edge {
	case edgeRising:
		p.toggle = !p.toggle
		p.edge = edgeFalling
		pulse = true
	default:
		p.edge = edgeRising
		pulse = false
	}
	return pulse, p.toggle, nextDelay(p.edge, latestRR, p.width)
}

func (p *pulser) reset() {
	p.edge = edgeRising
	p.toggle = false
}
