package ble

import "time"

// BurnIn 空 RR 更新之后丢弃前 N 个 RR 间期
// 部分心率带在静默后上报的第一批 RR 明显偏大
type BurnIn struct {
	amount int
	left   int
}

// NewBurnIn 创建过滤器，连接建立时即处于丢弃状态
func NewBurnIn(amount int) *BurnIn {
	if amount < 0 {
		amount = 0
	}
	return &BurnIn{amount: amount, left: amount}
}

// Filter 返回保留的 RR 间期
func (b *BurnIn) Filter(rr []time.Duration) []time.Duration {
	count := len(rr)

	var kept []time.Duration
	if count > b.left {
		kept = append(kept, rr[b.left:]...)
	}

	if b.left == 0 && count == 0 {
		b.left = b.amount
	} else {
		b.left -= count
		if b.left < 0 {
			b.left = 0
		}
	}
	return kept
}
