package bus

import "owl-heartrate/internal/models"

// Message 总线消息（标签联合），订阅者通过 type switch 只处理关心的类型
type Message interface {
	isMessage()
}

// HeartRateUpdate 标准化心率记录
type HeartRateUpdate struct {
	Status models.HeartRateStatus
}

// ErrorUpdate 分级错误
type ErrorUpdate struct {
	Err *models.ClassifiedError
}

// SourceReady 数据源已就绪（WebSocket 监听地址）
type SourceReady struct {
	Addr string
}

// ActivitySelected 外部选择的活动编号
type ActivitySelected struct {
	Index uint8
}

func (HeartRateUpdate) isMessage()  {}
func (ErrorUpdate) isMessage()      {}
func (SourceReady) isMessage()      {}
func (ActivitySelected) isMessage() {}
