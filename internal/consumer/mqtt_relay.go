package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"owl-heartrate/internal/bus"
	"owl-heartrate/internal/models"

	"go.uber.org/zap"
)

// MQTTPublisher MQTT 发布端（common/mqtt.Client 满足该接口）
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// errorPayload 错误消息格式
type errorPayload struct {
	Severity   string    `json:"severity"`
	Source     string    `json:"source"`
	Message    string    `json:"message"`
	Error      string    `json:"error,omitempty"`
	ReportedAt time.Time `json:"reported_at"`
}

type activityPayload struct {
	Index      uint8     `json:"index"`
	SelectedAt time.Time `json:"selected_at"`
}

// MQTTRelay 将总线消息转发到 MQTT
//
//	<prefix>/status    所有心率记录（包括 bpm=0）
//	<prefix>/error     分级错误
//	<prefix>/activity  当前活动
type MQTTRelay struct {
	publisher   MQTTPublisher
	topicPrefix string
	qos         byte
	logger      *zap.Logger
}

// NewMQTTRelay 创建 MQTT 转发
func NewMQTTRelay(publisher MQTTPublisher, topicPrefix string, qos byte, logger *zap.Logger) *MQTTRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTRelay{
		publisher:   publisher,
		topicPrefix: topicPrefix,
		qos:         qos,
		logger:      logger,
	}
}

// Run 订阅总线直到关闭或取消
func (r *MQTTRelay) Run(ctx context.Context, sub *bus.Subscriber) {
	bus.Consume(ctx, sub, r.logger, r)
}

// Handle 实现 bus.Handler
func (r *MQTTRelay) Handle(_ context.Context, msg bus.Message) {
	var (
		topic    string
		payload  interface{}
		retained bool
	)

	switch m := msg.(type) {
	case bus.HeartRateUpdate:
		topic = r.topic("status")
		payload = m.Status.Snapshot()
		retained = true
	case bus.ErrorUpdate:
		if m.Err == nil {
			return
		}
		topic = r.topic("error")
		payload = newErrorPayload(m.Err)
	case bus.ActivitySelected:
		topic = r.topic("activity")
		payload = activityPayload{Index: m.Index, SelectedAt: time.Now()}
		retained = true
	default:
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("Failed to marshal MQTT payload", zap.String("topic", topic), zap.Error(err))
		return
	}

	if err := r.publisher.Publish(topic, r.qos, retained, data); err != nil {
		r.logger.Warn("Failed to publish to MQTT", zap.String("topic", topic), zap.Error(err))
		return
	}

	r.logger.Debug("Relayed to MQTT", zap.String("topic", topic))
}

func (r *MQTTRelay) topic(suffix string) string {
	return fmt.Sprintf("%s/%s", r.topicPrefix, suffix)
}

func newErrorPayload(e *models.ClassifiedError) errorPayload {
	p := errorPayload{
		Severity:   e.Severity.String(),
		Source:     e.Source,
		Message:    e.Message,
		ReportedAt: time.Now(),
	}
	if e.Err != nil {
		p.Error = e.Err.Error()
	}
	return p
}
