package models

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceUnreachable 设备不可达，需要重新扫描
	ErrDeviceUnreachable = errors.New("device unreachable")
	// ErrMissingHeartRateCharacteristic 设备缺少心率测量特征
	ErrMissingHeartRateCharacteristic = errors.New("heart rate measurement characteristic not found")
	// ErrConnectTimeout 连接超时
	ErrConnectTimeout = errors.New("connection timed out")
	// ErrNoData 超时未收到数据
	ErrNoData = errors.New("no data received")
	// ErrInvalidOSCPrefix OSC 地址前缀非法
	ErrInvalidOSCPrefix = errors.New("invalid OSC prefix")
	// ErrInvalidOSCAddress OSC 地址非法
	ErrInvalidOSCAddress = errors.New("invalid OSC address")
	// ErrInvalidMeasurement 心率测量数据无法解析
	ErrInvalidMeasurement = errors.New("invalid heart rate measurement")
)

// Severity 错误等级
type Severity int

const (
	// SeverityIntermittent 临时错误，记录后重试
	SeverityIntermittent Severity = iota
	// SeverityUserMustDismiss 需要用户确认
	SeverityUserMustDismiss
	// SeverityFatal actor 无法继续
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityIntermittent:
		return "intermittent"
	case SeverityUserMustDismiss:
		return "user_must_dismiss"
	case SeverityFatal:
		return "fatal"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ClassifiedError 带等级的错误，通过总线发布
type ClassifiedError struct {
	Severity Severity
	Source   string // 产生错误的 actor
	Message  string
	Err      error
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Source, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Intermittent 创建临时错误
func Intermittent(source, message string, err error) *ClassifiedError {
	return &ClassifiedError{Severity: SeverityIntermittent, Source: source, Message: message, Err: err}
}

// UserMustDismiss 创建需要确认的错误
func UserMustDismiss(source, message string, err error) *ClassifiedError {
	return &ClassifiedError{Severity: SeverityUserMustDismiss, Source: source, Message: message, Err: err}
}

// Fatal 创建致命错误
func Fatal(source, message string, err error) *ClassifiedError {
	return &ClassifiedError{Severity: SeverityFatal, Source: source, Message: message, Err: err}
}
