package ble

import (
	"encoding/binary"
	"fmt"
	"time"

	"owl-heartrate/internal/models"
)

// Heart Rate Measurement 标志位
const (
	flagBPM16Bit        = 1 << 0
	flagContactDetected = 1 << 1
	flagContactSupport  = 1 << 2
	flagEnergyExpended  = 1 << 3
	flagRRPresent       = 1 << 4
)

// Measurement 解析后的心率测量数据
type Measurement struct {
	BPM            uint16
	RRIntervals    []time.Duration
	SensorContact  *bool   // 设备不支持接触检测时为 nil
	EnergyExpended *uint16 // kJ
}

// ParseMeasurement 解析 Heart Rate Measurement (0x2A37) 通知
// RR 间期单位为 1/1024 秒
func ParseMeasurement(data []byte) (Measurement, error) {
	var m Measurement
	if len(data) < 2 {
		return m, fmt.Errorf("%w: payload too short (%d bytes)", models.ErrInvalidMeasurement, len(data))
	}

	flags := data[0]
	offset := 1

	if flags&flagBPM16Bit != 0 {
		if len(data) < offset+2 {
			return m, fmt.Errorf("%w: missing 16-bit bpm", models.ErrInvalidMeasurement)
		}
		m.BPM = binary.LittleEndian.Uint16(data[offset:])
		offset += 2
	} else {
		m.BPM = uint16(data[offset])
		offset++
	}

	if flags&flagContactSupport != 0 {
		contact := flags&flagContactDetected != 0
		m.SensorContact = &contact
	}

	if flags&flagEnergyExpended != 0 {
		if len(data) < offset+2 {
			return m, fmt.Errorf("%w: missing energy expended", models.ErrInvalidMeasurement)
		}
		energy := binary.LittleEndian.Uint16(data[offset:])
		m.EnergyExpended = &energy
		offset += 2
	}

	if flags&flagRRPresent != 0 {
		for offset+2 <= len(data) {
			raw := binary.LittleEndian.Uint16(data[offset:])
			m.RRIntervals = append(m.RRIntervals, rrFromRaw(raw))
			offset += 2
		}
	}

	return m, nil
}

func rrFromRaw(raw uint16) time.Duration {
	return time.Duration(raw) * time.Second / 1024
}
