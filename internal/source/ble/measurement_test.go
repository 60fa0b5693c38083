package ble

import (
	"testing"
	"time"

	"owl-heartrate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMeasurement(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		bpm     uint16
		rr      []time.Duration
		energy  *uint16
		contact *bool
	}{
		{
			name:    "8-bit bpm",
			payload: []byte{0x00, 72},
			bpm:     72,
		},
		{
			name:    "16-bit bpm",
			payload: []byte{0x01, 0x2C, 0x01},
			bpm:     300,
		},
		{
			name:    "rr intervals",
			payload: []byte{0x10, 60, 0x00, 0x04, 0x00, 0x02},
			bpm:     60,
			rr:      []time.Duration{time.Second, 500 * time.Millisecond},
		},
		{
			name:    "energy expended before rr",
			payload: []byte{0x18, 80, 0x10, 0x00, 0x00, 0x04},
			bpm:     80,
			rr:      []time.Duration{time.Second},
			energy:  ptr(uint16(16)),
		},
		{
			name:    "sensor contact",
			payload: []byte{0x06, 65},
			bpm:     65,
			contact: ptr(true),
		},
		{
			name:    "trailing odd byte ignored",
			payload: []byte{0x10, 70, 0x00, 0x04, 0x01},
			bpm:     70,
			rr:      []time.Duration{time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseMeasurement(tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.bpm, m.BPM)
			assert.Equal(t, tt.rr, m.RRIntervals)
			assert.Equal(t, tt.energy, m.EnergyExpended)
			assert.Equal(t, tt.contact, m.SensorContact)
		})
	}
}

func TestParseMeasurement_Invalid(t *testing.T) {
	for _, payload := range [][]byte{nil, {0x00}, {0x01, 0x50}, {0x08, 70, 0x01}} {
		_, err := ParseMeasurement(payload)
		assert.ErrorIs(t, err, models.ErrInvalidMeasurement, "payload %v", payload)
	}
}

func ptr[T any](v T) *T { return &v }
