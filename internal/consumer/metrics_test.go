package consumer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"owl-heartrate/internal/bus"
	"owl-heartrate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func scrape(t *testing.T, h http.Handler) string {
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsSink_Handle(t *testing.T) {
	m := NewMetricsSink(zap.NewNop())
	ctx := context.Background()

	body := scrape(t, m.Handler())
	assert.Contains(t, body, "heart_rate_battery -1")

	m.Handle(ctx, bus.HeartRateUpdate{Status: models.HeartRateStatus{
		BPM:         72,
		RRIntervals: []time.Duration{833 * time.Millisecond},
		Battery:     models.BatteryLevelOf(64),
		TwitchUp:    true,
	}})
	m.Handle(ctx, bus.ActivitySelected{Index: 2})
	m.Handle(ctx, bus.ErrorUpdate{Err: models.Intermittent("ble", "Connection timed out", nil)})
	m.OnLag(3)

	body = scrape(t, m.Handler())
	assert.Contains(t, body, "heart_rate_bpm 72")
	assert.Contains(t, body, "heart_rate_rr_ms 833")
	assert.Contains(t, body, "heart_rate_battery 64")
	assert.Contains(t, body, "heart_rate_twitch_up 1")
	assert.Contains(t, body, "heart_rate_twitch_down 0")
	assert.Contains(t, body, "heart_rate_activity 2")
	assert.Contains(t, body, `heart_rate_errors_total{severity="intermittent",source="ble"} 1`)
	assert.Contains(t, body, "heart_rate_bus_lagged_total 3")
	assert.Contains(t, body, "heart_rate_updates_total 1")
}

func TestMetricsSink_DisconnectKeepsLastRR(t *testing.T) {
	m := NewMetricsSink(zap.NewNop())
	ctx := context.Background()

	m.Handle(ctx, bus.HeartRateUpdate{Status: models.HeartRateStatus{
		BPM:         60,
		RRIntervals: []time.Duration{time.Second},
	}})
	m.Handle(ctx, bus.HeartRateUpdate{Status: models.HeartRateStatus{}})

	body := scrape(t, m.Handler())
	assert.Contains(t, body, "heart_rate_bpm 0")
	assert.Contains(t, body, "heart_rate_rr_ms 1000")
	assert.Contains(t, body, "heart_rate_updates_total 2")
}
