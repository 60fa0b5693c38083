package consumer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"owl-heartrate/internal/bus"
	"owl-heartrate/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsSink Prometheus 指标输出
type MetricsSink struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	bpm        prometheus.Gauge
	rr         prometheus.Gauge
	battery    prometheus.Gauge
	twitchUp   prometheus.Gauge
	twitchDown prometheus.Gauge
	activity   prometheus.Gauge
	errors     *prometheus.CounterVec
	lagged     prometheus.Counter
	updates    prometheus.Counter
}

// NewMetricsSink 创建指标输出，使用独立 registry
func NewMetricsSink(logger *zap.Logger) *MetricsSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &MetricsSink{
		registry: prometheus.NewRegistry(),
		logger:   logger,
		bpm: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heart_rate_bpm",
			Help: "Latest heart rate in beats per minute (0 when disconnected).",
		}),
		rr: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heart_rate_rr_ms",
			Help: "Latest RR interval in milliseconds.",
		}),
		battery: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heart_rate_battery",
			Help: "Battery level reported by the heart rate source (-1 when not reported).",
		}),
		twitchUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heart_rate_twitch_up",
			Help: "1 when the latest update was an upward twitch.",
		}),
		twitchDown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heart_rate_twitch_down",
			Help: "1 when the latest update was a downward twitch.",
		}),
		activity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heart_rate_activity",
			Help: "Currently selected activity index.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heart_rate_errors_total",
			Help: "Classified errors published on the bus.",
		}, []string{"source", "severity"}),
		lagged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "heart_rate_bus_lagged_total",
			Help: "Messages dropped because the metrics subscriber lagged.",
		}),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "heart_rate_updates_total",
			Help: "Heart rate updates received.",
		}),
	}
	m.battery.Set(-1)
	m.registry.MustRegister(m.bpm, m.rr, m.battery, m.twitchUp, m.twitchDown, m.activity, m.errors, m.lagged, m.updates)
	return m
}

// Handler /metrics 处理器
func (m *MetricsSink) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Run 订阅总线直到关闭或取消
func (m *MetricsSink) Run(ctx context.Context, sub *bus.Subscriber) {
	bus.Consume(ctx, sub, m.logger, m)
}

// Serve 在 addr 上提供 /metrics，ctx 取消时关闭
func (m *MetricsSink) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	m.logger.Info("Metrics server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handle 实现 bus.Handler
func (m *MetricsSink) Handle(_ context.Context, msg bus.Message) {
	switch v := msg.(type) {
	case bus.HeartRateUpdate:
		m.observe(v.Status)
	case bus.ErrorUpdate:
		if v.Err != nil {
			m.errors.WithLabelValues(v.Err.Source, v.Err.Severity.String()).Inc()
		}
	case bus.ActivitySelected:
		m.activity.Set(float64(v.Index))
	}
}

// OnLag 实现 bus.LagObserver
func (m *MetricsSink) OnLag(missed uint64) {
	m.lagged.Add(float64(missed))
}

func (m *MetricsSink) observe(status models.HeartRateStatus) {
	m.updates.Inc()
	m.bpm.Set(float64(status.BPM))
	if rr, ok := status.LatestRR(); ok {
		m.rr.Set(float64(rr.Milliseconds()))
	}
	if level, ok := status.Battery.Level(); ok {
		m.battery.Set(float64(level))
	}
	m.twitchUp.Set(boolGauge(status.TwitchUp))
	m.twitchDown.Set(boolGauge(status.TwitchDown))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
