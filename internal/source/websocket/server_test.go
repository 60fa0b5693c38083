package websocket

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"owl-heartrate/internal/bus"
	"owl-heartrate/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		bpm     uint16
		rr      *uint64
		battery *uint8
		wantErr bool
	}{
		{name: "bpm", body: `{"bpm": 72}`, bpm: 72},
		{name: "heartRate alias", body: `{"heartRate": 90, "latest_rr_ms": 666}`, bpm: 90, rr: ptr(uint64(666))},
		{name: "heartrate alias", body: `{"heartrate": 65, "battery": 40}`, bpm: 65, battery: ptr(uint8(40))},
		{name: "missing bpm", body: `{"battery": 40}`, wantErr: true},
		{name: "zero rr", body: `{"bpm": 70, "latest_rr_ms": 0}`, wantErr: true},
		{name: "huge rr clamped", body: `{"bpm": 70, "latest_rr_ms": 10000000000000}`, bpm: 70, rr: ptr(maxRRMs)},
		{name: "negative bpm", body: `{"bpm": -1}`, wantErr: true},
		{name: "not json", body: `hello`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := decodeMessage([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bpm, *msg.BPM)
			assert.Equal(t, tt.rr, msg.LatestRRMs)
			assert.Equal(t, tt.battery, msg.Battery)
		})
	}
}

func ptr[T any](v T) *T { return &v }

type harness struct {
	t      *testing.T
	sub    *bus.Subscriber
	cancel context.CancelFunc
	done   chan error
	url    string
}

func startServer(t *testing.T, cfg Config) *harness {
	t.Helper()
	b := bus.New(64)
	sub := b.Subscribe()

	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	srv := NewServer(cfg, b, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(cancel)

	h := &harness{t: t, sub: sub, cancel: cancel, done: done}
	ready, ok := h.next().(bus.SourceReady)
	require.True(t, ok, "expected SourceReady first")
	h.url = "ws://" + ready.Addr + "/"
	return h
}

func (h *harness) next() bus.Message {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := h.sub.Recv(ctx)
	require.NoError(h.t, err)
	return msg
}

func (h *harness) dial() *websocket.Conn {
	h.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *harness) stop() {
	h.t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		assert.NoError(h.t, err)
	case <-time.After(2 * time.Second):
		h.t.Fatal("server did not stop")
	}
}

func TestServer_PublishesStatus(t *testing.T) {
	h := startServer(t, Config{NoDataTimeout: 5 * time.Second, TwitchThreshold: 50 * time.Millisecond})
	conn := h.dial()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"bpm": 75}`)))
	u := h.next().(bus.HeartRateUpdate)
	assert.Equal(t, uint16(75), u.Status.BPM)
	assert.Empty(t, u.Status.RRIntervals)
	assert.Equal(t, models.BatteryNotReported, u.Status.Battery.State())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"heartRate": 80, "latest_rr_ms": 700, "battery": 90}`)))
	u = h.next().(bus.HeartRateUpdate)
	assert.Equal(t, uint16(80), u.Status.BPM)
	assert.Equal(t, []time.Duration{700 * time.Millisecond}, u.Status.RRIntervals)
	assert.Equal(t, uint8(90), u.Status.Battery.Int())
	assert.True(t, u.Status.TwitchDown)

	// RR 被替换而不是追加
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"bpm": 81, "latest_rr_ms": 740}`)))
	u = h.next().(bus.HeartRateUpdate)
	assert.Equal(t, []time.Duration{740 * time.Millisecond}, u.Status.RRIntervals)
	assert.Equal(t, uint8(90), u.Status.Battery.Int(), "battery kept")

	h.stop()
}

func TestServer_DecodeFailureKeepsConnection(t *testing.T) {
	h := startServer(t, Config{NoDataTimeout: 5 * time.Second})
	conn := h.dial()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"battery": 10}`)))
	e := h.next().(bus.ErrorUpdate)
	assert.Equal(t, models.SeverityIntermittent, e.Err.Severity)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"bpm": 66}`)))
	u := h.next().(bus.HeartRateUpdate)
	assert.Equal(t, uint16(66), u.Status.BPM)

	h.stop()
}

func TestServer_RRBounds(t *testing.T) {
	h := startServer(t, Config{NoDataTimeout: 5 * time.Second})
	conn := h.dial()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"bpm": 70, "latest_rr_ms": 0}`)))
	e := h.next().(bus.ErrorUpdate)
	assert.Equal(t, models.SeverityIntermittent, e.Err.Severity)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"bpm": 70, "latest_rr_ms": 18446744073709551615}`)))
	u := h.next().(bus.HeartRateUpdate)
	require.Len(t, u.Status.RRIntervals, 1)
	assert.Positive(t, u.Status.RRIntervals[0])

	h.stop()
}

func TestHandler_ReleasesPendingConnection(t *testing.T) {
	srv := NewServer(Config{}, bus.New(4), zap.NewNop())
	done := make(chan struct{})
	conns := make(chan *websocket.Conn)

	ts := httptest.NewServer(srv.handler(done, conns))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// 没有接收方，连接停在交接处；关闭 done 后服务端关闭连接
	close(done)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "connection should be closed, not left waiting")
	}
}

func TestServer_BinaryFrameEndsConnection(t *testing.T) {
	h := startServer(t, Config{NoDataTimeout: 5 * time.Second})
	conn := h.dial()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	e := h.next().(bus.ErrorUpdate)
	assert.Equal(t, models.SeverityUserMustDismiss, e.Err.Severity)

	u := h.next().(bus.HeartRateUpdate)
	assert.Equal(t, uint16(0), u.Status.BPM)

	// 新连接可以继续发送
	conn2 := h.dial()
	require.NoError(t, conn2.WriteMessage(websocket.TextMessage, []byte(`{"bpm": 70}`)))
	u = h.next().(bus.HeartRateUpdate)
	assert.Equal(t, uint16(70), u.Status.BPM)

	h.stop()
}

func TestServer_PeerCloseIsIntermittent(t *testing.T) {
	h := startServer(t, Config{NoDataTimeout: 5 * time.Second})
	conn := h.dial()

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	e := h.next().(bus.ErrorUpdate)
	assert.Equal(t, models.SeverityIntermittent, e.Err.Severity)
	assert.Equal(t, "Device closed connection!", e.Err.Message)

	h.stop()
}

func TestServer_NoDataTimeout(t *testing.T) {
	h := startServer(t, Config{NoDataTimeout: 50 * time.Millisecond})
	h.dial()

	e := h.next().(bus.ErrorUpdate)
	assert.Equal(t, models.SeverityIntermittent, e.Err.Severity)
	assert.ErrorIs(t, e.Err, models.ErrNoData)

	h.stop()
}

func TestServer_BindFailureIsFatal(t *testing.T) {
	h := startServer(t, Config{NoDataTimeout: time.Second})
	addr := h.url[len("ws://") : len(h.url)-1]

	b := bus.New(8)
	sub := b.Subscribe()
	host, port := splitHostPort(t, addr)
	srv := NewServer(Config{Host: host, Port: port}, b, zap.NewNop())

	err := srv.Run(context.Background())
	require.Error(t, err)

	msg, ok, err := sub.TryRecv()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.SeverityFatal, msg.(bus.ErrorUpdate).Err.Severity)

	h.stop()
}
