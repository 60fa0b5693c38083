package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"owl-heartrate/internal/bus"
	"owl-heartrate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type connectFunc func(ctx context.Context) (Session, error)

type fakeConnector struct {
	mu    sync.Mutex
	steps []connectFunc
	calls int
}

func (c *fakeConnector) Connect(ctx context.Context) (Session, error) {
	c.mu.Lock()
	i := c.calls
	if i >= len(c.steps) {
		i = len(c.steps) - 1
	}
	c.calls++
	step := c.steps[i]
	c.mu.Unlock()
	return step(ctx)
}

func (c *fakeConnector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func returns(sess Session) connectFunc {
	return func(context.Context) (Session, error) { return sess, nil }
}

func fails(err error) connectFunc {
	return func(context.Context) (Session, error) { return nil, err }
}

func blocks(entered chan<- struct{}) connectFunc {
	return func(ctx context.Context) (Session, error) {
		if entered != nil {
			select {
			case entered <- struct{}{}:
			default:
			}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

type fakeSession struct {
	svcs        Services
	discoverErr error
	disconnects atomic.Int32
}

func (s *fakeSession) Discover(context.Context) (Services, error) {
	if s.discoverErr != nil {
		return Services{}, s.discoverErr
	}
	return s.svcs, nil
}

func (s *fakeSession) Disconnect() error {
	s.disconnects.Add(1)
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	handler func([]byte)
	enabled chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{enabled: make(chan struct{})}
}

func (n *fakeNotifier) EnableNotifications(handler func([]byte)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = handler
	close(n.enabled)
	return nil
}

func (n *fakeNotifier) send(payload []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler(payload)
}

type fakeBattery struct {
	level uint8
}

func (b *fakeBattery) ReadBattery() (uint8, error) { return b.level, nil }

func drain(sub *bus.Subscriber) []bus.Message {
	var out []bus.Message
	for {
		msg, ok, err := sub.TryRecv()
		if err != nil || !ok {
			return out
		}
		out = append(out, msg)
	}
}

func errorsOf(msgs []bus.Message) []*models.ClassifiedError {
	var out []*models.ClassifiedError
	for _, msg := range msgs {
		if e, ok := msg.(bus.ErrorUpdate); ok {
			out = append(out, e.Err)
		}
	}
	return out
}

func startMonitor(t *testing.T, m *Monitor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
		return nil
	}
}

func TestMonitor_StreamsStatus(t *testing.T) {
	b := bus.New(64)
	sub := b.Subscribe()

	notifier := newFakeNotifier()
	sess := &fakeSession{svcs: Services{HeartRate: notifier, Battery: &fakeBattery{level: 88}}}
	conn := &fakeConnector{steps: []connectFunc{returns(sess), blocks(nil)}}
	paused := &atomic.Bool{}

	m := NewMonitor(conn, b, nil, paused, MonitorConfig{
		TwitchThreshold: 50 * time.Millisecond,
		NoDataTimeout:   5 * time.Second,
	}, zap.NewNop())
	cancel, done := startMonitor(t, m)

	<-notifier.enabled
	require.Eventually(t, func() bool { return m.State() == StateStreaming }, time.Second, 5*time.Millisecond)
	assert.True(t, paused.Load(), "scan paused while streaming")

	notifier.send([]byte{0x10, 60, 0x00, 0x04})

	ctx, cancelRecv := context.WithTimeout(context.Background(), time.Second)
	defer cancelRecv()
	msg, err := sub.Recv(ctx)
	require.NoError(t, err)

	update, ok := msg.(bus.HeartRateUpdate)
	require.True(t, ok)
	assert.Equal(t, uint16(60), update.Status.BPM)
	assert.Equal(t, []time.Duration{time.Second}, update.Status.RRIntervals)
	assert.Equal(t, uint8(88), update.Status.Battery.Int())

	cancel()
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, int32(1), sess.disconnects.Load())
	assert.False(t, paused.Load())
	assert.Equal(t, StateIdle, m.State())
}

func TestMonitor_NoDataWatchdogReconnects(t *testing.T) {
	b := bus.New(64)
	sub := b.Subscribe()

	notifier := newFakeNotifier()
	sess := &fakeSession{svcs: Services{HeartRate: notifier}}
	reconnecting := make(chan struct{}, 1)
	conn := &fakeConnector{steps: []connectFunc{returns(sess), blocks(reconnecting)}}

	m := NewMonitor(conn, b, nil, nil, MonitorConfig{
		NoDataTimeout:    50 * time.Millisecond,
		ReconnectBackoff: 10 * time.Millisecond,
	}, zap.NewNop())
	cancel, done := startMonitor(t, m)

	select {
	case <-reconnecting:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not re-enter connecting")
	}
	assert.Equal(t, StateConnecting, m.State())

	cancel()
	require.NoError(t, waitDone(t, done))

	msgs := drain(sub)
	errs := errorsOf(msgs)
	require.Len(t, errs, 1)
	assert.Equal(t, models.SeverityIntermittent, errs[0].Severity)
	assert.ErrorIs(t, errs[0], models.ErrNoData)
	assert.Equal(t, int32(1), sess.disconnects.Load())
	assert.Equal(t, 2, conn.Calls())

	// 断开后发布 bpm=0
	var zero bool
	for _, msg := range msgs {
		if u, ok := msg.(bus.HeartRateUpdate); ok && u.Status.BPM == 0 {
			zero = true
		}
	}
	assert.True(t, zero)
}

func TestMonitor_MissingCharacteristicIsFatalAfterRetries(t *testing.T) {
	b := bus.New(64)
	sub := b.Subscribe()

	sess := &fakeSession{discoverErr: models.ErrMissingHeartRateCharacteristic}
	conn := &fakeConnector{steps: []connectFunc{returns(sess)}}

	m := NewMonitor(conn, b, nil, nil, MonitorConfig{
		ReconnectBackoff:     time.Millisecond,
		MaxDiscoveryFailures: 3,
	}, zap.NewNop())
	_, done := startMonitor(t, m)

	err := waitDone(t, done)
	assert.ErrorIs(t, err, models.ErrMissingHeartRateCharacteristic)

	errs := errorsOf(drain(sub))
	require.Len(t, errs, 3)
	assert.Equal(t, models.SeverityIntermittent, errs[0].Severity)
	assert.Equal(t, models.SeverityIntermittent, errs[1].Severity)
	assert.Equal(t, models.SeverityFatal, errs[2].Severity)
	assert.Equal(t, int32(3), sess.disconnects.Load())
}

func TestMonitor_UnreachableSignalsRestart(t *testing.T) {
	b := bus.New(64)
	sub := b.Subscribe()

	restart := make(chan struct{}, 1)
	conn := &fakeConnector{steps: []connectFunc{
		fails(fmt.Errorf("%w: le-connection-abort", models.ErrDeviceUnreachable)),
		blocks(nil),
	}}

	m := NewMonitor(conn, b, restart, nil, MonitorConfig{
		ReconnectBackoff:   time.Millisecond,
		UnreachableBackoff: 10 * time.Millisecond,
	}, zap.NewNop())
	cancel, done := startMonitor(t, m)

	select {
	case <-restart:
	case <-time.After(time.Second):
		t.Fatal("restart not signalled")
	}

	require.Eventually(t, func() bool { return conn.Calls() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))

	errs := errorsOf(drain(sub))
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], models.ErrDeviceUnreachable)
}

func TestMonitor_ConnectWatchdogDisconnectsLateSession(t *testing.T) {
	b := bus.New(64)
	sub := b.Subscribe()

	late := &fakeSession{svcs: Services{HeartRate: newFakeNotifier()}}
	conn := &fakeConnector{steps: []connectFunc{
		func(context.Context) (Session, error) {
			time.Sleep(80 * time.Millisecond)
			return late, nil
		},
		blocks(nil),
	}}

	m := NewMonitor(conn, b, nil, nil, MonitorConfig{
		ConnectTimeout:   20 * time.Millisecond,
		ReconnectBackoff: time.Millisecond,
	}, zap.NewNop())
	cancel, done := startMonitor(t, m)

	require.Eventually(t, func() bool { return late.disconnects.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))

	// 后续的阻塞连接同样会被看门狗中断
	errs := errorsOf(drain(sub))
	require.NotEmpty(t, errs)
	for _, e := range errs {
		assert.True(t, errors.Is(e, models.ErrConnectTimeout))
		assert.Equal(t, "Connection timed out", e.Message)
	}
}
