// Package websocket 通过 WebSocket 接收外部推送的心率 JSON
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"owl-heartrate/internal/bus"
	"owl-heartrate/internal/models"
	"owl-heartrate/internal/twitch"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const actorName = "websocket"

// Publisher 总线发布端
type Publisher interface {
	Publish(msg bus.Message) error
}

// Config WebSocket 数据源配置
type Config struct {
	Host            string
	Port            int // 0 表示随机端口
	NoDataTimeout   time.Duration
	TwitchThreshold time.Duration
}

// heartRateMessage 入站 JSON
// bpm 字段也接受 "heartrate" / "heartRate"（json 包字段名大小写不敏感）
type heartRateMessage struct {
	BPM        *uint16 `json:"bpm"`
	HeartRate  *uint16 `json:"heartRate"`
	LatestRRMs *uint64 `json:"latest_rr_ms"`
	Battery    *uint8  `json:"battery"`
}

var (
	errMissingBPM = errors.New("missing bpm field")
	errZeroRR     = errors.New("latest_rr_ms must be positive")
)

// maxRRMs 可转换为 time.Duration 的最大毫秒数
const maxRRMs = uint64(math.MaxInt64 / int64(time.Millisecond))

func decodeMessage(data []byte) (heartRateMessage, error) {
	var msg heartRateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	if msg.BPM == nil {
		msg.BPM = msg.HeartRate
	}
	if msg.BPM == nil {
		return msg, errMissingBPM
	}
	if msg.LatestRRMs != nil {
		switch {
		case *msg.LatestRRMs == 0:
			return msg, errZeroRR
		case *msg.LatestRRMs > maxRRMs:
			rr := maxRRMs
			msg.LatestRRMs = &rr
		}
	}
	return msg, nil
}

// Server WebSocket 数据源 actor
// 同一时间只处理一个连接，其余连接在握手后等待
type Server struct {
	cfg       Config
	publisher Publisher
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

// NewServer 创建 WebSocket 数据源
func NewServer(cfg Config, publisher Publisher, logger *zap.Logger) *Server {
	if cfg.NoDataTimeout <= 0 {
		cfg.NoDataTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run 监听并处理连接，直到 ctx 取消
// 端口无法绑定时发布 Fatal 并返回错误
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.publishError(models.Fatal(actorName, "Failed to build websocket", err))
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.logger.Info("Websocket server listening", zap.String("addr", ln.Addr().String()))
	s.publish(bus.SourceReady{Addr: ln.Addr().String()})

	conns := make(chan *websocket.Conn)
	done := make(chan struct{})
	srv := &http.Server{
		Handler:           s.handler(done, conns),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	// Run 返回时释放仍在等待交接的连接
	defer close(done)

	for {
		s.logger.Info("Websocket server waiting for connection")
		select {
		case conn := <-conns:
			s.receive(ctx, conn)
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			s.publishError(models.Fatal(actorName, "Websocket server error", err))
			return fmt.Errorf("websocket server error: %w", err)
		case <-ctx.Done():
			s.logger.Info("Shutting down websocket server")
			return nil
		}
	}
}

func (s *Server) handler(done <-chan struct{}, conns chan<- *websocket.Conn) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Error("Handshake failed", zap.Error(err))
			s.publishError(models.UserMustDismiss(actorName, "Handshake failed", err))
			return
		}

		select {
		case conns <- conn:
		case <-done:
			_ = conn.Close()
		}
	})
}

type frame struct {
	messageType int
	data        []byte
	err         error
}

// receive 处理单个连接，返回后调用方重新等待连接
func (s *Server) receive(ctx context.Context, conn *websocket.Conn) {
	peer := uuid.NewString()
	logger := s.logger.With(zap.String("peer_id", peer), zap.String("remote", conn.RemoteAddr().String()))
	logger.Info("Websocket client connected")

	frames := make(chan frame)
	stop := make(chan struct{})
	defer close(stop)
	defer conn.Close()

	go func() {
		for {
			mt, data, err := conn.ReadMessage()
			select {
			case frames <- frame{messageType: mt, data: data, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	status := models.HeartRateStatus{Battery: models.BatteryLevelNotReported()}
	twitcher := twitch.NewTwitcher(s.cfg.TwitchThreshold)

	noData := time.NewTimer(s.cfg.NoDataTimeout)
	defer noData.Stop()

	for {
		select {
		case f := <-frames:
			if f.err != nil {
				var closeErr *websocket.CloseError
				if errors.As(f.err, &closeErr) {
					logger.Warn("Websocket client sent close opcode", zap.Int("code", closeErr.Code))
					s.publishError(models.Intermittent(actorName, "Device closed connection!", f.err))
				} else {
					logger.Error("Error receiving message", zap.Error(f.err))
					s.publishError(models.Intermittent(actorName, "Error receiving message", f.err))
				}
				s.publishDisconnect()
				return
			}

			resetTimer(noData, s.cfg.NoDataTimeout)

			if f.messageType != websocket.TextMessage {
				logger.Error("Invalid message type", zap.Int("type", f.messageType))
				s.publishError(models.UserMustDismiss(actorName,
					fmt.Sprintf("Invalid message type (expected text): %d", f.messageType), nil))
				s.publishDisconnect()
				return
			}

			msg, err := decodeMessage(f.data)
			if err != nil {
				logger.Error("Invalid heart rate message", zap.ByteString("message", f.data), zap.Error(err))
				s.publishError(models.Intermittent(actorName,
					fmt.Sprintf("Invalid heart rate message: %s", f.data), err))
				continue
			}

			status.BPM = *msg.BPM
			if msg.Battery != nil {
				status.Battery = models.BatteryLevelOf(*msg.Battery)
			}
			if msg.LatestRRMs != nil {
				status.RRIntervals = []time.Duration{time.Duration(*msg.LatestRRMs) * time.Millisecond}
			}
			status.TwitchUp, status.TwitchDown = twitcher.Handle(status.BPM, status.RRIntervals)
			status.ObservedAt = time.Now()

			logger.Debug("Heart rate update", zap.Uint16("bpm", status.BPM))
			s.publish(bus.HeartRateUpdate{Status: status.Clone()})

		case <-noData.C:
			logger.Error("No HR data received", zap.Duration("timeout", s.cfg.NoDataTimeout))
			s.publishError(models.Intermittent(actorName,
				fmt.Sprintf("No HR data received in %d seconds!", int(s.cfg.NoDataTimeout.Seconds())), models.ErrNoData))
			s.publishDisconnect()
			return

		case <-ctx.Done():
			logger.Info("Closing websocket client connection")
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
			return
		}
	}
}

func (s *Server) publishDisconnect() {
	s.publish(bus.HeartRateUpdate{Status: models.HeartRateStatus{
		Battery:    models.BatteryLevelNotReported(),
		ObservedAt: time.Now(),
	}})
}

func (s *Server) publish(msg bus.Message) {
	if err := s.publisher.Publish(msg); err != nil {
		s.logger.Debug("Dropped message, bus unavailable", zap.Error(err))
	}
}

func (s *Server) publishError(e *models.ClassifiedError) {
	s.publish(bus.ErrorUpdate{Err: e})
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
