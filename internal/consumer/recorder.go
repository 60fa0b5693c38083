package consumer

import (
	"context"
	"time"

	"owl-heartrate/internal/bus"
	"owl-heartrate/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionStore 会话与样本存储（repository.SampleRepository 满足该接口）
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.HeartRateSession) error
	InsertSample(ctx context.Context, sample *models.HeartRateSample) error
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error
	GetSessionStats(ctx context.Context, sessionID string) (*models.SessionStats, error)
}

// SessionRecorder 将有效读数记录到 PostgreSQL
// 首个 bpm>0 时开启会话，bpm=0 不结束会话，退出时结束
type SessionRecorder struct {
	store    SessionStore
	source   string
	activity uint8
	logger   *zap.Logger

	sessionID string
	now       func() time.Time
}

// NewSessionRecorder 创建会话记录器
func NewSessionRecorder(store SessionStore, source string, initialActivity uint8, logger *zap.Logger) *SessionRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRecorder{
		store:    store,
		source:   source,
		activity: initialActivity,
		logger:   logger,
		now:      time.Now,
	}
}

// SessionID 当前会话 ID，未开启时为空
func (r *SessionRecorder) SessionID() string {
	return r.sessionID
}

// Run 订阅总线，退出时结束会话
func (r *SessionRecorder) Run(ctx context.Context, sub *bus.Subscriber) {
	bus.Consume(ctx, sub, r.logger, r)

	closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r.Close(closeCtx)
}

// Handle 实现 bus.Handler
func (r *SessionRecorder) Handle(ctx context.Context, msg bus.Message) {
	switch m := msg.(type) {
	case bus.ActivitySelected:
		r.activity = m.Index
		r.logger.Info("Activity selected", zap.Uint8("activity", m.Index))

	case bus.HeartRateUpdate:
		if m.Status.BPM == 0 {
			return
		}
		if r.sessionID == "" && !r.open(ctx, m.Status) {
			return
		}
		sample := models.NewHeartRateSample(r.sessionID, m.Status, r.activity)
		if err := r.store.InsertSample(ctx, sample); err != nil {
			r.logger.Error("Failed to record heart rate sample",
				zap.String("session_id", r.sessionID),
				zap.Error(err),
			)
		}
	}
}

func (r *SessionRecorder) open(ctx context.Context, status models.HeartRateStatus) bool {
	started := status.ObservedAt
	if started.IsZero() {
		started = r.now()
	}
	session := &models.HeartRateSession{
		SessionID: uuid.NewString(),
		Source:    r.source,
		StartedAt: started,
	}
	if err := r.store.CreateSession(ctx, session); err != nil {
		r.logger.Error("Failed to create heart rate session", zap.Error(err))
		return false
	}
	r.sessionID = session.SessionID
	r.logger.Info("Heart rate session started",
		zap.String("session_id", r.sessionID),
		zap.String("source", r.source),
	)
	return true
}

// Close 结束当前会话并输出统计
func (r *SessionRecorder) Close(ctx context.Context) {
	if r.sessionID == "" {
		return
	}
	sessionID := r.sessionID
	r.sessionID = ""

	if err := r.store.EndSession(ctx, sessionID, r.now()); err != nil {
		r.logger.Error("Failed to end heart rate session", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	stats, err := r.store.GetSessionStats(ctx, sessionID)
	if err != nil {
		r.logger.Warn("Failed to read session stats", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	r.logger.Info("Heart rate session ended",
		zap.String("session_id", sessionID),
		zap.Int64("samples", stats.Samples),
		zap.Int64("min_bpm", stats.MinBPM),
		zap.Int64("max_bpm", stats.MaxBPM),
		zap.Float64("avg_bpm", stats.AvgBPM),
	)
}
