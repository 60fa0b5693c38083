package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"owl-heartrate/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// SampleRepository 心率会话与样本仓库
type SampleRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSampleRepository 创建心率样本仓库
func NewSampleRepository(db *sql.DB, logger *zap.Logger) *SampleRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SampleRepository{
		db:     db,
		logger: logger,
	}
}

const schema = `
	CREATE TABLE IF NOT EXISTS heart_rate_sessions (
		session_id UUID PRIMARY KEY,
		source     TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at   TIMESTAMPTZ
	);
	CREATE TABLE IF NOT EXISTS heart_rate_samples (
		id              BIGSERIAL PRIMARY KEY,
		session_id      UUID NOT NULL REFERENCES heart_rate_sessions(session_id),
		bpm             INTEGER NOT NULL,
		rr_intervals_ms BIGINT[] NOT NULL DEFAULT '{}',
		battery         SMALLINT,
		twitch_up       BOOLEAN NOT NULL DEFAULT FALSE,
		twitch_down     BOOLEAN NOT NULL DEFAULT FALSE,
		activity        SMALLINT NOT NULL DEFAULT 0,
		observed_at     TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_heart_rate_samples_session ON heart_rate_samples(session_id, observed_at);
`

// EnsureSchema 创建表（如不存在）
func (r *SampleRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create heart rate schema: %w", err)
	}
	return nil
}

// CreateSession 创建会话
func (r *SampleRepository) CreateSession(ctx context.Context, session *models.HeartRateSession) error {
	query := `
		INSERT INTO heart_rate_sessions (session_id, source, started_at)
		VALUES ($1, $2, $3)
	`
	if _, err := r.db.ExecContext(ctx, query, session.SessionID, session.Source, session.StartedAt); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	r.logger.Debug("Created heart rate session",
		zap.String("session_id", session.SessionID),
		zap.String("source", session.Source),
	)
	return nil
}

// InsertSample 写入样本
func (r *SampleRepository) InsertSample(ctx context.Context, sample *models.HeartRateSample) error {
	query := `
		INSERT INTO heart_rate_samples (
			session_id, bpm, rr_intervals_ms, battery, twitch_up, twitch_down, activity, observed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	var battery sql.NullInt64
	if sample.Battery != nil {
		battery = sql.NullInt64{Int64: int64(*sample.Battery), Valid: true}
	}
	rr := sample.RRIntervalMs
	if rr == nil {
		rr = []int64{}
	}

	_, err := r.db.ExecContext(ctx, query,
		sample.SessionID,
		int64(sample.BPM),
		pq.Array(rr),
		battery,
		sample.TwitchUp,
		sample.TwitchDown,
		int64(sample.Activity),
		sample.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert heart rate sample: %w", err)
	}
	return nil
}

// EndSession 结束会话
func (r *SampleRepository) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	query := `
		UPDATE heart_rate_sessions
		SET ended_at = $2
		WHERE session_id = $1 AND ended_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, sessionID, endedAt)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session not found or already ended: %s", sessionID)
	}
	return nil
}

// GetSessionStats 会话统计
func (r *SampleRepository) GetSessionStats(ctx context.Context, sessionID string) (*models.SessionStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(MIN(bpm), 0),
			COALESCE(MAX(bpm), 0),
			COALESCE(AVG(bpm), 0)
		FROM heart_rate_samples
		WHERE session_id = $1
	`

	stats := &models.SessionStats{}
	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(
		&stats.Samples,
		&stats.MinBPM,
		&stats.MaxBPM,
		&stats.AvgBPM,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return stats, nil
		}
		return nil, fmt.Errorf("failed to query session stats: %w", err)
	}
	return stats, nil
}
