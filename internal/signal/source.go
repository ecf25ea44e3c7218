package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/sessionbot/internal/broker"
	redisInternal "github.com/life2you_mini/sessionbot/internal/redis"
)

// Signal 交易方向信号
type Signal struct {
	Asset      string           `json:"asset"`
	Direction  broker.Direction `json:"direction"`
	Confidence float64          `json:"confidence"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Source 信号来源，当前没有信号时返回 nil
type Source interface {
	Next(ctx context.Context, asset string) (*Signal, error)
}

// FixedSource 始终给出同一方向
type FixedSource struct {
	Direction broker.Direction
}

// Next 返回固定方向
func (s FixedSource) Next(ctx context.Context, asset string) (*Signal, error) {
	return &Signal{Asset: asset, Direction: s.Direction, Confidence: 1, CreatedAt: time.Now()}, nil
}

// TaskPopper 队列读取接口
type TaskPopper interface {
	PopTask(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
}

// QueueSource 从 Redis 队列读取外部模型推送的信号
type QueueSource struct {
	queue   TaskPopper
	name    string
	wait    time.Duration
	maxAge  time.Duration
	logger  *zap.Logger
	nowFunc func() time.Time
}

// NewQueueSource 创建队列信号源；maxAge > 0 时丢弃过期信号
func NewQueueSource(queue TaskPopper, name string, wait, maxAge time.Duration, logger *zap.Logger) *QueueSource {
	if name == "" {
		name = redisInternal.QueueSignals
	}
	// BRPop 超时为0时会无限阻塞
	if wait <= 0 {
		wait = time.Second
	}
	return &QueueSource{
		queue:   queue,
		name:    name,
		wait:    wait,
		maxAge:  maxAge,
		logger:  logger.With(zap.String("component", "signal_queue")),
		nowFunc: time.Now,
	}
}

// Next 阻塞最多 wait 时长读取一条信号；格式错误、资产不符或过期的信号被丢弃
func (s *QueueSource) Next(ctx context.Context, asset string) (*Signal, error) {
	data, err := s.queue.PopTask(ctx, s.name, s.wait)
	if err != nil {
		return nil, fmt.Errorf("读取信号队列失败: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		s.logger.Warn("丢弃格式错误的信号", zap.ByteString("data", data), zap.Error(err))
		return nil, nil
	}

	sig.Direction = broker.Direction(strings.ToLower(string(sig.Direction)))
	if sig.Direction != broker.DirectionCall && sig.Direction != broker.DirectionPut {
		s.logger.Warn("丢弃方向无效的信号", zap.String("direction", string(sig.Direction)))
		return nil, nil
	}
	if sig.Asset != "" && !strings.EqualFold(sig.Asset, asset) {
		s.logger.Debug("丢弃其他资产的信号", zap.String("asset", sig.Asset))
		return nil, nil
	}
	if s.maxAge > 0 && !sig.CreatedAt.IsZero() && s.nowFunc().Sub(sig.CreatedAt) > s.maxAge {
		s.logger.Debug("丢弃过期信号", zap.Time("created_at", sig.CreatedAt))
		return nil, nil
	}

	sig.Asset = asset
	return &sig, nil
}
