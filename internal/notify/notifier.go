package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// 事件类型
const (
	EventSessionStarted    = "session_started"
	EventTakeProfitReached = "take_profit_reached"
	EventStopLossReached   = "stop_loss_reached"
	EventSessionPaused     = "session_paused"
	EventSessionResumed    = "session_resumed"
	EventSessionStopped    = "session_stopped"
	EventTradeFailed       = "trade_failed"
)

// Notifier 通知网关
type Notifier interface {
	Emit(ctx context.Context, eventType string, payload map[string]interface{}) error
}

// Multi 向多个通知渠道广播，单个渠道失败不影响其他渠道
type Multi []Notifier

// Emit 依次发送，返回合并后的错误
func (m Multi) Emit(ctx context.Context, eventType string, payload map[string]interface{}) error {
	var errs []error
	for _, n := range m {
		if err := n.Emit(ctx, eventType, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 只写日志，未配置任何通知渠道时使用
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志通知
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(zap.String("component", "notifier"))}
}

// Emit 记录事件
func (n *LogNotifier) Emit(ctx context.Context, eventType string, payload map[string]interface{}) error {
	n.logger.Info("会话事件", zap.String("event", eventType), zap.Any("payload", payload))
	return nil
}
