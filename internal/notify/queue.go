package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	redisInternal "github.com/life2you_mini/sessionbot/internal/redis"
)

// Event 推送到队列的事件
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// TaskPusher 队列写入接口
type TaskPusher interface {
	PushTask(ctx context.Context, queue string, task interface{}) error
}

// QueueNotifier 把事件写入 Redis 队列，由下游服务消费
type QueueNotifier struct {
	queue TaskPusher
	name  string
	now   func() time.Time
}

// NewQueueNotifier 创建队列通知，name 为空时使用默认通知队列
func NewQueueNotifier(queue TaskPusher, name string) *QueueNotifier {
	if name == "" {
		name = redisInternal.QueueNotifications
	}
	return &QueueNotifier{queue: queue, name: name, now: time.Now}
}

// Emit 写入事件
func (n *QueueNotifier) Emit(ctx context.Context, eventType string, payload map[string]interface{}) error {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: n.now().UTC(),
	}
	if err := n.queue.PushTask(ctx, n.name, event); err != nil {
		return fmt.Errorf("写入通知队列失败: %w", err)
	}
	return nil
}
