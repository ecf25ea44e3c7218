package storage

import (
	"context"
	"errors"
	"time"

	"github.com/life2you_mini/sessionbot/internal/trading"
)

// 存储类型常量
const (
	StorageTypeRedis    = "redis"
	StorageTypePostgres = "postgres"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("记录不存在")
	// ErrLockHeld 同一用户已有会话持有锁
	ErrLockHeld = errors.New("会话锁已被占用")
)

// TargetStore 会话目标记录存储，按 (user, date, session_type) 幂等写入
type TargetStore interface {
	// UpsertSessionTarget 写入或覆盖记录，已存在的 session_end 保持不变
	UpsertSessionTarget(ctx context.Context, record *trading.SessionTargetRecord) error
	// MarkSessionEnd 只设置 session_end，记录不存在时返回 ErrNotFound
	MarkSessionEnd(ctx context.Context, key trading.RecordKey, end time.Time) error
	GetSessionTarget(ctx context.Context, key trading.RecordKey) (*trading.SessionTargetRecord, error)
	ListSessionTargets(ctx context.Context, userID, date string) ([]*trading.SessionTargetRecord, error)
	Close() error
}

// SessionLock 按用户互斥的会话锁
type SessionLock interface {
	Acquire(ctx context.Context, userID, token string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, userID, token string, ttl time.Duration) error
	Release(ctx context.Context, userID, token string) error
}
