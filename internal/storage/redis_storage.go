package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	redisInternal "github.com/life2you_mini/sessionbot/internal/redis"
	"github.com/life2you_mini/sessionbot/internal/trading"
)

// Redis 键前缀常量
const (
	keySessionTargetPrefix = "session_target:"
	keySessionTargetIndex  = "session_target:index:"
	keySessionLockPrefix   = "lock:session:"

	// 过期时间
	expirySessionTarget = 180 * 24 * time.Hour
)

// 记录存在时才写入 session_end
var markSessionEndScript = redis.NewScript(`
if redis.call("exists", KEYS[1]) == 1 then
	redis.call("hset", KEYS[1], ARGV[1], ARGV[2])
	return 1
else
	return 0
end`)

// RedisStorage Redis存储实现，每条记录一个哈希，按用户和日期维护索引集合
type RedisStorage struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisStorage 创建Redis存储
func NewRedisStorage(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "redis_storage")),
	}
}

func (s *RedisStorage) recordKey(key trading.RecordKey) string {
	return s.keyPrefix + keySessionTargetPrefix + key.String()
}

func (s *RedisStorage) indexKey(userID, date string) string {
	return s.keyPrefix + keySessionTargetIndex + userID + ":" + date
}

func (s *RedisStorage) lockKey(userID string) string {
	return s.keyPrefix + keySessionLockPrefix + userID
}

// UpsertSessionTarget 幂等写入会话目标记录
func (s *RedisStorage) UpsertSessionTarget(ctx context.Context, record *trading.SessionTargetRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	key := s.recordKey(record.Key())
	fields := record.ToFields()
	sessionEnd := fields[trading.FieldSessionEnd]
	delete(fields, trading.FieldSessionEnd)

	values := make([]interface{}, 0, len(fields)*2)
	for _, name := range trading.RecordFields {
		if v, ok := fields[name]; ok {
			values = append(values, name, v)
		}
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values...)
		if sessionEnd != "" {
			pipe.HSet(ctx, key, trading.FieldSessionEnd, sessionEnd)
		} else {
			pipe.HSetNX(ctx, key, trading.FieldSessionEnd, "")
		}
		pipe.Expire(ctx, key, expirySessionTarget)

		indexKey := s.indexKey(record.UserID, record.Date)
		pipe.SAdd(ctx, indexKey, record.SessionType)
		pipe.Expire(ctx, indexKey, expirySessionTarget)
		return nil
	})
	if err != nil {
		return fmt.Errorf("保存会话目标记录失败: %w", err)
	}

	s.logger.Debug("会话目标记录已保存", zap.String("key", key))
	return nil
}

// MarkSessionEnd 写入会话结束时间
func (s *RedisStorage) MarkSessionEnd(ctx context.Context, key trading.RecordKey, end time.Time) error {
	result, err := markSessionEndScript.Run(ctx, s.client,
		[]string{s.recordKey(key)},
		trading.FieldSessionEnd, end.Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return fmt.Errorf("写入会话结束时间失败: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// GetSessionTarget 读取单条记录
func (s *RedisStorage) GetSessionTarget(ctx context.Context, key trading.RecordKey) (*trading.SessionTargetRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取会话目标记录失败: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return trading.RecordFromFields(fields)
}

// ListSessionTargets 列出用户某天的全部记录，按会话名排序
func (s *RedisStorage) ListSessionTargets(ctx context.Context, userID, date string) ([]*trading.SessionTargetRecord, error) {
	sessionTypes, err := s.client.SMembers(ctx, s.indexKey(userID, date)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取会话索引失败: %w", err)
	}
	sort.Strings(sessionTypes)

	records := make([]*trading.SessionTargetRecord, 0, len(sessionTypes))
	for _, sessionType := range sessionTypes {
		record, err := s.GetSessionTarget(ctx, trading.RecordKey{UserID: userID, Date: date, SessionType: sessionType})
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Acquire 获取用户会话锁
func (s *RedisStorage) Acquire(ctx context.Context, userID, token string, ttl time.Duration) (bool, error) {
	return redisInternal.CreateLock(ctx, s.client, s.lockKey(userID), token, ttl)
}

// Refresh 续期用户会话锁
func (s *RedisStorage) Refresh(ctx context.Context, userID, token string, ttl time.Duration) error {
	ok, err := redisInternal.RefreshLock(ctx, s.client, s.lockKey(userID), token, ttl)
	if err != nil {
		return fmt.Errorf("续期会话锁失败: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: 锁已失效 user=%s", ErrLockHeld, userID)
	}
	return nil
}

// Release 释放用户会话锁
func (s *RedisStorage) Release(ctx context.Context, userID, token string) error {
	if _, err := redisInternal.ReleaseLock(ctx, s.client, s.lockKey(userID), token); err != nil {
		return fmt.Errorf("释放会话锁失败: %w", err)
	}
	return nil
}

// Close 关闭Redis连接
func (s *RedisStorage) Close() error {
	if err := s.client.Close(); err != nil {
		s.logger.Error("关闭Redis连接失败", zap.Error(err))
		return fmt.Errorf("关闭Redis连接失败: %w", err)
	}
	s.logger.Info("Redis连接已关闭")
	return nil
}
