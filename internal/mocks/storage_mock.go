package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/sessionbot/internal/trading"
)

// MockTargetStore 会话目标存储的模拟实现
type MockTargetStore struct {
	mock.Mock
}

// UpsertSessionTarget 写入记录的模拟实现
func (m *MockTargetStore) UpsertSessionTarget(ctx context.Context, record *trading.SessionTargetRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

// MarkSessionEnd 写入结束时间的模拟实现
func (m *MockTargetStore) MarkSessionEnd(ctx context.Context, key trading.RecordKey, end time.Time) error {
	args := m.Called(ctx, key, end)
	return args.Error(0)
}

// GetSessionTarget 读取记录的模拟实现
func (m *MockTargetStore) GetSessionTarget(ctx context.Context, key trading.RecordKey) (*trading.SessionTargetRecord, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*trading.SessionTargetRecord), args.Error(1)
}

// ListSessionTargets 列出记录的模拟实现
func (m *MockTargetStore) ListSessionTargets(ctx context.Context, userID, date string) ([]*trading.SessionTargetRecord, error) {
	args := m.Called(ctx, userID, date)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*trading.SessionTargetRecord), args.Error(1)
}

// Close 关闭的模拟实现
func (m *MockTargetStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockSessionLock 会话锁的模拟实现
type MockSessionLock struct {
	mock.Mock
}

// Acquire 获取锁的模拟实现
func (m *MockSessionLock) Acquire(ctx context.Context, userID, token string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, userID, token, ttl)
	return args.Bool(0), args.Error(1)
}

// Refresh 续期锁的模拟实现
func (m *MockSessionLock) Refresh(ctx context.Context, userID, token string, ttl time.Duration) error {
	args := m.Called(ctx, userID, token, ttl)
	return args.Error(0)
}

// Release 释放锁的模拟实现
func (m *MockSessionLock) Release(ctx context.Context, userID, token string) error {
	args := m.Called(ctx, userID, token)
	return args.Error(0)
}
