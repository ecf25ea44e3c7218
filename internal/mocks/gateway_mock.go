package mocks

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/sessionbot/internal/broker"
	"github.com/life2you_mini/sessionbot/internal/signal"
)

// MockGateway 经纪商接口的模拟实现
type MockGateway struct {
	mock.Mock
}

// Connect 连接的模拟实现
func (m *MockGateway) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Close 断开的模拟实现
func (m *MockGateway) Close() error {
	args := m.Called()
	return args.Error(0)
}

// Balance 获取余额的模拟实现
func (m *MockGateway) Balance(ctx context.Context) (decimal.Decimal, error) {
	args := m.Called(ctx)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

// PlaceTrade 下单的模拟实现
func (m *MockGateway) PlaceTrade(ctx context.Context, order broker.Order) (*broker.TradeResult, error) {
	args := m.Called(ctx, order)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.TradeResult), args.Error(1)
}

// MockNotifier 通知网关的模拟实现
type MockNotifier struct {
	mock.Mock
}

// Emit 发送事件的模拟实现
func (m *MockNotifier) Emit(ctx context.Context, eventType string, payload map[string]interface{}) error {
	args := m.Called(ctx, eventType, payload)
	return args.Error(0)
}

// MockSignalSource 信号源的模拟实现
type MockSignalSource struct {
	mock.Mock
}

// Next 获取信号的模拟实现
func (m *MockSignalSource) Next(ctx context.Context, asset string) (*signal.Signal, error) {
	args := m.Called(ctx, asset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*signal.Signal), args.Error(1)
}
