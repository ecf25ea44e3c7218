package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/life2you_mini/sessionbot/internal/trading"
)

// PaperConfig 模拟经纪商参数
type PaperConfig struct {
	InitialBalance decimal.Decimal
	WinRate        float64         // 0..1
	PayoutPercent  decimal.Decimal // 盈利时收益占下注金额的百分比
	Seed           int64
	// SettleDelay 为0时立即结算，否则等待该时长（不超过订单到期时间）
	SettleDelay time.Duration
}

// PaperBroker 本地模拟经纪商，用于演练和测试
type PaperBroker struct {
	cfg       PaperConfig
	logger    *zap.Logger
	mu        sync.Mutex
	rng       *rand.Rand
	balance   decimal.Decimal
	connected bool
}

// NewPaperBroker 创建模拟经纪商
func NewPaperBroker(cfg PaperConfig, logger *zap.Logger) *PaperBroker {
	return &PaperBroker{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "paper_broker")),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		balance: cfg.InitialBalance,
	}
}

// Connect 建立模拟连接
func (b *PaperBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	b.logger.Info("模拟经纪商已连接", zap.String("balance", b.balance.String()))
	return nil
}

// Close 断开模拟连接
func (b *PaperBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

// Balance 当前余额
func (b *PaperBroker) Balance(ctx context.Context) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return decimal.Zero, fmt.Errorf("%w: 未连接", ErrConnection)
	}
	return b.balance, nil
}

// PlaceTrade 按胜率随机结算
func (b *PaperBroker) PlaceTrade(ctx context.Context, order Order) (*TradeResult, error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: 未连接", ErrConnection)
	}
	if order.Amount.GreaterThan(b.balance) {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: 余额不足 amount=%s balance=%s", ErrRejected, order.Amount, b.balance)
	}
	b.balance = b.balance.Sub(order.Amount)
	win := b.rng.Float64() < b.cfg.WinRate
	b.mu.Unlock()

	if delay := b.settleDelay(order); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			// 未结算的订单视为撤单，退回下注金额
			b.mu.Lock()
			b.balance = b.balance.Add(order.Amount)
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
	}

	result := &TradeResult{OrderID: uuid.NewString(), Outcome: trading.OutcomeLoss, Payout: decimal.Zero}
	if win {
		result.Outcome = trading.OutcomeWin
		result.Payout = order.Amount.Mul(b.cfg.PayoutPercent).Div(decimal.NewFromInt(100)).Round(2)
	}

	b.mu.Lock()
	if win {
		b.balance = b.balance.Add(order.Amount).Add(result.Payout)
	}
	b.mu.Unlock()

	b.logger.Debug("模拟交易结算",
		zap.String("order_id", result.OrderID),
		zap.String("asset", order.Asset),
		zap.String("direction", string(order.Direction)),
		zap.String("amount", order.Amount.String()),
		zap.String("outcome", string(result.Outcome)),
		zap.String("payout", result.Payout.String()))

	return result, nil
}

func (b *PaperBroker) settleDelay(order Order) time.Duration {
	delay := b.cfg.SettleDelay
	if order.Expiry > 0 && delay > order.Expiry {
		delay = order.Expiry
	}
	return delay
}
