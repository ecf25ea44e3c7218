package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/life2you_mini/sessionbot/internal/trading"
)

// Direction 二元期权方向
type Direction string

const (
	DirectionCall Direction = "call"
	DirectionPut  Direction = "put"
)

var (
	// ErrConnection 连接失败或连接中断，可重试
	ErrConnection = errors.New("经纪商连接错误")
	// ErrTimeout 等待交易结果超时，可重试
	ErrTimeout = errors.New("经纪商请求超时")
	// ErrRejected 订单被拒绝，不重试
	ErrRejected = errors.New("订单被拒绝")
)

// Order 下单请求
type Order struct {
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Direction Direction       `json:"direction"`
	Expiry    time.Duration   `json:"expiry"`
}

// TradeResult 交易结算结果，Payout 为盈利时的净收益
type TradeResult struct {
	OrderID string          `json:"order_id"`
	Outcome trading.Outcome `json:"outcome"`
	Payout  decimal.Decimal `json:"payout"`
}

// Gateway 经纪商接口，PlaceTrade 阻塞到交易结算
type Gateway interface {
	Connect(ctx context.Context) error
	Close() error
	Balance(ctx context.Context) (decimal.Decimal, error)
	PlaceTrade(ctx context.Context, order Order) (*TradeResult, error)
}

// IsTransient 判断错误是否可重试
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
