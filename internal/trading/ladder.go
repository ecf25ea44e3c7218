package trading

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// StakeLadder 马丁格尔下注阶梯，纯计算无副作用
type StakeLadder struct {
	mode           StakeMode
	baseStake      decimal.Decimal
	balancePercent decimal.Decimal
	multiplier     decimal.Decimal
	maxLevels      int
}

// NewStakeLadder 根据交易配置创建下注阶梯
func NewStakeLadder(cfg *Config) *StakeLadder {
	return &StakeLadder{
		mode:           cfg.StakeMode,
		baseStake:      cfg.BaseStake,
		balancePercent: cfg.BalancePercent,
		multiplier:     cfg.MartingaleMultiplier,
		maxLevels:      cfg.MaxMartingaleLevels,
	}
}

// MaxLevels 最大马丁格尔级别
func (l *StakeLadder) MaxLevels() int {
	return l.maxLevels
}

// StakeFor 计算指定级别的下注金额，结果保留两位小数。
// 级别越界返回 ErrLevelOutOfRange，不做截断。
func (l *StakeLadder) StakeFor(level int, initialBalance decimal.Decimal) (decimal.Decimal, error) {
	if level < 0 || level > l.maxLevels {
		return decimal.Zero, fmt.Errorf("%w: level=%d max=%d", ErrLevelOutOfRange, level, l.maxLevels)
	}

	base := l.baseStake
	if l.mode == StakeModePercentOfBalance {
		base = initialBalance.Mul(l.balancePercent).Div(hundred)
	}

	stake := base
	for i := 0; i < level; i++ {
		stake = stake.Mul(l.multiplier)
	}
	stake = stake.Round(2)

	if !stake.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: level=%d stake=%s", ErrNonPositiveStake, level, stake.String())
	}
	return stake, nil
}

// Stakes 返回 0..max 全部级别的下注金额
func (l *StakeLadder) Stakes(initialBalance decimal.Decimal) ([]decimal.Decimal, error) {
	stakes := make([]decimal.Decimal, 0, l.maxLevels+1)
	for level := 0; level <= l.maxLevels; level++ {
		stake, err := l.StakeFor(level, initialBalance)
		if err != nil {
			return nil, err
		}
		stakes = append(stakes, stake)
	}
	return stakes, nil
}

// CumulativeLoss 阶梯全部亏损时的总亏损，即固定止损模式的止损金额
func (l *StakeLadder) CumulativeLoss(initialBalance decimal.Decimal) (decimal.Decimal, error) {
	stakes, err := l.Stakes(initialBalance)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, s := range stakes {
		total = total.Add(s)
	}
	return total, nil
}
