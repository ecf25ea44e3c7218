package trading

import (
	"github.com/shopspring/decimal"
)

// Decision 目标评估结果
type Decision string

const (
	DecisionContinue          Decision = "continue"
	DecisionTakeProfitReached Decision = "take_profit_reached"
	DecisionStopLossReached   Decision = "stop_loss_reached"
)

// TargetEvaluator 止盈止损判断，纯函数
type TargetEvaluator struct {
	takeProfitPercent decimal.Decimal
	stopLossMode      StopLossMode
	stopLossPercent   decimal.Decimal
	maxLevels         int
}

// NewTargetEvaluator 创建目标评估器
func NewTargetEvaluator(cfg *Config) *TargetEvaluator {
	return &TargetEvaluator{
		takeProfitPercent: cfg.TakeProfitPercent,
		stopLossMode:      cfg.StopLossMode,
		stopLossPercent:   cfg.StopLossPercent,
		maxLevels:         cfg.MaxMartingaleLevels,
	}
}

// TakeProfitTarget 止盈金额
func (e *TargetEvaluator) TakeProfitTarget(initialBalance decimal.Decimal) decimal.Decimal {
	return initialBalance.Mul(e.takeProfitPercent).Div(hundred).Round(2)
}

// StopLossLimit 百分比止损模式下的最大亏损金额，固定模式返回 false
func (e *TargetEvaluator) StopLossLimit(initialBalance decimal.Decimal) (decimal.Decimal, bool) {
	if e.stopLossMode != StopLossPercentOfBalance {
		return decimal.Zero, false
	}
	return initialBalance.Mul(e.stopLossPercent).Div(hundred).Round(2), true
}

// Evaluate 每笔交易结算后调用。先判断止盈，再判断止损，同时满足时止盈优先。
func (e *TargetEvaluator) Evaluate(state SessionState, initialBalance decimal.Decimal) Decision {
	if state.SessionProfit.GreaterThanOrEqual(e.TakeProfitTarget(initialBalance)) {
		return DecisionTakeProfitReached
	}

	switch e.stopLossMode {
	case StopLossFixedAfterMartingale:
		if state.LadderExhausted(e.maxLevels) {
			return DecisionStopLossReached
		}
	case StopLossPercentOfBalance:
		limit, _ := e.StopLossLimit(initialBalance)
		if state.SessionProfit.LessThanOrEqual(limit.Neg()) {
			return DecisionStopLossReached
		}
	}

	return DecisionContinue
}
