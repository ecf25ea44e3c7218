package trading

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTargetEvaluator_TakeProfitThreshold(t *testing.T) {
	evaluator := NewTargetEvaluator(fixedConfig())
	balance := decimal.NewFromInt(1000)

	assert.Equal(t, "700.00", evaluator.TakeProfitTarget(balance).StringFixed(2))

	tests := []struct {
		name     string
		profit   string
		expected Decision
	}{
		{name: "差一分未达止盈", profit: "699.99", expected: DecisionContinue},
		{name: "恰好达到止盈", profit: "700.00", expected: DecisionTakeProfitReached},
		{name: "超过止盈", profit: "812.40", expected: DecisionTakeProfitReached},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := NewSessionState("night", time.Now(), balance)
			state.SessionProfit = decimal.RequireFromString(tt.profit)
			assert.Equal(t, tt.expected, evaluator.Evaluate(state, balance))
		})
	}
}

func TestTargetEvaluator_FixedStopLossOnlyAtDeepestLevel(t *testing.T) {
	cfg := fixedConfig()
	ladder := NewStakeLadder(cfg)
	evaluator := NewTargetEvaluator(cfg)
	balance := decimal.NewFromInt(1000)

	state := NewSessionState("night", time.Now(), balance)
	for level := 0; level < cfg.MaxMartingaleLevels; level++ {
		stake, err := ladder.StakeFor(state.MartingaleLevel, balance)
		assert.NoError(t, err)
		state.RecordLoss(stake, cfg.MaxMartingaleLevels)
		assert.Equal(t, DecisionContinue, evaluator.Evaluate(state, balance), "第%d级亏损后不应止损", level)
	}

	assert.Equal(t, cfg.MaxMartingaleLevels, state.MartingaleLevel)
	stake, err := ladder.StakeFor(state.MartingaleLevel, balance)
	assert.NoError(t, err)
	state.RecordLoss(stake, cfg.MaxMartingaleLevels)

	assert.Equal(t, DecisionStopLossReached, evaluator.Evaluate(state, balance))
	assert.Equal(t, "-373.76", state.SessionProfit.StringFixed(2))
}

func TestTargetEvaluator_FixedStopLossIgnoresWinAtDeepestLevel(t *testing.T) {
	cfg := fixedConfig()
	evaluator := NewTargetEvaluator(cfg)
	balance := decimal.NewFromInt(1000)

	state := NewSessionState("night", time.Now(), balance)
	state.MartingaleLevel = cfg.MaxMartingaleLevels
	state.RecordWin(decimal.NewFromInt(180))

	assert.Equal(t, DecisionContinue, evaluator.Evaluate(state, balance))
	assert.Equal(t, 0, state.MartingaleLevel)
}

func TestTargetEvaluator_PercentStopLoss(t *testing.T) {
	cfg := fixedConfig()
	cfg.StopLossMode = StopLossPercentOfBalance
	cfg.StopLossPercent = decimal.NewFromInt(30)
	evaluator := NewTargetEvaluator(cfg)
	balance := decimal.NewFromInt(1000)

	tests := []struct {
		name     string
		profit   string
		level    int
		expected Decision
	}{
		{name: "亏损未达阈值", profit: "-299.99", level: 3, expected: DecisionContinue},
		{name: "亏损达到阈值", profit: "-300", level: 0, expected: DecisionStopLossReached},
		{name: "与马丁格尔深度无关", profit: "-450", level: 1, expected: DecisionStopLossReached},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := NewSessionState("night", time.Now(), balance)
			state.SessionProfit = decimal.RequireFromString(tt.profit)
			state.MartingaleLevel = tt.level
			assert.Equal(t, tt.expected, evaluator.Evaluate(state, balance))
		})
	}

	limit, ok := evaluator.StopLossLimit(balance)
	assert.True(t, ok)
	assert.Equal(t, "300.00", limit.StringFixed(2))
}

func TestTargetEvaluator_TakeProfitWinsTie(t *testing.T) {
	cfg := fixedConfig()
	cfg.StopLossMode = StopLossPercentOfBalance
	cfg.StopLossPercent = decimal.NewFromInt(10)
	evaluator := NewTargetEvaluator(cfg)

	// 初始余额为0时两个阈值都是0，同时满足
	state := NewSessionState("night", time.Now(), decimal.Zero)
	assert.Equal(t, DecisionTakeProfitReached, evaluator.Evaluate(state, decimal.Zero))
}
