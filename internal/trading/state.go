package trading

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionState 会话运行状态，仅由控制器修改
type SessionState struct {
	SessionType       string
	SessionStartTime  time.Time
	InitialBalance    decimal.Decimal
	SessionProfit     decimal.Decimal
	TotalTrades       int
	Wins              int
	Losses            int
	MartingaleLevel   int
	ConsecutiveLosses int
	LastOutcome       Outcome
	LastTradeLevel    int
}

// NewSessionState 开始新会话，计数全部归零
func NewSessionState(sessionType string, start time.Time, initialBalance decimal.Decimal) SessionState {
	return SessionState{
		SessionType:      sessionType,
		SessionStartTime: start,
		InitialBalance:   initialBalance,
		SessionProfit:    decimal.Zero,
	}
}

// RecordWin 记录盈利，马丁格尔级别和连亏归零
func (s *SessionState) RecordWin(payout decimal.Decimal) {
	s.LastTradeLevel = s.MartingaleLevel
	s.LastOutcome = OutcomeWin
	s.SessionProfit = s.SessionProfit.Add(payout)
	s.TotalTrades++
	s.Wins++
	s.ResetLadder()
}

// RecordLoss 记录亏损，级别加一但不超过 maxLevels
func (s *SessionState) RecordLoss(stake decimal.Decimal, maxLevels int) {
	s.LastTradeLevel = s.MartingaleLevel
	s.LastOutcome = OutcomeLoss
	s.SessionProfit = s.SessionProfit.Sub(stake)
	s.TotalTrades++
	s.Losses++
	s.ConsecutiveLosses++
	if s.MartingaleLevel < maxLevels {
		s.MartingaleLevel++
	}
}

// ResetLadder 级别和连亏归零，对已归零的状态无影响
func (s *SessionState) ResetLadder() {
	s.MartingaleLevel = 0
	s.ConsecutiveLosses = 0
}

// LadderExhausted 最深级别刚刚亏损
func (s *SessionState) LadderExhausted(maxLevels int) bool {
	return s.LastOutcome == OutcomeLoss &&
		s.LastTradeLevel == maxLevels &&
		s.MartingaleLevel == maxLevels
}
