package trading

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// RecordSchemaVersion 会话目标记录的字段版本，字段变更时递增
const RecordSchemaVersion = 1

// DateLayout 记录日期格式
const DateLayout = "2006-01-02"

// 记录字段名，持久化层只使用这里列出的名称
const (
	FieldSchemaVersion     = "schema_version"
	FieldUserID            = "user_id"
	FieldDate              = "date"
	FieldSessionType       = "session_type"
	FieldTakeProfitReached = "take_profit_reached"
	FieldStopLossReached   = "stop_loss_reached"
	FieldTargetReachedAt   = "target_reached_at"
	FieldSessionStart      = "session_start"
	FieldSessionEnd        = "session_end"
	FieldProfit            = "profit"
	FieldTradesCount       = "trades_count"
)

// RecordFields 第1版字段列表
var RecordFields = []string{
	FieldSchemaVersion,
	FieldUserID,
	FieldDate,
	FieldSessionType,
	FieldTakeProfitReached,
	FieldStopLossReached,
	FieldTargetReachedAt,
	FieldSessionStart,
	FieldSessionEnd,
	FieldProfit,
	FieldTradesCount,
}

// ErrInvalidRecord 记录校验失败
var ErrInvalidRecord = errors.New("会话目标记录无效")

// RecordKey 记录唯一键
type RecordKey struct {
	UserID      string
	Date        string
	SessionType string
}

func (k RecordKey) String() string {
	return k.UserID + ":" + k.Date + ":" + k.SessionType
}

// SessionTargetRecord 会话命中目标时持久化的快照
type SessionTargetRecord struct {
	SchemaVersion     int
	UserID            string
	Date              string
	SessionType       string
	TakeProfitReached bool
	StopLossReached   bool
	TargetReachedAt   *time.Time
	SessionStart      time.Time
	SessionEnd        *time.Time
	Profit            decimal.Decimal
	TradesCount       int
}

// NewTargetRecord 根据终态快照生成记录
func NewTargetRecord(userID string, state SessionState, decision Decision, reachedAt time.Time) SessionTargetRecord {
	at := reachedAt
	return SessionTargetRecord{
		SchemaVersion:     RecordSchemaVersion,
		UserID:            userID,
		Date:              state.SessionStartTime.Format(DateLayout),
		SessionType:       state.SessionType,
		TakeProfitReached: decision == DecisionTakeProfitReached,
		StopLossReached:   decision == DecisionStopLossReached,
		TargetReachedAt:   &at,
		SessionStart:      state.SessionStartTime,
		Profit:            state.SessionProfit,
		TradesCount:       state.TotalTrades,
	}
}

// Key 记录唯一键
func (r *SessionTargetRecord) Key() RecordKey {
	return RecordKey{UserID: r.UserID, Date: r.Date, SessionType: r.SessionType}
}

// Validate 在持久化边界校验记录
func (r *SessionTargetRecord) Validate() error {
	switch {
	case r.SchemaVersion != RecordSchemaVersion:
		return fmt.Errorf("%w: 不支持的版本 %d", ErrInvalidRecord, r.SchemaVersion)
	case r.UserID == "":
		return fmt.Errorf("%w: user_id 为空", ErrInvalidRecord)
	case r.SessionType == "":
		return fmt.Errorf("%w: session_type 为空", ErrInvalidRecord)
	case r.TakeProfitReached && r.StopLossReached:
		return fmt.Errorf("%w: 止盈和止损不能同时为真", ErrInvalidRecord)
	case r.SessionStart.IsZero():
		return fmt.Errorf("%w: session_start 为空", ErrInvalidRecord)
	}
	if _, err := time.Parse(DateLayout, r.Date); err != nil {
		return fmt.Errorf("%w: 日期格式错误 %q", ErrInvalidRecord, r.Date)
	}
	return nil
}

// ToFields 按版本字段列表序列化，时间使用 RFC3339Nano，空值为 ""
func (r *SessionTargetRecord) ToFields() map[string]string {
	return map[string]string{
		FieldSchemaVersion:     strconv.Itoa(r.SchemaVersion),
		FieldUserID:            r.UserID,
		FieldDate:              r.Date,
		FieldSessionType:       r.SessionType,
		FieldTakeProfitReached: strconv.FormatBool(r.TakeProfitReached),
		FieldStopLossReached:   strconv.FormatBool(r.StopLossReached),
		FieldTargetReachedAt:   formatOptionalTime(r.TargetReachedAt),
		FieldSessionStart:      r.SessionStart.Format(time.RFC3339Nano),
		FieldSessionEnd:        formatOptionalTime(r.SessionEnd),
		FieldProfit:            r.Profit.String(),
		FieldTradesCount:       strconv.Itoa(r.TradesCount),
	}
}

// RecordFromFields 从字段表还原记录，缺少任何字段视为错误
func RecordFromFields(fields map[string]string) (*SessionTargetRecord, error) {
	for _, name := range RecordFields {
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("%w: 缺少字段 %s", ErrInvalidRecord, name)
		}
	}

	version, err := strconv.Atoi(fields[FieldSchemaVersion])
	if err != nil {
		return nil, fmt.Errorf("%w: schema_version: %v", ErrInvalidRecord, err)
	}
	tp, err := strconv.ParseBool(fields[FieldTakeProfitReached])
	if err != nil {
		return nil, fmt.Errorf("%w: take_profit_reached: %v", ErrInvalidRecord, err)
	}
	sl, err := strconv.ParseBool(fields[FieldStopLossReached])
	if err != nil {
		return nil, fmt.Errorf("%w: stop_loss_reached: %v", ErrInvalidRecord, err)
	}
	reachedAt, err := parseOptionalTime(fields[FieldTargetReachedAt])
	if err != nil {
		return nil, fmt.Errorf("%w: target_reached_at: %v", ErrInvalidRecord, err)
	}
	start, err := time.Parse(time.RFC3339Nano, fields[FieldSessionStart])
	if err != nil {
		return nil, fmt.Errorf("%w: session_start: %v", ErrInvalidRecord, err)
	}
	end, err := parseOptionalTime(fields[FieldSessionEnd])
	if err != nil {
		return nil, fmt.Errorf("%w: session_end: %v", ErrInvalidRecord, err)
	}
	profit, err := decimal.NewFromString(fields[FieldProfit])
	if err != nil {
		return nil, fmt.Errorf("%w: profit: %v", ErrInvalidRecord, err)
	}
	trades, err := strconv.Atoi(fields[FieldTradesCount])
	if err != nil {
		return nil, fmt.Errorf("%w: trades_count: %v", ErrInvalidRecord, err)
	}

	record := &SessionTargetRecord{
		SchemaVersion:     version,
		UserID:            fields[FieldUserID],
		Date:              fields[FieldDate],
		SessionType:       fields[FieldSessionType],
		TakeProfitReached: tp,
		StopLossReached:   sl,
		TargetReachedAt:   reachedAt,
		SessionStart:      start,
		SessionEnd:        end,
		Profit:            profit,
		TradesCount:       trades,
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return record, nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
