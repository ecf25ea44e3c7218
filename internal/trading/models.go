package trading

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StakeMode 下注金额计算方式
type StakeMode string

const (
	StakeModeFixed            StakeMode = "fixed"
	StakeModePercentOfBalance StakeMode = "percent_of_balance"
)

// StopLossMode 止损模式，两种模式互斥
type StopLossMode string

const (
	// StopLossFixedAfterMartingale 马丁格尔阶梯打满后亏损即止损
	StopLossFixedAfterMartingale StopLossMode = "fixed_after_martingale_depth"
	// StopLossPercentOfBalance 亏损达到初始余额的百分比即止损
	StopLossPercentOfBalance StopLossMode = "percent_of_balance"
)

// RunState 控制器运行状态
type RunState string

const (
	RunStateIdle    RunState = "idle"
	RunStateRunning RunState = "running"
	RunStatePaused  RunState = "paused"
	RunStateStopped RunState = "stopped"
)

// Outcome 单笔交易结果
type Outcome string

const (
	OutcomeNone Outcome = ""
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
)

// ManualSessionType 非自动模式下会话记录使用的会话名
const ManualSessionType = "manual"

// TimeOfDay 一天中的时刻，以距零点的偏移表示
type TimeOfDay time.Duration

// ParseTimeOfDay 解析 HH:MM 或 HH:MM:SS
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04", "15:04:05"} {
		t, err := time.Parse(layout, s)
		if err == nil {
			d := time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second
			return TimeOfDay(d), nil
		}
	}
	return 0, fmt.Errorf("无效的时刻格式 %q，应为 HH:MM", s)
}

// MustTimeOfDay 仅用于常量和测试
func MustTimeOfDay(s string) TimeOfDay {
	tod, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return tod
}

// Of 返回 t 当天零点起算的时刻
func Of(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second +
		time.Duration(t.Nanosecond())
	return TimeOfDay(d)
}

// Hour 小时部分
func (t TimeOfDay) Hour() int { return int(time.Duration(t) / time.Hour) }

// Minute 分钟部分
func (t TimeOfDay) Minute() int { return int(time.Duration(t)%time.Hour) / int(time.Minute) }

// Second 秒部分
func (t TimeOfDay) Second() int { return int(time.Duration(t)%time.Minute) / int(time.Second) }

// On 返回 day 所在日期的该时刻
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), 0, day.Location())
}

func (t TimeOfDay) String() string {
	if t.Second() != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", t.Hour(), t.Minute(), t.Second())
	}
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// SessionWindow 命名的交易时段，Start > End 表示跨越午夜
type SessionWindow struct {
	Name    string
	Enabled bool
	Start   TimeOfDay
	End     TimeOfDay
}

// Contains 判断时刻是否落在 [Start, End) 内
func (w SessionWindow) Contains(tod TimeOfDay) bool {
	switch {
	case w.Start < w.End:
		return tod >= w.Start && tod < w.End
	case w.Start > w.End:
		return tod >= w.Start || tod < w.End
	default:
		return false
	}
}

// CrossesMidnight 时段是否跨越午夜
func (w SessionWindow) CrossesMidnight() bool {
	return w.Start > w.End
}

// Config 已解析的交易配置，单次运行内只读
type Config struct {
	Version              int
	UserID               string
	Asset                string
	Expiry               time.Duration
	StakeMode            StakeMode
	BaseStake            decimal.Decimal
	BalancePercent       decimal.Decimal
	MartingaleMultiplier decimal.Decimal
	MaxMartingaleLevels  int
	TakeProfitPercent    decimal.Decimal
	StopLossMode         StopLossMode
	StopLossPercent      decimal.Decimal
	AutoMode             bool
	ContinuousMode       bool
	KeepConnection       bool
	SessionWindows       []SessionWindow
}

var (
	// ErrInvalidTradingConfig 交易配置不满足不变量
	ErrInvalidTradingConfig = errors.New("交易配置无效")
	// ErrLevelOutOfRange 请求的马丁格尔级别超出范围，属于程序错误
	ErrLevelOutOfRange = errors.New("马丁格尔级别超出范围")
	// ErrNonPositiveStake 计算出的下注金额不为正
	ErrNonPositiveStake = errors.New("下注金额必须大于0")
)

var hundred = decimal.NewFromInt(100)

// Validate 校验配置不变量
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidTradingConfig, fmt.Sprintf(format, args...))
	}

	switch c.StakeMode {
	case StakeModeFixed:
		if !c.BaseStake.IsPositive() {
			return invalid("固定下注金额必须大于0")
		}
	case StakeModePercentOfBalance:
		if !c.BalancePercent.IsPositive() || c.BalancePercent.GreaterThan(hundred) {
			return invalid("余额百分比必须在0到100之间")
		}
	default:
		return invalid("未知的下注模式 %q", c.StakeMode)
	}

	if c.MartingaleMultiplier.LessThanOrEqual(decimal.NewFromInt(1)) {
		return invalid("马丁格尔倍数必须大于1")
	}
	if c.MaxMartingaleLevels < 0 {
		return invalid("马丁格尔最大级别不能为负")
	}
	if !c.TakeProfitPercent.IsPositive() || c.TakeProfitPercent.GreaterThan(hundred) {
		return invalid("止盈百分比必须在0到100之间")
	}

	switch c.StopLossMode {
	case StopLossFixedAfterMartingale:
		if !c.StopLossPercent.IsZero() {
			return invalid("固定止损模式下不能同时配置止损百分比")
		}
	case StopLossPercentOfBalance:
		if !c.StopLossPercent.IsPositive() || c.StopLossPercent.GreaterThan(hundred) {
			return invalid("止损百分比必须在0到100之间")
		}
	default:
		return invalid("未知的止损模式 %q", c.StopLossMode)
	}

	names := make(map[string]struct{}, len(c.SessionWindows))
	enabled := 0
	for _, w := range c.SessionWindows {
		if w.Name == "" {
			return invalid("交易时段名称不能为空")
		}
		if _, dup := names[w.Name]; dup {
			return invalid("交易时段名称重复: %s", w.Name)
		}
		names[w.Name] = struct{}{}
		if w.Start == w.End {
			return invalid("交易时段 %s 的开始和结束时间相同", w.Name)
		}
		if w.Enabled {
			enabled++
		}
	}
	if c.AutoMode && enabled == 0 {
		return invalid("自动模式至少需要启用一个交易时段")
	}

	return nil
}

// EnabledWindows 返回启用的时段，保持配置顺序
func (c *Config) EnabledWindows() []SessionWindow {
	out := make([]SessionWindow, 0, len(c.SessionWindows))
	for _, w := range c.SessionWindows {
		if w.Enabled {
			out = append(out, w)
		}
	}
	return out
}

// NextStateOnTarget 命中止盈或止损后的唯一状态转移。
// 自动模式暂停到下一个时段，手动模式直接停止；其他开关不参与判断。
func NextStateOnTarget(autoMode bool) RunState {
	if autoMode {
		return RunStatePaused
	}
	return RunStateStopped
}
