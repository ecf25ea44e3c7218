package schedule

import (
	"errors"
	"time"

	"github.com/life2you_mini/sessionbot/internal/trading"
)

// ErrNoActiveWindows 没有任何启用的交易时段，无法自动恢复
var ErrNoActiveWindows = errors.New("没有启用的交易时段")

// Scheduler 交易时段计算，结果只取决于 now 和配置
type Scheduler struct {
	windows []trading.SessionWindow
}

// NewScheduler 创建时段调度器，只保留启用的时段
func NewScheduler(cfg *trading.Config) *Scheduler {
	return &Scheduler{windows: cfg.EnabledWindows()}
}

// IsWithinActiveWindow now 是否落在任一启用时段内
func (s *Scheduler) IsWithinActiveWindow(now time.Time) bool {
	_, ok := s.ActiveWindow(now)
	return ok
}

// ActiveWindow 返回 now 所在的时段，时段重叠时取配置中靠前的一个
func (s *Scheduler) ActiveWindow(now time.Time) (trading.SessionWindow, bool) {
	tod := trading.Of(now)
	for _, w := range s.windows {
		if w.Contains(tod) {
			return w, true
		}
	}
	return trading.SessionWindow{}, false
}

// NextSessionStart 下一个时段的开始时间；已在时段内时返回 now
func (s *Scheduler) NextSessionStart(now time.Time) (time.Time, error) {
	if len(s.windows) == 0 {
		return time.Time{}, ErrNoActiveWindows
	}
	if s.IsWithinActiveWindow(now) {
		return now, nil
	}

	var next time.Time
	for _, w := range s.windows {
		candidate := w.Start.On(now)
		if !candidate.After(now) {
			candidate = w.Start.On(now.AddDate(0, 0, 1))
		}
		if next.IsZero() || candidate.Before(next) {
			next = candidate
		}
	}
	return next, nil
}

// WindowEnd now 之后最近一次时段结束的时刻
func WindowEnd(w trading.SessionWindow, now time.Time) time.Time {
	end := w.End.On(now)
	if !end.After(now) {
		end = w.End.On(now.AddDate(0, 0, 1))
	}
	return end
}

// NextSessionStartAfter 当前时段结束后的下一个开始时间，命中目标后据此暂停
func (s *Scheduler) NextSessionStartAfter(current trading.SessionWindow, now time.Time) (time.Time, error) {
	return s.NextSessionStart(WindowEnd(current, now))
}

// WindowStartedOn 时段结束时刻 end 对应的开始日期；跨午夜的时段属于前一天
func WindowStartedOn(w trading.SessionWindow, end time.Time) time.Time {
	if w.CrossesMidnight() {
		return end.AddDate(0, 0, -1)
	}
	return end
}

// WindowStartDate now 所在时段的开始日期，与 WindowStartedOn 的口径一致
func WindowStartDate(w trading.SessionWindow, now time.Time) time.Time {
	return WindowStartedOn(w, WindowEnd(w, now))
}
