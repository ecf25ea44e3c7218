package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/life2you_mini/sessionbot/internal/storage"
	"github.com/life2you_mini/sessionbot/internal/trading"
)

const closeTimeout = 10 * time.Second

// SessionEndMarker 设置会话结束时间
type SessionEndMarker interface {
	MarkSessionEnd(ctx context.Context, key trading.RecordKey, end time.Time) error
}

// WindowCloser 在每个时段结束时为当天的目标记录写入 session_end
type WindowCloser struct {
	cron    *cron.Cron
	store   SessionEndMarker
	userID  string
	logger  *zap.Logger
	baseCtx context.Context
	now     func() time.Time
}

// NewWindowCloser 为每个启用的时段注册结束任务
func NewWindowCloser(
	baseCtx context.Context,
	logger *zap.Logger,
	store SessionEndMarker,
	userID string,
	windows []trading.SessionWindow,
	loc *time.Location,
) (*WindowCloser, error) {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if loc == nil {
		loc = time.Local
	}

	c := &WindowCloser{
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		store:   store,
		userID:  userID,
		logger:  logger.With(zap.String("component", "window_closer")),
		baseCtx: baseCtx,
		now:     func() time.Time { return time.Now().In(loc) },
	}

	for _, w := range windows {
		if !w.Enabled {
			continue
		}
		w := w
		spec := CronSpec(w.End)
		if _, err := c.cron.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(c.baseCtx, closeTimeout)
			defer cancel()
			if err := c.CloseWindow(ctx, w, c.now()); err != nil {
				c.logger.Warn("写入时段结束时间失败", zap.String("session_type", w.Name), zap.Error(err))
			}
		}); err != nil {
			return nil, fmt.Errorf("注册时段结束任务失败 %s: %w", w.Name, err)
		}
		c.logger.Debug("注册时段结束任务", zap.String("session_type", w.Name), zap.String("spec", spec))
	}

	return c, nil
}

// CronSpec 带秒字段的每日任务表达式
func CronSpec(tod trading.TimeOfDay) string {
	return fmt.Sprintf("%d %d %d * * *", tod.Second(), tod.Minute(), tod.Hour())
}

// CloseWindow 为 end 时刻结束的时段写入 session_end；当天没有记录时忽略
func (c *WindowCloser) CloseWindow(ctx context.Context, w trading.SessionWindow, end time.Time) error {
	key := trading.RecordKey{
		UserID:      c.userID,
		Date:        WindowStartedOn(w, end).Format(trading.DateLayout),
		SessionType: w.Name,
	}

	err := c.store.MarkSessionEnd(ctx, key, end)
	if errors.Is(err, storage.ErrNotFound) {
		c.logger.Debug("时段内没有目标记录", zap.String("key", key.String()))
		return nil
	}
	if err != nil {
		return err
	}

	c.logger.Info("时段已结束", zap.String("key", key.String()), zap.Time("session_end", end))
	return nil
}

// Start 启动定时任务
func (c *WindowCloser) Start() {
	c.logger.Info("时段结束任务已启动", zap.Int("jobs", len(c.cron.Entries())))
	c.cron.Start()
}

// Stop 停止定时任务并等待正在执行的任务完成
func (c *WindowCloser) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
	c.logger.Info("时段结束任务已停止")
}
