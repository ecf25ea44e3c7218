package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/life2you_mini/sessionbot/internal/broker"
	"github.com/life2you_mini/sessionbot/internal/notify"
	"github.com/life2you_mini/sessionbot/internal/schedule"
	"github.com/life2you_mini/sessionbot/internal/storage"
	"github.com/life2you_mini/sessionbot/internal/trading"
)

// 停止原因
const (
	reasonManual      = "manual_stop"
	reasonTarget      = "target_reached"
	reasonWindowEnded = "window_ended"
	reasonError       = "error"
)

func (c *Controller) run(ctx context.Context, r *run) {
	defer close(r.done)
	defer c.finish(r)

	resumed := false
	for {
		if r.cfg.AutoMode {
			w, ok := c.waitForWindow(ctx, r)
			if !ok {
				return
			}
			r.window = w
		}

		if !c.beginSession(ctx, r, resumed) {
			if ctx.Err() != nil || r.stopReason != "" {
				return
			}
			if !c.sleep(ctx, c.opts.PollInterval) {
				return
			}
			continue
		}

		if c.tradeLoop(ctx, r) != trading.RunStatePaused {
			return
		}
		resumed = true
	}
}

// waitForWindow 轮询等待到达唤醒时间且处于启用时段内
func (c *Controller) waitForWindow(ctx context.Context, r *run) (trading.SessionWindow, bool) {
	wake := c.currentWake()
	if wake.IsZero() {
		next, err := r.scheduler.NextSessionStart(c.clock())
		if err != nil {
			c.fail(r, "无法计算下一个交易时段", err)
			return trading.SessionWindow{}, false
		}
		wake = next
		c.setNextWake(&wake)
	}

	for {
		now := c.clock()
		if !now.Before(wake) {
			if w, ok := r.scheduler.ActiveWindow(now); ok {
				return w, true
			}
			// 唤醒时间已过但不在时段内，重新计算
			next, err := r.scheduler.NextSessionStart(now)
			if err != nil {
				c.fail(r, "无法计算下一个交易时段", err)
				return trading.SessionWindow{}, false
			}
			wake = next
			c.setNextWake(&wake)
		}

		if !c.refreshLock(ctx, r) || !c.sleep(ctx, c.opts.PollInterval) {
			return trading.SessionWindow{}, false
		}
	}
}

// beginSession 连接经纪商、读取余额并重置会话状态
func (c *Controller) beginSession(ctx context.Context, r *run, resumed bool) bool {
	if !r.connected {
		if err := c.withRetry(ctx, "连接经纪商", func(callCtx context.Context) error {
			return c.deps.Broker.Connect(callCtx)
		}); err != nil {
			c.logger.Warn("连接经纪商失败，稍后重试", zap.Error(err))
			c.setLastError(err)
			return false
		}
		r.connected = true
	}

	var balance decimal.Decimal
	if err := c.withRetry(ctx, "读取余额", func(callCtx context.Context) error {
		b, err := c.deps.Broker.Balance(callCtx)
		balance = b
		return err
	}); err != nil {
		c.logger.Warn("读取余额失败，稍后重试", zap.Error(err))
		c.setLastError(err)
		return false
	}

	sessionType := trading.ManualSessionType
	now := c.clock()
	r.recordDate = ""
	if r.cfg.AutoMode {
		sessionType = r.window.Name
		// 跨午夜的时段在午夜后开始时，记录仍归属时段开始的日期
		r.recordDate = schedule.WindowStartDate(r.window, now).Format(trading.DateLayout)
	}
	state := trading.NewSessionState(sessionType, now, balance)

	c.mu.Lock()
	c.state = state
	c.runState = trading.RunStateRunning
	c.nextWake = nil
	c.mu.Unlock()

	event := notify.EventSessionStarted
	if resumed {
		event = notify.EventSessionResumed
	}
	c.logger.Info("会话开始",
		zap.String("session_type", sessionType),
		zap.String("initial_balance", balance.StringFixed(2)),
		zap.String("take_profit_target", r.evaluator.TakeProfitTarget(balance).StringFixed(2)),
		zap.Bool("resumed", resumed))
	c.emit(event, map[string]interface{}{
		"user_id":            r.cfg.UserID,
		"session_type":       sessionType,
		"initial_balance":    balance.StringFixed(2),
		"take_profit_target": r.evaluator.TakeProfitTarget(balance).StringFixed(2),
	})
	return true
}

// tradeLoop 逐笔交易直到命中目标、时段结束或停止，返回下一个运行状态
func (c *Controller) tradeLoop(ctx context.Context, r *run) trading.RunState {
	for {
		if ctx.Err() != nil {
			return trading.RunStateStopped
		}
		if !c.refreshLock(ctx, r) {
			return trading.RunStateStopped
		}

		if r.cfg.AutoMode && !r.window.Contains(trading.Of(c.clock())) {
			return c.onWindowEnded(ctx, r)
		}

		sig, err := c.deps.Signals.Next(ctx, r.cfg.Asset)
		if err != nil {
			if ctx.Err() != nil {
				return trading.RunStateStopped
			}
			c.logger.Warn("获取交易信号失败", zap.Error(err))
		}
		if sig == nil {
			if !c.sleep(ctx, c.opts.PollInterval) {
				return trading.RunStateStopped
			}
			continue
		}

		state := c.snapshot()
		stake, err := r.ladder.StakeFor(state.MartingaleLevel, state.InitialBalance)
		if err != nil {
			c.fail(r, "计算下注金额失败", err)
			return trading.RunStateStopped
		}

		order := broker.Order{
			Asset:     r.cfg.Asset,
			Amount:    stake,
			Direction: sig.Direction,
			Expiry:    r.cfg.Expiry,
		}
		result, err := c.placeTrade(ctx, order)
		if err != nil {
			// 放弃本次下单，不改变马丁格尔状态
			c.logger.Warn("交易失败，放弃本次下单",
				zap.String("amount", stake.StringFixed(2)),
				zap.Int("level", state.MartingaleLevel),
				zap.Error(err))
			c.setLastError(err)
			c.emit(notify.EventTradeFailed, map[string]interface{}{
				"user_id": r.cfg.UserID,
				"amount":  stake.StringFixed(2),
				"level":   state.MartingaleLevel,
				"error":   err.Error(),
			})
			// 等待一个轮询间隔，避免对经纪商连续下单
			if !c.sleep(ctx, c.opts.PollInterval) {
				return trading.RunStateStopped
			}
			continue
		}

		decision := c.applyResult(r, stake, result)
		if decision == trading.DecisionContinue {
			continue
		}
		return c.onTarget(ctx, r, decision)
	}
}

// applyResult 更新会话状态并评估目标
func (c *Controller) applyResult(r *run, stake decimal.Decimal, result *broker.TradeResult) trading.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	level := c.state.MartingaleLevel
	if result.Outcome == trading.OutcomeWin {
		c.state.RecordWin(result.Payout)
	} else {
		c.state.RecordLoss(stake, r.ladder.MaxLevels())
	}

	decision := r.evaluator.Evaluate(c.state, c.state.InitialBalance)
	if decision == trading.DecisionContinue &&
		r.cfg.StopLossMode == trading.StopLossPercentOfBalance &&
		c.state.LadderExhausted(r.ladder.MaxLevels()) {
		// 百分比止损模式下阶梯打满后从0级重新开始
		c.state.ResetLadder()
	}

	c.logger.Info("交易结算",
		zap.String("order_id", result.OrderID),
		zap.String("outcome", string(result.Outcome)),
		zap.String("amount", stake.StringFixed(2)),
		zap.Int("level", level),
		zap.String("session_profit", c.state.SessionProfit.StringFixed(2)),
		zap.Int("next_level", c.state.MartingaleLevel),
		zap.String("decision", string(decision)))
	return decision
}

// onTarget 写入记录、发送通知并转入暂停或停止
func (c *Controller) onTarget(ctx context.Context, r *run, decision trading.Decision) trading.RunState {
	now := c.clock()
	state := c.snapshot()
	next := trading.NextStateOnTarget(r.cfg.AutoMode)

	record := trading.NewTargetRecord(r.cfg.UserID, state, decision, now)
	if r.recordDate != "" {
		record.Date = r.recordDate
	}
	if next == trading.RunStateStopped {
		// 手动会话没有时段结束任务，命中目标即结束
		end := now
		record.SessionEnd = &end
	}
	c.persist(&record)

	payload := map[string]interface{}{
		"user_id":         r.cfg.UserID,
		"session_type":    state.SessionType,
		"profit":          state.SessionProfit.StringFixed(2),
		"trades":          state.TotalTrades,
		"initial_balance": state.InitialBalance.StringFixed(2),
	}
	if decision == trading.DecisionTakeProfitReached {
		payload["target"] = r.evaluator.TakeProfitTarget(state.InitialBalance).StringFixed(2)
		c.emit(notify.EventTakeProfitReached, payload)
	} else {
		if limit, ok := r.evaluator.StopLossLimit(state.InitialBalance); ok {
			payload["limit"] = limit.StringFixed(2)
		} else if loss, err := r.ladder.CumulativeLoss(state.InitialBalance); err == nil {
			payload["limit"] = loss.StringFixed(2)
		}
		c.emit(notify.EventStopLossReached, payload)
	}

	c.logger.Info("会话命中目标",
		zap.String("decision", string(decision)),
		zap.String("session_type", state.SessionType),
		zap.String("profit", state.SessionProfit.StringFixed(2)),
		zap.Int("trades", state.TotalTrades),
		zap.String("next_state", string(next)))

	if next == trading.RunStateStopped {
		r.stopReason = reasonTarget
		return next
	}
	wake, err := r.scheduler.NextSessionStartAfter(r.window, now)
	if err != nil {
		c.fail(r, "无法计算下一个交易时段", err)
		return trading.RunStateStopped
	}
	return c.pause(r, wake, string(decision))
}

// onWindowEnded 时段结束仍未命中目标
func (c *Controller) onWindowEnded(ctx context.Context, r *run) trading.RunState {
	state := c.snapshot()
	c.logger.Info("交易时段结束，未命中目标",
		zap.String("session_type", state.SessionType),
		zap.String("profit", state.SessionProfit.StringFixed(2)),
		zap.Bool("continuous_mode", r.cfg.ContinuousMode))

	if !r.cfg.ContinuousMode {
		r.stopReason = reasonWindowEnded
		return trading.RunStateStopped
	}
	wake, err := r.scheduler.NextSessionStart(c.clock())
	if err != nil {
		c.fail(r, "无法计算下一个交易时段", err)
		return trading.RunStateStopped
	}
	return c.pause(r, wake, reasonWindowEnded)
}

func (c *Controller) pause(r *run, wake time.Time, reason string) trading.RunState {
	if !r.cfg.KeepConnection && r.connected {
		if err := c.deps.Broker.Close(); err != nil {
			c.logger.Warn("断开经纪商连接失败", zap.Error(err))
		}
		r.connected = false
	}

	c.mu.Lock()
	c.runState = trading.RunStatePaused
	c.nextWake = &wake
	sessionType := c.state.SessionType
	c.mu.Unlock()

	c.logger.Info("会话暂停", zap.String("reason", reason), zap.Time("next_wake", wake))
	c.emit(notify.EventSessionPaused, map[string]interface{}{
		"user_id":      r.cfg.UserID,
		"session_type": sessionType,
		"reason":       reason,
		"next_wake":    wake.Format(time.RFC3339),
	})
	return trading.RunStatePaused
}

// finish 运行结束：释放资源并转入 Stopped
func (c *Controller) finish(r *run) {
	if r.connected {
		if err := c.deps.Broker.Close(); err != nil {
			c.logger.Warn("断开经纪商连接失败", zap.Error(err))
		}
		r.connected = false
	}

	if c.deps.Lock != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.PersistTimeout)
		if err := c.deps.Lock.Release(ctx, r.cfg.UserID, r.token); err != nil {
			c.logger.Warn("释放会话锁失败", zap.Error(err))
		}
		cancel()
	}

	reason := r.stopReason
	if reason == "" {
		reason = reasonManual
	}

	c.mu.Lock()
	c.runState = trading.RunStateStopped
	c.nextWake = nil
	c.current = nil
	state := c.state
	c.mu.Unlock()

	r.cancel()
	c.logger.Info("会话已停止", zap.String("reason", reason), zap.String("run_id", r.token))
	c.emit(notify.EventSessionStopped, map[string]interface{}{
		"user_id":      r.cfg.UserID,
		"session_type": state.SessionType,
		"reason":       reason,
		"profit":       state.SessionProfit.StringFixed(2),
		"trades":       state.TotalTrades,
	})
}

// placeTrade 下单并等待结算。每次尝试使用独立超时，停止请求不会中断已提交的订单。
func (c *Controller) placeTrade(ctx context.Context, order broker.Order) (*broker.TradeResult, error) {
	var result *broker.TradeResult
	err := c.withRetry(ctx, "下单", func(callCtx context.Context) error {
		res, err := c.deps.Broker.PlaceTrade(callCtx, order)
		if err != nil {
			return err
		}
		if res.Outcome != trading.OutcomeWin && res.Outcome != trading.OutcomeLoss {
			return fmt.Errorf("%w: 未知的交易结果 %q", broker.ErrRejected, res.Outcome)
		}
		result = res
		return nil
	})
	return result, err
}

// withRetry 对可重试错误做有限次指数退避重试，退避等待可被停止请求打断
func (c *Controller) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := &backoff.Backoff{
		Min:    c.opts.BackoffMin,
		Max:    c.opts.BackoffMax,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(context.Background(), c.opts.TradeTimeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !broker.IsTransient(err) || attempt == c.opts.MaxRetries {
			break
		}

		wait := b.Duration()
		c.logger.Debug("操作失败，等待重试",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err))
		if !c.sleep(ctx, wait) {
			return fmt.Errorf("%s: %w", op, errors.Join(err, ctx.Err()))
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// refreshLock 定期续期会话锁，锁丢失时停止运行
func (c *Controller) refreshLock(ctx context.Context, r *run) bool {
	if c.deps.Lock == nil || time.Since(r.lockRefreshedAt) < c.opts.LockTTL/3 {
		return true
	}
	err := c.deps.Lock.Refresh(ctx, r.cfg.UserID, r.token, c.opts.LockTTL)
	if err == nil {
		r.lockRefreshedAt = time.Now()
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, storage.ErrLockHeld) {
		c.fail(r, "会话锁已丢失", err)
		return false
	}
	// Redis 暂时不可用时继续运行，下次轮询再续期
	c.logger.Warn("续期会话锁失败", zap.Error(err))
	return true
}

func (c *Controller) persist(record *trading.SessionTargetRecord) {
	if c.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.PersistTimeout)
	defer cancel()
	if err := c.deps.Store.UpsertSessionTarget(ctx, record); err != nil {
		c.logger.Error("保存会话目标记录失败", zap.String("key", record.Key().String()), zap.Error(err))
		c.setLastError(err)
	}
}

func (c *Controller) emit(eventType string, payload map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.PersistTimeout)
	defer cancel()
	if err := c.deps.Notifier.Emit(ctx, eventType, payload); err != nil {
		c.logger.Warn("发送通知失败", zap.String("event", eventType), zap.Error(err))
	}
}

// fail 记录不可恢复的错误并结束运行
func (c *Controller) fail(r *run, msg string, err error) {
	c.logger.Error(msg, zap.Error(err))
	c.setLastError(fmt.Errorf("%s: %w", msg, err))
	r.stopReason = reasonError
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Controller) snapshot() trading.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) currentWake() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nextWake == nil {
		return time.Time{}
	}
	return *c.nextWake
}

func (c *Controller) setNextWake(t *time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextWake = t
}

func (c *Controller) setLastError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastError = err.Error()
}
