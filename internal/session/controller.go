package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/life2you_mini/sessionbot/internal/broker"
	"github.com/life2you_mini/sessionbot/internal/notify"
	"github.com/life2you_mini/sessionbot/internal/schedule"
	"github.com/life2you_mini/sessionbot/internal/signal"
	"github.com/life2you_mini/sessionbot/internal/storage"
	"github.com/life2you_mini/sessionbot/internal/trading"
)

// ErrSessionActive 同一用户已有运行中或暂停中的会话
var ErrSessionActive = errors.New("会话已在运行")

// ConfigSource 每次启动时解析一次交易配置
type ConfigSource func() (*trading.Config, error)

// TargetWriter 控制器只写入会话目标记录
type TargetWriter interface {
	UpsertSessionTarget(ctx context.Context, record *trading.SessionTargetRecord) error
}

// Options 控制器参数，零值使用默认值
type Options struct {
	PollInterval   time.Duration
	TradeTimeout   time.Duration
	MaxRetries     int
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	LockTTL        time.Duration
	StopTimeout    time.Duration
	PersistTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.TradeTimeout <= 0 {
		o.TradeTimeout = 2 * time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 10 * time.Second
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 10 * time.Second
	}
	return o
}

// Dependencies 控制器依赖的外部网关，Lock 可为空
type Dependencies struct {
	Broker   broker.Gateway
	Signals  signal.Source
	Store    TargetWriter
	Notifier notify.Notifier
	Lock     storage.SessionLock
}

// Status 某一时刻的状态快照
type Status struct {
	RunState          trading.RunState `json:"run_state"`
	UserID            string           `json:"user_id,omitempty"`
	SessionType       string           `json:"session_type,omitempty"`
	SessionStartTime  *time.Time       `json:"session_start_time,omitempty"`
	InitialBalance    decimal.Decimal  `json:"initial_balance"`
	SessionProfit     decimal.Decimal  `json:"session_profit"`
	MartingaleLevel   int              `json:"martingale_level"`
	ConsecutiveLosses int              `json:"consecutive_losses"`
	TotalTrades       int              `json:"total_trades"`
	Wins              int              `json:"wins"`
	Losses            int              `json:"losses"`
	NextWakeTime      *time.Time       `json:"next_wake_time,omitempty"`
	LastError         string           `json:"last_error,omitempty"`
}

// Controller 会话状态机，每个用户一个。会话状态只由运行协程修改，外部通过 Status 读取快照。
type Controller struct {
	baseCtx context.Context
	logger  *zap.Logger
	config  ConfigSource
	deps    Dependencies
	opts    Options
	now     func() time.Time

	mu        sync.Mutex
	runState  trading.RunState
	state     trading.SessionState
	userID    string
	nextWake  *time.Time
	lastError string
	current   *run
}

// NewController 创建会话控制器；baseCtx 结束时运行中的会话随之停止
func NewController(
	baseCtx context.Context,
	logger *zap.Logger,
	config ConfigSource,
	deps Dependencies,
	opts Options,
) *Controller {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(logger)
	}
	return &Controller{
		baseCtx:  baseCtx,
		logger:   logger.With(zap.String("component", "session_controller")),
		config:   config,
		deps:     deps,
		opts:     opts.withDefaults(),
		now:      time.Now,
		runState: trading.RunStateIdle,
	}
}

// SetClock 替换时钟
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Controller) clock() time.Time {
	c.mu.Lock()
	now := c.now
	c.mu.Unlock()
	return now()
}

// Start 开始新的运行。配置错误同步返回；已有会话运行或暂停时拒绝。
func (c *Controller) Start(ctx context.Context) (trading.RunState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		return c.runState, ErrSessionActive
	}

	cfg, err := c.config()
	if err != nil {
		return c.runState, err
	}
	if err := cfg.Validate(); err != nil {
		return c.runState, err
	}

	r := newRun(cfg)
	if c.deps.Lock != nil {
		ok, err := c.deps.Lock.Acquire(ctx, cfg.UserID, r.token, c.opts.LockTTL)
		if err != nil {
			return c.runState, fmt.Errorf("获取会话锁失败: %w", err)
		}
		if !ok {
			return c.runState, fmt.Errorf("%w: %w", ErrSessionActive, storage.ErrLockHeld)
		}
		r.lockRefreshedAt = time.Now()
	}

	now := c.now()
	c.userID = cfg.UserID
	c.state = trading.SessionState{}
	c.lastError = ""
	c.nextWake = nil
	c.runState = trading.RunStateRunning
	if cfg.AutoMode && !r.scheduler.IsWithinActiveWindow(now) {
		// 等待第一个时段期间保持 Idle
		c.runState = trading.RunStateIdle
		if wake, err := r.scheduler.NextSessionStart(now); err == nil {
			c.nextWake = &wake
		}
	}

	runCtx, cancel := context.WithCancel(c.baseCtx)
	r.cancel = cancel
	c.current = r

	c.logger.Info("启动会话控制器",
		zap.String("user_id", cfg.UserID),
		zap.String("asset", cfg.Asset),
		zap.Bool("auto_mode", cfg.AutoMode),
		zap.Bool("continuous_mode", cfg.ContinuousMode),
		zap.String("run_id", r.token))

	go c.run(runCtx, r)
	return c.runState, nil
}

// Stop 取消当前运行，最多等待一个交易结算或 StopTimeout
func (c *Controller) Stop(ctx context.Context) (trading.RunState, error) {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()

	if r == nil {
		return c.RunState(), nil
	}

	c.logger.Info("停止会话控制器", zap.String("run_id", r.token))
	r.cancel()

	timer := time.NewTimer(c.opts.StopTimeout)
	defer timer.Stop()

	select {
	case <-r.done:
		c.logger.Info("会话控制器已停止")
	case <-ctx.Done():
		c.logger.Warn("等待会话停止时请求被取消")
	case <-timer.C:
		c.logger.Warn("会话控制器停止超时")
	}

	return c.RunState(), nil
}

// Wait 阻塞到当前运行结束
func (c *Controller) Wait() {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if r != nil {
		<-r.done
	}
}

// RunState 当前运行状态
func (c *Controller) RunState() trading.RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runState
}

// Status 返回一致的状态快照
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		RunState:          c.runState,
		UserID:            c.userID,
		SessionType:       c.state.SessionType,
		InitialBalance:    c.state.InitialBalance,
		SessionProfit:     c.state.SessionProfit,
		MartingaleLevel:   c.state.MartingaleLevel,
		ConsecutiveLosses: c.state.ConsecutiveLosses,
		TotalTrades:       c.state.TotalTrades,
		Wins:              c.state.Wins,
		Losses:            c.state.Losses,
		LastError:         c.lastError,
	}
	if !c.state.SessionStartTime.IsZero() {
		start := c.state.SessionStartTime
		st.SessionStartTime = &start
	}
	if c.nextWake != nil {
		wake := *c.nextWake
		st.NextWakeTime = &wake
	}
	return st
}

// run 单次运行的只读参数和运行协程私有的状态
type run struct {
	cfg       *trading.Config
	ladder    *trading.StakeLadder
	evaluator *trading.TargetEvaluator
	scheduler *schedule.Scheduler
	token     string
	cancel    context.CancelFunc
	done      chan struct{}

	window          trading.SessionWindow
	recordDate      string
	connected       bool
	lockRefreshedAt time.Time
	stopReason      string
}

func newRun(cfg *trading.Config) *run {
	return &run{
		cfg:       cfg,
		ladder:    trading.NewStakeLadder(cfg),
		evaluator: trading.NewTargetEvaluator(cfg),
		scheduler: schedule.NewScheduler(cfg),
		token:     uuid.NewString(),
		done:      make(chan struct{}),
	}
}
