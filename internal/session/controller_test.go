package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/sessionbot/internal/broker"
	"github.com/life2you_mini/sessionbot/internal/mocks"
	"github.com/life2you_mini/sessionbot/internal/notify"
	"github.com/life2you_mini/sessionbot/internal/signal"
	"github.com/life2you_mini/sessionbot/internal/storage"
	"github.com/life2you_mini/sessionbot/internal/trading"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(clock string) *fakeClock {
	return &fakeClock{now: at(clock)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// budgetSource 给出固定数量的信号，之后返回 nil
type budgetSource struct {
	remaining int32
}

func (s *budgetSource) Next(ctx context.Context, asset string) (*signal.Signal, error) {
	if atomic.AddInt32(&s.remaining, -1) < 0 {
		return nil, nil
	}
	return &signal.Signal{Asset: asset, Direction: broker.DirectionCall}, nil
}

func at(clock string) time.Time {
	return trading.MustTimeOfDay(clock).On(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
}

func testConfig(autoMode, continuousMode bool) *trading.Config {
	return &trading.Config{
		Version:              1,
		UserID:               "u1",
		Asset:                "EURUSD",
		Expiry:               time.Minute,
		StakeMode:            trading.StakeModeFixed,
		BaseStake:            decimal.NewFromInt(20),
		MartingaleMultiplier: decimal.RequireFromString("2.2"),
		MaxMartingaleLevels:  3,
		TakeProfitPercent:    decimal.NewFromInt(70),
		StopLossMode:         trading.StopLossFixedAfterMartingale,
		AutoMode:             autoMode,
		ContinuousMode:       continuousMode,
		KeepConnection:       true,
		SessionWindows: []trading.SessionWindow{
			{Name: "morning", Enabled: true, Start: trading.MustTimeOfDay("09:00"), End: trading.MustTimeOfDay("12:00")},
			{Name: "afternoon", Enabled: true, Start: trading.MustTimeOfDay("14:00"), End: trading.MustTimeOfDay("17:00")},
		},
	}
}

type harness struct {
	controller *Controller
	clock      *fakeClock
	gateway    *mocks.MockGateway
	store      *mocks.MockTargetStore
	notifier   *mocks.MockNotifier
	signals    *budgetSource

	mu     sync.Mutex
	orders []broker.Order
}

func newHarness(t *testing.T, cfg *trading.Config, clock string, signals int32) *harness {
	h := &harness{
		clock:    newFakeClock(clock),
		gateway:  new(mocks.MockGateway),
		store:    new(mocks.MockTargetStore),
		notifier: new(mocks.MockNotifier),
		signals:  &budgetSource{remaining: signals},
	}

	h.gateway.On("Connect", mock.Anything).Return(nil)
	h.gateway.On("Close").Return(nil)
	h.gateway.On("Balance", mock.Anything).Return(decimal.NewFromInt(1000), nil)
	h.notifier.On("Emit", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	h.controller = NewController(context.Background(), zaptest.NewLogger(t),
		func() (*trading.Config, error) { return cfg, nil },
		Dependencies{
			Broker:   h.gateway,
			Signals:  h.signals,
			Store:    h.store,
			Notifier: h.notifier,
		},
		Options{
			PollInterval: tick,
			BackoffMin:   time.Millisecond,
			BackoffMax:   2 * time.Millisecond,
			MaxRetries:   2,
			StopTimeout:  time.Second,
		})
	h.controller.SetClock(h.clock.Now)

	t.Cleanup(func() { _, _ = h.controller.Stop(context.Background()) })
	return h
}

// expectTrades 按顺序返回结果并记录订单
func (h *harness) expectTrades(outcome trading.Outcome, payout string, times int) {
	h.gateway.On("PlaceTrade", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			h.mu.Lock()
			h.orders = append(h.orders, args.Get(1).(broker.Order))
			h.mu.Unlock()
		}).
		Return(&broker.TradeResult{OrderID: "o", Outcome: outcome, Payout: decimal.RequireFromString(payout)}, nil).
		Times(times)
}

func (h *harness) amounts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.orders))
	for _, o := range h.orders {
		out = append(out, o.Amount.StringFixed(2))
	}
	return out
}

func (h *harness) waitState(t *testing.T, expected trading.RunState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.controller.RunState() == expected
	}, waitFor, tick, "期望状态 %s", expected)
}

func TestController_TakeProfitPausesAndResumes(t *testing.T) {
	for _, continuous := range []bool{true, false} {
		name := "连续模式关闭"
		if continuous {
			name = "连续模式开启"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, testConfig(true, continuous), "09:00", 2)
			h.expectTrades(trading.OutcomeWin, "350", 2)
			h.store.On("UpsertSessionTarget", mock.Anything, mock.MatchedBy(func(r *trading.SessionTargetRecord) bool {
				return r.TakeProfitReached && !r.StopLossReached &&
					r.SessionType == "morning" &&
					r.TradesCount == 2 &&
					r.Profit.Equal(decimal.NewFromInt(700)) &&
					r.SessionEnd == nil
			})).Return(nil).Once()

			state, err := h.controller.Start(context.Background())
			require.NoError(t, err)
			assert.Equal(t, trading.RunStateRunning, state)

			h.waitState(t, trading.RunStatePaused)
			status := h.controller.Status()
			require.NotNil(t, status.NextWakeTime)
			assert.Equal(t, at("14:00"), *status.NextWakeTime)
			h.store.AssertNumberOfCalls(t, "UpsertSessionTarget", 1)
			h.notifier.AssertCalled(t, "Emit", mock.Anything, notify.EventTakeProfitReached, mock.Anything)
			h.notifier.AssertCalled(t, "Emit", mock.Anything, notify.EventSessionPaused, mock.Anything)

			h.clock.Set(at("14:00"))
			require.Eventually(t, func() bool {
				st := h.controller.Status()
				return st.RunState == trading.RunStateRunning && st.SessionType == "afternoon"
			}, waitFor, tick)

			status = h.controller.Status()
			assert.True(t, status.SessionProfit.IsZero())
			assert.Equal(t, 0, status.TotalTrades)
			assert.Equal(t, 0, status.MartingaleLevel)
			assert.Nil(t, status.NextWakeTime)
			require.NotNil(t, status.SessionStartTime)
			assert.Equal(t, at("14:00"), *status.SessionStartTime)
			h.store.AssertNumberOfCalls(t, "UpsertSessionTarget", 1)
			h.notifier.AssertCalled(t, "Emit", mock.Anything, notify.EventSessionResumed, mock.Anything)

			state, err = h.controller.Stop(context.Background())
			require.NoError(t, err)
			assert.Equal(t, trading.RunStateStopped, state)
		})
	}
}

func TestController_ManualModeStopsOnTarget(t *testing.T) {
	h := newHarness(t, testConfig(false, true), "03:00", 10)
	h.expectTrades(trading.OutcomeWin, "350", 2)
	h.store.On("UpsertSessionTarget", mock.Anything, mock.MatchedBy(func(r *trading.SessionTargetRecord) bool {
		return r.TakeProfitReached && r.SessionType == trading.ManualSessionType && r.SessionEnd != nil
	})).Return(nil).Once()

	state, err := h.controller.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, trading.RunStateRunning, state)

	h.waitState(t, trading.RunStateStopped)
	h.gateway.AssertNumberOfCalls(t, "PlaceTrade", 2)
	h.gateway.AssertCalled(t, "Close")
	h.notifier.AssertCalled(t, "Emit", mock.Anything, notify.EventSessionStopped, mock.Anything)
	assert.Nil(t, h.controller.Status().NextWakeTime)
}

func TestController_FixedStopLossAtDeepestLevel(t *testing.T) {
	h := newHarness(t, testConfig(false, false), "03:00", 10)
	h.expectTrades(trading.OutcomeLoss, "0", 4)
	h.store.On("UpsertSessionTarget", mock.Anything, mock.MatchedBy(func(r *trading.SessionTargetRecord) bool {
		return r.StopLossReached && !r.TakeProfitReached &&
			r.Profit.Equal(decimal.RequireFromString("-373.76")) &&
			r.TradesCount == 4
	})).Return(nil).Once()

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)

	h.waitState(t, trading.RunStateStopped)
	assert.Equal(t, []string{"20.00", "44.00", "96.80", "212.96"}, h.amounts())
	h.notifier.AssertCalled(t, "Emit", mock.Anything, notify.EventStopLossReached, mock.Anything)
	h.store.AssertExpectations(t)
}

func TestController_PercentStopLossRestartsLadder(t *testing.T) {
	cfg := testConfig(false, false)
	cfg.MaxMartingaleLevels = 1
	cfg.MartingaleMultiplier = decimal.NewFromInt(2)
	cfg.StopLossMode = trading.StopLossPercentOfBalance
	cfg.StopLossPercent = decimal.NewFromInt(50)

	h := newHarness(t, cfg, "03:00", 3)
	h.expectTrades(trading.OutcomeLoss, "0", 3)

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.controller.Status().TotalTrades == 3 }, waitFor, tick)
	status := h.controller.Status()
	assert.Equal(t, trading.RunStateRunning, status.RunState)
	assert.Equal(t, []string{"20.00", "40.00", "20.00"}, h.amounts())
	assert.Equal(t, 1, status.MartingaleLevel)
	assert.True(t, status.SessionProfit.Equal(decimal.NewFromInt(-80)))
	h.store.AssertNotCalled(t, "UpsertSessionTarget", mock.Anything, mock.Anything)
}

func TestController_BrokerFailureKeepsLevel(t *testing.T) {
	h := newHarness(t, testConfig(false, false), "03:00", 2)
	h.gateway.On("PlaceTrade", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			h.mu.Lock()
			h.orders = append(h.orders, args.Get(1).(broker.Order))
			h.mu.Unlock()
		}).
		Return(nil, broker.ErrTimeout).Times(3)
	h.expectTrades(trading.OutcomeLoss, "0", 1)

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.controller.Status().TotalTrades == 1 }, waitFor, tick)
	status := h.controller.Status()
	assert.Equal(t, []string{"20.00", "20.00", "20.00", "20.00"}, h.amounts(), "放弃的下单不改变级别")
	assert.Equal(t, 1, status.MartingaleLevel)
	assert.Equal(t, 1, status.Losses)
	assert.Contains(t, status.LastError, "下单")
	h.notifier.AssertCalled(t, "Emit", mock.Anything, notify.EventTradeFailed, mock.Anything)
}

func TestController_RejectedTradeNotRetried(t *testing.T) {
	h := newHarness(t, testConfig(false, false), "03:00", 1)
	h.gateway.On("PlaceTrade", mock.Anything, mock.Anything).Return(nil, broker.ErrRejected).Once()

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.controller.Status().LastError != "" }, waitFor, tick)
	h.gateway.AssertNumberOfCalls(t, "PlaceTrade", 1)
	assert.Equal(t, 0, h.controller.Status().TotalTrades)
}

func TestController_PersistenceFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, testConfig(true, true), "09:00", 2)
	h.expectTrades(trading.OutcomeWin, "400", 2)
	h.store.On("UpsertSessionTarget", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)

	h.waitState(t, trading.RunStatePaused)
	assert.Contains(t, h.controller.Status().LastError, "redis down")
}

func TestController_WindowEndWithoutTarget(t *testing.T) {
	tests := []struct {
		name       string
		continuous bool
		expected   trading.RunState
	}{
		{name: "连续模式暂停到下一时段", continuous: true, expected: trading.RunStatePaused},
		{name: "非连续模式停止", continuous: false, expected: trading.RunStateStopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(true, tt.continuous), "11:59", 5)
			h.gateway.On("PlaceTrade", mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) { h.clock.Set(at("12:00")) }).
				Return(&broker.TradeResult{OrderID: "o", Outcome: trading.OutcomeLoss}, nil).Once()

			_, err := h.controller.Start(context.Background())
			require.NoError(t, err)

			h.waitState(t, tt.expected)
			h.gateway.AssertNumberOfCalls(t, "PlaceTrade", 1)
			h.store.AssertNotCalled(t, "UpsertSessionTarget", mock.Anything, mock.Anything)
			if tt.continuous {
				status := h.controller.Status()
				require.NotNil(t, status.NextWakeTime)
				assert.Equal(t, at("14:00"), *status.NextWakeTime)
			}
		})
	}
}

func TestController_ReconnectsWhenConnectionNotKept(t *testing.T) {
	cfg := testConfig(true, true)
	cfg.KeepConnection = false
	h := newHarness(t, cfg, "09:00", 2)
	h.expectTrades(trading.OutcomeWin, "350", 2)
	h.store.On("UpsertSessionTarget", mock.Anything, mock.Anything).Return(nil)

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)

	h.waitState(t, trading.RunStatePaused)
	h.gateway.AssertNumberOfCalls(t, "Close", 1)
	h.gateway.AssertNumberOfCalls(t, "Connect", 1)

	h.clock.Set(at("14:00"))
	require.Eventually(t, func() bool { return h.controller.Status().SessionType == "afternoon" }, waitFor, tick)
	h.gateway.AssertNumberOfCalls(t, "Connect", 2)
}

func TestController_InitialWaitAndPromptStop(t *testing.T) {
	h := newHarness(t, testConfig(true, true), "06:00", 0)

	state, err := h.controller.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, trading.RunStateIdle, state)

	status := h.controller.Status()
	require.NotNil(t, status.NextWakeTime)
	assert.Equal(t, at("09:00"), *status.NextWakeTime)

	began := time.Now()
	state, err = h.controller.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, trading.RunStateStopped, state)
	assert.Less(t, time.Since(began), 500*time.Millisecond)
	h.gateway.AssertNotCalled(t, "Connect", mock.Anything)
}

func TestController_StartWhileActiveRejected(t *testing.T) {
	h := newHarness(t, testConfig(false, false), "03:00", 0)

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)

	state, err := h.controller.Start(context.Background())
	assert.ErrorIs(t, err, ErrSessionActive)
	assert.Equal(t, trading.RunStateRunning, state)

	state, err = h.controller.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, trading.RunStateStopped, state)

	// Stopped 之后可以重新开始
	state, err = h.controller.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, trading.RunStateRunning, state)
}

func TestController_ConfigErrorIsSynchronous(t *testing.T) {
	cfg := testConfig(false, false)
	cfg.MartingaleMultiplier = decimal.NewFromInt(1)
	h := newHarness(t, cfg, "03:00", 0)

	state, err := h.controller.Start(context.Background())
	assert.ErrorIs(t, err, trading.ErrInvalidTradingConfig)
	assert.Equal(t, trading.RunStateIdle, state)
	h.gateway.AssertNotCalled(t, "Connect", mock.Anything)
}

func TestController_LockHeldByAnotherRun(t *testing.T) {
	lock := new(mocks.MockSessionLock)
	lock.On("Acquire", mock.Anything, "u1", mock.Anything, mock.Anything).Return(false, nil)

	cfg := testConfig(false, false)
	c := NewController(context.Background(), zaptest.NewLogger(t),
		func() (*trading.Config, error) { return cfg, nil },
		Dependencies{Broker: new(mocks.MockGateway), Signals: &budgetSource{}, Lock: lock},
		Options{})

	state, err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrSessionActive)
	assert.ErrorIs(t, err, storage.ErrLockHeld)
	assert.Equal(t, trading.RunStateIdle, state)
}

func TestController_ReleasesLockOnStop(t *testing.T) {
	lock := new(mocks.MockSessionLock)
	lock.On("Acquire", mock.Anything, "u1", mock.Anything, mock.Anything).Return(true, nil)
	lock.On("Refresh", mock.Anything, "u1", mock.Anything, mock.Anything).Return(nil).Maybe()
	lock.On("Release", mock.Anything, "u1", mock.Anything).Return(nil).Once()

	gateway := new(mocks.MockGateway)
	gateway.On("Connect", mock.Anything).Return(nil)
	gateway.On("Close").Return(nil)
	gateway.On("Balance", mock.Anything).Return(decimal.NewFromInt(1000), nil)

	cfg := testConfig(false, false)
	c := NewController(context.Background(), zaptest.NewLogger(t),
		func() (*trading.Config, error) { return cfg, nil },
		Dependencies{Broker: gateway, Signals: &budgetSource{}, Lock: lock},
		Options{PollInterval: tick})

	_, err := c.Start(context.Background())
	require.NoError(t, err)
	state, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, trading.RunStateStopped, state)
	lock.AssertExpectations(t)
}

func TestController_AbandonedOrderWaitsPollInterval(t *testing.T) {
	gateway := new(mocks.MockGateway)
	gateway.On("Connect", mock.Anything).Return(nil)
	gateway.On("Close").Return(nil)
	gateway.On("Balance", mock.Anything).Return(decimal.NewFromInt(1000), nil)
	gateway.On("PlaceTrade", mock.Anything, mock.Anything).Return(nil, broker.ErrRejected)

	notifier := new(mocks.MockNotifier)
	notifier.On("Emit", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	cfg := testConfig(false, false)
	c := NewController(context.Background(), zaptest.NewLogger(t),
		func() (*trading.Config, error) { return cfg, nil },
		Dependencies{
			Broker:   gateway,
			Signals:  signal.FixedSource{Direction: broker.DirectionCall},
			Notifier: notifier,
		},
		Options{PollInterval: 2 * time.Second, StopTimeout: time.Second})
	c.SetClock(newFakeClock("03:00").Now)

	_, err := c.Start(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Status().LastError != "" }, waitFor, tick)
	time.Sleep(200 * time.Millisecond)

	gateway.AssertNumberOfCalls(t, "PlaceTrade", 1)
	notifier.AssertNumberOfCalls(t, "Emit", 2) // session_started + trade_failed

	began := time.Now()
	state, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, trading.RunStateStopped, state)
	assert.Less(t, time.Since(began), 500*time.Millisecond, "等待期间停止应立即生效")
}

func TestController_StopWhilePaused(t *testing.T) {
	h := newHarness(t, testConfig(true, true), "09:00", 2)
	h.expectTrades(trading.OutcomeWin, "350", 2)
	h.store.On("UpsertSessionTarget", mock.Anything, mock.Anything).Return(nil).Once()

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)
	h.waitState(t, trading.RunStatePaused)

	began := time.Now()
	state, err := h.controller.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, trading.RunStateStopped, state)
	assert.Less(t, time.Since(began), 20*tick)

	status := h.controller.Status()
	assert.Nil(t, status.NextWakeTime)
	h.notifier.AssertCalled(t, "Emit", mock.Anything, notify.EventSessionStopped, mock.Anything)
	h.gateway.AssertNumberOfCalls(t, "PlaceTrade", 2)
}

func TestController_RecordDateForSessionAfterMidnight(t *testing.T) {
	cfg := testConfig(true, true)
	cfg.SessionWindows = []trading.SessionWindow{
		{Name: "late", Enabled: true, Start: trading.MustTimeOfDay("23:00"), End: trading.MustTimeOfDay("03:00")},
	}
	h := newHarness(t, cfg, "00:30", 2)
	h.clock.Set(at("00:30").AddDate(0, 0, 1))
	h.expectTrades(trading.OutcomeWin, "350", 2)
	h.store.On("UpsertSessionTarget", mock.Anything, mock.MatchedBy(func(r *trading.SessionTargetRecord) bool {
		return r.SessionType == "late" && r.Date == "2026-06-01" && r.TakeProfitReached
	})).Return(nil).Once()

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)

	h.waitState(t, trading.RunStatePaused)
	h.store.AssertExpectations(t)
	status := h.controller.Status()
	require.NotNil(t, status.NextWakeTime)
	assert.Equal(t, at("23:00").AddDate(0, 0, 1), *status.NextWakeTime)
}
