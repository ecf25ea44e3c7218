package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/life2you_mini/sessionbot/internal/api"
	"github.com/life2you_mini/sessionbot/internal/broker"
	"github.com/life2you_mini/sessionbot/internal/config"
	"github.com/life2you_mini/sessionbot/internal/notify"
	redisInternal "github.com/life2you_mini/sessionbot/internal/redis"
	"github.com/life2you_mini/sessionbot/internal/schedule"
	"github.com/life2you_mini/sessionbot/internal/session"
	"github.com/life2you_mini/sessionbot/internal/signal"
	"github.com/life2you_mini/sessionbot/internal/storage"
	"github.com/life2you_mini/sessionbot/internal/trading"
)

// SessionService 组装会话控制器及其依赖
type SessionService struct {
	ctx         context.Context
	cancel      context.CancelFunc
	cfg         *config.Config
	logger      *zap.Logger
	redisClient *redis.Client
	store       storage.TargetStore
	controller  *session.Controller
	closer      *schedule.WindowCloser
	server      *api.Server
}

// NewSessionService 创建会话服务。configPath 非空时每次启动会话都重新读取配置文件。
func NewSessionService(
	parentCtx context.Context,
	cfg *config.Config,
	configPath string,
	logger *zap.Logger,
) (*SessionService, error) {
	// 创建服务上下文
	ctx, cancel := context.WithCancel(parentCtx)

	resolved, err := cfg.Resolve()
	if err != nil {
		cancel()
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("加载时区失败: %w", err)
	}

	// 初始化Redis客户端
	redisClient, err := redisInternal.NewRedisClient(ctx, redisInternal.ClientOptions{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("初始化Redis客户端失败: %w", err)
	}

	s := &SessionService{
		ctx:         ctx,
		cancel:      cancel,
		cfg:         cfg,
		logger:      logger,
		redisClient: redisClient,
	}
	if err := s.build(resolved, configPath, loc); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *SessionService) build(resolved *trading.Config, configPath string, loc *time.Location) error {
	cfg := s.cfg
	redisStorage := storage.NewRedisStorage(s.redisClient, cfg.Redis.KeyPrefix, s.logger)
	queue := redisInternal.NewQueueService(s.redisClient, cfg.Redis.KeyPrefix, cfg.Redis.QueueMaxLen)

	// 会话目标记录存储
	switch cfg.Storage.Type {
	case storage.StorageTypePostgres:
		pg, err := storage.OpenPostgres(s.ctx, storage.PostgresConfig{
			Host:           cfg.Postgres.Host,
			Port:           cfg.Postgres.Port,
			Database:       cfg.Postgres.Database,
			User:           cfg.Postgres.User,
			Password:       cfg.Postgres.Password,
			SSLMode:        cfg.Postgres.SSLMode,
			MaxConnections: cfg.Postgres.MaxConnections,
		}, s.logger)
		if err != nil {
			return err
		}
		s.store = pg
	default:
		s.store = redisStorage
	}

	gateway, err := s.newBroker()
	if err != nil {
		return err
	}

	notifier, err := s.newNotifier(queue)
	if err != nil {
		return err
	}

	var source signal.Source
	switch cfg.Signals.Type {
	case config.SignalTypeQueue:
		source = signal.NewQueueSource(
			queue,
			cfg.Signals.Queue,
			time.Duration(cfg.Signals.WaitSeconds)*time.Second,
			time.Duration(cfg.Signals.MaxAgeSeconds)*time.Second,
			s.logger,
		)
	default:
		source = signal.FixedSource{Direction: broker.Direction(strings.ToLower(cfg.Signals.FixedDirection))}
	}

	deps := session.Dependencies{
		Broker:   gateway,
		Signals:  source,
		Store:    s.store,
		Notifier: notifier,
	}
	if cfg.Controller.UseLock {
		deps.Lock = redisStorage
	}

	c := cfg.Controller
	s.controller = session.NewController(s.ctx, s.logger, configSource(cfg, configPath), deps, session.Options{
		PollInterval: time.Duration(c.PollIntervalSeconds) * time.Second,
		TradeTimeout: time.Duration(c.TradeTimeoutSeconds) * time.Second,
		MaxRetries:   c.MaxRetries,
		BackoffMin:   time.Duration(c.BackoffMinMillis) * time.Millisecond,
		BackoffMax:   time.Duration(c.BackoffMaxSeconds) * time.Second,
		LockTTL:      time.Duration(c.LockTTLSeconds) * time.Second,
	})
	s.controller.SetClock(func() time.Time { return time.Now().In(loc) })

	// 时段结束时补写 session_end
	s.closer, err = schedule.NewWindowCloser(s.ctx, s.logger, s.store, resolved.UserID, resolved.SessionWindows, loc)
	if err != nil {
		return err
	}

	if cfg.API.Enabled {
		s.server = api.NewServer(cfg.API.Listen, s.controller, s.store, resolved.UserID, s.logger)
	}
	return nil
}

// configSource 优先从配置文件重新加载，使修改在下一次启动时生效
func configSource(cfg *config.Config, configPath string) session.ConfigSource {
	if configPath == "" {
		return cfg.Resolve
	}
	return func() (*trading.Config, error) {
		latest, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		return latest.Resolve()
	}
}

func (s *SessionService) newBroker() (broker.Gateway, error) {
	b := s.cfg.Broker
	switch b.Type {
	case config.BrokerTypeWebsocket:
		return broker.NewWebsocketBroker(broker.WebsocketConfig{
			URL:   b.Websocket.URL,
			Token: b.Websocket.APIToken,
		}, s.logger), nil
	case config.BrokerTypePaper:
		return broker.NewPaperBroker(broker.PaperConfig{
			InitialBalance: decimal.NewFromFloat(b.Paper.InitialBalance),
			WinRate:        b.Paper.WinRate,
			PayoutPercent:  decimal.NewFromFloat(b.Paper.PayoutPercent),
			Seed:           b.Paper.Seed,
			SettleDelay:    time.Duration(b.Paper.SettleDelayMillis) * time.Millisecond,
		}, s.logger), nil
	default:
		return nil, fmt.Errorf("%w: 未知的经纪商类型 %q", config.ErrInvalidConfig, b.Type)
	}
}

func (s *SessionService) newNotifier(queue *redisInternal.QueueService) (notify.Notifier, error) {
	n := s.cfg.Notification
	notifiers := notify.Multi{notify.NewLogNotifier(s.logger)}

	if n.Telegram.Enabled {
		chatID, err := s.cfg.TelegramChatID()
		if err != nil {
			return nil, fmt.Errorf("%w: Telegram chat_id 无效: %v", config.ErrInvalidConfig, err)
		}
		tg, err := notify.NewTelegramNotifier(notify.TelegramConfig{
			Token:   n.Telegram.BotToken,
			ChatID:  chatID,
			Timeout: 10 * time.Second,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, tg)
	}
	if n.Queue.Enabled {
		notifiers = append(notifiers, notify.NewQueueNotifier(queue, n.Queue.Queue))
	}
	return notifiers, nil
}

// Start 启动服务
func (s *SessionService) Start() {
	s.logger.Info("启动会话服务")

	s.closer.Start()
	if s.server != nil {
		s.server.Start()
	}

	// 启动时自动开始会话，配置错误只记录不退出，可以通过接口修正后重新启动
	state, err := s.controller.Start(s.ctx)
	if err != nil {
		s.logger.Error("启动会话失败", zap.Error(err))
		return
	}
	s.logger.Info("会话已启动", zap.String("run_state", string(state)))
}

// Stop 停止服务
func (s *SessionService) Stop(ctx context.Context) error {
	s.logger.Info("停止会话服务")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Error("关闭控制接口失败", zap.Error(err))
		}
	}

	// 停止会话控制器
	if _, err := s.controller.Stop(ctx); err != nil {
		s.logger.Error("停止会话失败", zap.Error(err))
	}
	s.closer.Stop()

	// 取消服务上下文
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.controller.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.release()
	return err
}

// release 关闭存储连接
func (s *SessionService) release() {
	s.cancel()
	if s.store != nil && s.cfg.Storage.Type == storage.StorageTypePostgres {
		if err := s.store.Close(); err != nil {
			s.logger.Error("关闭PostgreSQL连接失败", zap.Error(err))
		}
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("关闭Redis连接失败", zap.Error(err))
	}
}
