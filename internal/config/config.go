package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/life2you_mini/sessionbot/internal/trading"
)

// ErrInvalidConfig 配置错误，启动时同步返回
var ErrInvalidConfig = errors.New("配置无效")

// 经纪商类型
const (
	BrokerTypePaper     = "paper"
	BrokerTypeWebsocket = "websocket"
)

// 信号源类型
const (
	SignalTypeFixed = "fixed"
	SignalTypeQueue = "queue"
)

// Config 应用配置结构
type Config struct {
	Trading      TradingConfig      `mapstructure:"trading" yaml:"trading"`
	Controller   ControllerConfig   `mapstructure:"controller" yaml:"controller"`
	Broker       BrokerConfig       `mapstructure:"broker" yaml:"broker"`
	Signals      SignalsConfig      `mapstructure:"signals" yaml:"signals"`
	Storage      StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Redis        RedisConfig        `mapstructure:"redis" yaml:"redis"`
	Postgres     PostgresConfig     `mapstructure:"postgres" yaml:"postgres"`
	Notification NotificationConfig `mapstructure:"notification" yaml:"notification"`
	API          APIConfig          `mapstructure:"api" yaml:"api"`
	System       SystemConfig       `mapstructure:"system" yaml:"system"`
}

// TradingConfig 交易配置
type TradingConfig struct {
	Version              int                   `mapstructure:"version" yaml:"version"`
	UserID               string                `mapstructure:"user_id" yaml:"user_id"`
	Asset                string                `mapstructure:"asset" yaml:"asset"`
	ExpirySeconds        int                   `mapstructure:"expiry_seconds" yaml:"expiry_seconds"`
	StakeMode            string                `mapstructure:"stake_mode" yaml:"stake_mode"`
	BaseStake            float64               `mapstructure:"base_stake" yaml:"base_stake"`
	BalancePercent       float64               `mapstructure:"balance_percent" yaml:"balance_percent"`
	MartingaleMultiplier float64               `mapstructure:"martingale_multiplier" yaml:"martingale_multiplier"`
	MaxMartingaleLevels  int                   `mapstructure:"max_martingale_levels" yaml:"max_martingale_levels"`
	TakeProfitPercent    float64               `mapstructure:"take_profit_percent" yaml:"take_profit_percent"`
	StopLossMode         string                `mapstructure:"stop_loss_mode" yaml:"stop_loss_mode"`
	StopLossPercent      float64               `mapstructure:"stop_loss_percent" yaml:"stop_loss_percent"`
	AutoMode             bool                  `mapstructure:"auto_mode" yaml:"auto_mode"`
	ContinuousMode       bool                  `mapstructure:"continuous_mode" yaml:"continuous_mode"`
	KeepConnection       bool                  `mapstructure:"keep_connection" yaml:"keep_connection"`
	Sessions             []SessionWindowConfig `mapstructure:"sessions" yaml:"sessions"`
}

// SessionWindowConfig 交易时段，时间格式 HH:MM
type SessionWindowConfig struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Start   string `mapstructure:"start" yaml:"start"`
	End     string `mapstructure:"end" yaml:"end"`
}

// ControllerConfig 控制器运行参数
type ControllerConfig struct {
	PollIntervalSeconds int  `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	TradeTimeoutSeconds int  `mapstructure:"trade_timeout_seconds" yaml:"trade_timeout_seconds"`
	MaxRetries          int  `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffMinMillis    int  `mapstructure:"backoff_min_millis" yaml:"backoff_min_millis"`
	BackoffMaxSeconds   int  `mapstructure:"backoff_max_seconds" yaml:"backoff_max_seconds"`
	UseLock             bool `mapstructure:"use_lock" yaml:"use_lock"`
	LockTTLSeconds      int  `mapstructure:"lock_ttl_seconds" yaml:"lock_ttl_seconds"`
}

// BrokerConfig 经纪商配置
type BrokerConfig struct {
	Type      string          `mapstructure:"type" yaml:"type"`
	Paper     PaperConfig     `mapstructure:"paper" yaml:"paper"`
	Websocket WebsocketConfig `mapstructure:"websocket" yaml:"websocket"`
}

// PaperConfig 模拟经纪商配置
type PaperConfig struct {
	InitialBalance    float64 `mapstructure:"initial_balance" yaml:"initial_balance"`
	WinRate           float64 `mapstructure:"win_rate" yaml:"win_rate"`
	PayoutPercent     float64 `mapstructure:"payout_percent" yaml:"payout_percent"`
	Seed              int64   `mapstructure:"seed" yaml:"seed"`
	SettleDelayMillis int     `mapstructure:"settle_delay_millis" yaml:"settle_delay_millis"`
}

// WebsocketConfig websocket 经纪商配置
type WebsocketConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	APIToken string `mapstructure:"api_token" yaml:"api_token"` // 从配置文件或环境变量中读取
}

// SignalsConfig 信号源配置
type SignalsConfig struct {
	Type           string `mapstructure:"type" yaml:"type"`
	FixedDirection string `mapstructure:"fixed_direction" yaml:"fixed_direction"`
	Queue          string `mapstructure:"queue" yaml:"queue"`
	WaitSeconds    int    `mapstructure:"wait_seconds" yaml:"wait_seconds"`
	MaxAgeSeconds  int    `mapstructure:"max_age_seconds" yaml:"max_age_seconds"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host        string `mapstructure:"host" yaml:"host"`
	Port        int    `mapstructure:"port" yaml:"port"`
	Password    string `mapstructure:"password" yaml:"password"`
	DB          int    `mapstructure:"db" yaml:"db"`
	KeyPrefix   string `mapstructure:"key_prefix" yaml:"key_prefix"`
	QueueMaxLen int64  `mapstructure:"queue_max_len" yaml:"queue_max_len"`
}

// PostgresConfig PostgreSQL配置
type PostgresConfig struct {
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	Database       string `mapstructure:"database" yaml:"database"`
	User           string `mapstructure:"user" yaml:"user"`
	Password       string `mapstructure:"password" yaml:"password"` // 从配置文件或环境变量中读取
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections"`
	SSLMode        string `mapstructure:"ssl_mode" yaml:"ssl_mode"`
}

// NotificationConfig 通知配置
type NotificationConfig struct {
	Telegram TelegramConfig    `mapstructure:"telegram" yaml:"telegram"`
	Queue    QueueNotifyConfig `mapstructure:"queue" yaml:"queue"`
}

// TelegramConfig Telegram配置
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	BotToken string `mapstructure:"bot_token" yaml:"bot_token"` // 从配置文件或环境变量中读取
	ChatID   string `mapstructure:"chat_id" yaml:"chat_id"`     // 从配置文件或环境变量中读取
}

// QueueNotifyConfig Redis 队列通知配置
type QueueNotifyConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Queue   string `mapstructure:"queue" yaml:"queue"`
}

// APIConfig 控制接口配置
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogDir   string `mapstructure:"log_dir" yaml:"log_dir"`
	Timezone string `mapstructure:"timezone" yaml:"timezone"`
}

// Defaults 所有字段的默认值，只在这里设置一次
func Defaults() *Config {
	return &Config{
		Trading: TradingConfig{
			Version:              1,
			UserID:               "default",
			Asset:                "EURUSD",
			ExpirySeconds:        60,
			StakeMode:            string(trading.StakeModeFixed),
			BaseStake:            20,
			BalancePercent:       2,
			MartingaleMultiplier: 2.2,
			MaxMartingaleLevels:  3,
			TakeProfitPercent:    70,
			StopLossMode:         string(trading.StopLossFixedAfterMartingale),
			StopLossPercent:      0,
			AutoMode:             true,
			ContinuousMode:       true,
			KeepConnection:       true,
			Sessions: []SessionWindowConfig{
				{Name: "morning", Enabled: true, Start: "09:00", End: "12:00"},
				{Name: "afternoon", Enabled: true, Start: "14:00", End: "17:00"},
				{Name: "night", Enabled: true, Start: "19:00", End: "22:00"},
			},
		},
		Controller: ControllerConfig{
			PollIntervalSeconds: 2,
			TradeTimeoutSeconds: 120,
			MaxRetries:          3,
			BackoffMinMillis:    500,
			BackoffMaxSeconds:   10,
			UseLock:             true,
			LockTTLSeconds:      30,
		},
		Broker: BrokerConfig{
			Type: BrokerTypePaper,
			Paper: PaperConfig{
				InitialBalance: 1000,
				WinRate:        0.55,
				PayoutPercent:  85,
				Seed:           1,
			},
		},
		Signals: SignalsConfig{
			Type:           SignalTypeFixed,
			FixedDirection: "call",
			WaitSeconds:    5,
			MaxAgeSeconds:  60,
		},
		Storage: StorageConfig{Type: "redis"},
		Redis: RedisConfig{
			Host:        "localhost",
			Port:        6379,
			DB:          0,
			KeyPrefix:   "sessionbot:",
			QueueMaxLen: 1000,
		},
		Postgres: PostgresConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "sessionbot",
			User:           "postgres",
			MaxConnections: 10,
			SSLMode:        "disable",
		},
		Notification: NotificationConfig{
			Telegram: TelegramConfig{Enabled: false},
			Queue:    QueueNotifyConfig{Enabled: false},
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		System: SystemConfig{
			LogLevel: "info",
			LogDir:   "./logs",
			Timezone: "Local",
		},
	}
}

// LoadConfig 读取默认值，合并配置文件和环境变量后校验
func LoadConfig(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(Defaults())
	if err != nil {
		return nil, fmt.Errorf("序列化默认配置失败: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("加载默认配置失败: %w", err)
	}

	if filePath != "" {
		v.SetConfigFile(filePath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	// 环境变量覆盖，如 SESSIONBOT_TRADING_ASSET
	v.SetEnvPrefix("SESSIONBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 敏感信息优先使用独立的环境变量
	secrets := map[string]string{
		"TELEGRAM_BOT_TOKEN": "notification.telegram.bot_token",
		"TELEGRAM_CHAT_ID":   "notification.telegram.chat_id",
		"POSTGRES_PASSWORD":  "postgres.password",
		"REDIS_PASSWORD":     "redis.password",
		"BROKER_API_TOKEN":   "broker.websocket.api_token",
	}
	for env, key := range secrets {
		if value := os.Getenv(env); value != "" {
			v.Set(key, value)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadConfigFromYAML 不经过 viper 直接解析 YAML，未出现的字段保留默认值
func LoadConfigFromYAML(filePath string) (*Config, error) {
	yamlFile, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := Defaults()
	if err := yaml.Unmarshal(yamlFile, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// WriteExampleConfig 将默认配置写入文件，敏感字段留空
func WriteExampleConfig(filePath string) error {
	data, err := yaml.Marshal(Defaults())
	if err != nil {
		return fmt.Errorf("序列化默认配置失败: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	return nil
}

// validateConfig 验证配置有效性
func validateConfig(config *Config) error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if _, err := config.Resolve(); err != nil {
		return err
	}
	if _, err := config.Location(); err != nil {
		return invalid("无效的时区 %q", config.System.Timezone)
	}

	switch config.Broker.Type {
	case BrokerTypePaper:
		if config.Broker.Paper.InitialBalance <= 0 {
			return invalid("模拟经纪商初始余额必须大于0")
		}
		if config.Broker.Paper.WinRate < 0 || config.Broker.Paper.WinRate > 1 {
			return invalid("模拟经纪商胜率必须在0到1之间")
		}
	case BrokerTypeWebsocket:
		if config.Broker.Websocket.URL == "" {
			return invalid("websocket 经纪商地址不能为空")
		}
	default:
		return invalid("未知的经纪商类型 %q", config.Broker.Type)
	}

	switch config.Signals.Type {
	case SignalTypeFixed:
		d := strings.ToLower(config.Signals.FixedDirection)
		if d != "call" && d != "put" {
			return invalid("固定信号方向必须是 call 或 put")
		}
	case SignalTypeQueue:
	default:
		return invalid("未知的信号源类型 %q", config.Signals.Type)
	}

	switch config.Storage.Type {
	case "redis", "postgres":
	default:
		return invalid("未知的存储类型 %q", config.Storage.Type)
	}

	// 验证Redis配置
	if config.Redis.Host == "" {
		return invalid("Redis主机不能为空")
	}
	if config.Redis.Port <= 0 || config.Redis.Port > 65535 {
		return invalid("无效的Redis端口")
	}

	if config.Notification.Telegram.Enabled {
		if config.Notification.Telegram.BotToken == "" {
			return invalid("Telegram已启用，但 bot_token 未配置")
		}
		if _, err := config.TelegramChatID(); err != nil {
			return invalid("Telegram chat_id 无效: %v", err)
		}
	}

	if config.Controller.PollIntervalSeconds <= 0 {
		return invalid("轮询间隔必须大于0")
	}
	return nil
}

// Resolve 把交易配置解析为只读的 trading.Config 并校验不变量
func (c *Config) Resolve() (*trading.Config, error) {
	t := c.Trading
	windows := make([]trading.SessionWindow, 0, len(t.Sessions))
	for _, s := range t.Sessions {
		start, err := trading.ParseTimeOfDay(s.Start)
		if err != nil {
			return nil, fmt.Errorf("%w: 时段 %s 开始时间: %v", ErrInvalidConfig, s.Name, err)
		}
		end, err := trading.ParseTimeOfDay(s.End)
		if err != nil {
			return nil, fmt.Errorf("%w: 时段 %s 结束时间: %v", ErrInvalidConfig, s.Name, err)
		}
		windows = append(windows, trading.SessionWindow{
			Name:    s.Name,
			Enabled: s.Enabled,
			Start:   start,
			End:     end,
		})
	}

	resolved := &trading.Config{
		Version:              t.Version,
		UserID:               t.UserID,
		Asset:                t.Asset,
		Expiry:               time.Duration(t.ExpirySeconds) * time.Second,
		StakeMode:            trading.StakeMode(t.StakeMode),
		BaseStake:            decimal.NewFromFloat(t.BaseStake),
		BalancePercent:       decimal.NewFromFloat(t.BalancePercent),
		MartingaleMultiplier: decimal.NewFromFloat(t.MartingaleMultiplier),
		MaxMartingaleLevels:  t.MaxMartingaleLevels,
		TakeProfitPercent:    decimal.NewFromFloat(t.TakeProfitPercent),
		StopLossMode:         trading.StopLossMode(t.StopLossMode),
		StopLossPercent:      decimal.NewFromFloat(t.StopLossPercent),
		AutoMode:             t.AutoMode,
		ContinuousMode:       t.ContinuousMode,
		KeepConnection:       t.KeepConnection,
		SessionWindows:       windows,
	}

	switch {
	case resolved.Version != 1:
		return nil, fmt.Errorf("%w: 不支持的交易配置版本 %d", ErrInvalidConfig, resolved.Version)
	case resolved.UserID == "":
		return nil, fmt.Errorf("%w: user_id 不能为空", ErrInvalidConfig)
	case resolved.Asset == "":
		return nil, fmt.Errorf("%w: asset 不能为空", ErrInvalidConfig)
	case resolved.Expiry <= 0:
		return nil, fmt.Errorf("%w: 到期时间必须大于0", ErrInvalidConfig)
	}
	if err := resolved.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return resolved, nil
}

// Location 时段使用的时区
func (c *Config) Location() (*time.Location, error) {
	if c.System.Timezone == "" || strings.EqualFold(c.System.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.System.Timezone)
}

// TelegramChatID 解析 chat_id
func (c *Config) TelegramChatID() (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(c.Notification.Telegram.ChatID), 10, 64)
}
