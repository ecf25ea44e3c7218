package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"
)

// TelegramConfig Telegram 通知配置
type TelegramConfig struct {
	Token   string
	ChatID  int64
	Timeout time.Duration
}

// sender 发送消息的最小接口，*tele.Bot 满足
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramNotifier 通过 Telegram Bot 推送会话事件
type TelegramNotifier struct {
	bot    sender
	chat   tele.ChatID
	logger *zap.Logger
}

// NewTelegramNotifier 创建 Telegram 通知，只发送不接收
func NewTelegramNotifier(cfg TelegramConfig, logger *zap.Logger) (*TelegramNotifier, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram token 和 chat_id 不能为空")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 Telegram Bot 失败: %w", err)
	}

	return newTelegramNotifier(bot, cfg.ChatID, logger), nil
}

func newTelegramNotifier(bot sender, chatID int64, logger *zap.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		bot:    bot,
		chat:   tele.ChatID(chatID),
		logger: logger.With(zap.String("component", "telegram_notifier")),
	}
}

// Emit 格式化并发送事件
func (n *TelegramNotifier) Emit(ctx context.Context, eventType string, payload map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := n.bot.Send(n.chat, FormatMessage(eventType, payload)); err != nil {
		return fmt.Errorf("发送 Telegram 消息失败: %w", err)
	}
	n.logger.Debug("Telegram 消息已发送", zap.String("event", eventType))
	return nil
}

var eventTitles = map[string]string{
	EventSessionStarted:    "▶️ 会话开始",
	EventTakeProfitReached: "✅ 达到止盈",
	EventStopLossReached:   "🛑 触发止损",
	EventSessionPaused:     "⏸️ 会话暂停",
	EventSessionResumed:    "🔄 会话恢复",
	EventSessionStopped:    "⏹️ 会话停止",
	EventTradeFailed:       "⚠️ 交易失败",
}

// FormatMessage 标题加按键名排序的字段列表
func FormatMessage(eventType string, payload map[string]interface{}) string {
	title, ok := eventTitles[eventType]
	if !ok {
		title = eventType
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(title)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("\n%s: %v", k, payload[k]))
	}
	return sb.String()
}
