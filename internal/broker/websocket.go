package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/life2you_mini/sessionbot/internal/trading"
)

// 消息类型
const (
	msgTypeBalance     = "balance"
	msgTypeTrade       = "trade"
	msgTypeTradeResult = "trade_result"
)

// WebsocketConfig websocket 经纪商连接参数
type WebsocketConfig struct {
	URL          string
	Token        string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// wireRequest 发送给经纪商网关的请求
type wireRequest struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Asset         string          `json:"asset,omitempty"`
	Amount        decimal.Decimal `json:"amount,omitempty"`
	Direction     Direction       `json:"direction,omitempty"`
	ExpirySeconds int             `json:"expiry_seconds,omitempty"`
}

// wireResponse 经纪商网关的应答
type wireResponse struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Error   string          `json:"error,omitempty"`
	Balance decimal.Decimal `json:"balance"`
	OrderID string          `json:"order_id,omitempty"`
	Outcome trading.Outcome `json:"outcome,omitempty"`
	Payout  decimal.Decimal `json:"payout"`
}

// WebsocketBroker 通过 websocket 以请求/应答方式访问经纪商网关
type WebsocketBroker struct {
	cfg    WebsocketConfig
	logger *zap.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan wireResponse
	closed  chan struct{}

	writeMu sync.Mutex
}

// NewWebsocketBroker 创建 websocket 经纪商客户端
func NewWebsocketBroker(cfg WebsocketConfig, logger *zap.Logger) *WebsocketBroker {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &WebsocketBroker{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "ws_broker")),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
	}
}

// Connect 建立连接并启动读协程；已连接时直接返回
func (b *WebsocketBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return nil
	}

	header := http.Header{}
	if b.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	conn, _, err := b.dialer.DialContext(ctx, b.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("%w: 连接 %s 失败: %v", ErrConnection, b.cfg.URL, err)
	}

	b.conn = conn
	b.pending = make(map[string]chan wireResponse)
	b.closed = make(chan struct{})
	go b.readLoop(conn, b.closed)

	b.logger.Info("经纪商连接成功", zap.String("url", b.cfg.URL))
	return nil
}

// Close 关闭连接，等待中的请求以 ErrConnection 返回
func (b *WebsocketBroker) Close() error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return nil
	}

	b.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	b.writeMu.Unlock()

	err := conn.Close()
	b.dropConn(conn)
	return err
}

// Balance 查询账户余额
func (b *WebsocketBroker) Balance(ctx context.Context) (decimal.Decimal, error) {
	resp, err := b.request(ctx, wireRequest{Type: msgTypeBalance})
	if err != nil {
		return decimal.Zero, err
	}
	return resp.Balance, nil
}

// PlaceTrade 下单并等待结算
func (b *WebsocketBroker) PlaceTrade(ctx context.Context, order Order) (*TradeResult, error) {
	resp, err := b.request(ctx, wireRequest{
		Type:          msgTypeTrade,
		Asset:         order.Asset,
		Amount:        order.Amount,
		Direction:     order.Direction,
		ExpirySeconds: int(order.Expiry / time.Second),
	})
	if err != nil {
		return nil, err
	}
	if resp.Type != msgTypeTradeResult {
		return nil, fmt.Errorf("%w: 意外的应答类型 %q", ErrRejected, resp.Type)
	}
	if resp.Outcome != trading.OutcomeWin && resp.Outcome != trading.OutcomeLoss {
		return nil, fmt.Errorf("%w: 未知的交易结果 %q", ErrRejected, resp.Outcome)
	}
	return &TradeResult{OrderID: resp.OrderID, Outcome: resp.Outcome, Payout: resp.Payout}, nil
}

func (b *WebsocketBroker) request(ctx context.Context, req wireRequest) (*wireResponse, error) {
	b.mu.Lock()
	conn, closed := b.conn, b.closed
	if conn == nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: 未连接", ErrConnection)
	}
	req.ID = uuid.NewString()
	ch := make(chan wireResponse, 1)
	b.pending[req.ID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.pending != nil {
			delete(b.pending, req.ID)
		}
		b.mu.Unlock()
	}()

	b.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	err := conn.WriteJSON(req)
	b.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: 发送请求失败: %v", ErrConnection, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrRejected, resp.Error)
		}
		return &resp, nil
	case <-closed:
		return nil, fmt.Errorf("%w: 连接已断开", ErrConnection)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

func (b *WebsocketBroker) readLoop(conn *websocket.Conn, closed chan struct{}) {
	defer b.dropConn(conn)

	for {
		var resp wireResponse
		if err := conn.ReadJSON(&resp); err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Warn("读取经纪商消息失败", zap.Error(err))
			}
			return
		}

		b.mu.Lock()
		ch, ok := b.pending[resp.ID]
		b.mu.Unlock()
		if !ok {
			b.logger.Debug("忽略未匹配的应答", zap.String("id", resp.ID), zap.String("type", resp.Type))
			continue
		}
		ch <- resp
	}
}

// dropConn 清理连接状态，可重复调用
func (b *WebsocketBroker) dropConn(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != conn {
		return
	}
	close(b.closed)
	b.conn = nil
	b.pending = nil
}
