package signal

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/sessionbot/internal/broker"
	redisInternal "github.com/life2you_mini/sessionbot/internal/redis"
)

func TestFixedSource(t *testing.T) {
	sig, err := FixedSource{Direction: broker.DirectionPut}.Next(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, broker.DirectionPut, sig.Direction)
	assert.Equal(t, "EURUSD", sig.Asset)
}

func TestQueueSource_Next(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		payload  string
		expected *Signal
	}{
		{
			name:     "有效信号",
			payload:  `{"asset":"eurusd","direction":"CALL","confidence":0.7,"created_at":"2026-06-01T09:59:50Z"}`,
			expected: &Signal{Asset: "EURUSD", Direction: broker.DirectionCall, Confidence: 0.7},
		},
		{name: "格式错误", payload: `not-json`},
		{name: "方向无效", payload: `{"asset":"EURUSD","direction":"up"}`},
		{name: "其他资产", payload: `{"asset":"GBPUSD","direction":"put"}`},
		{name: "信号过期", payload: `{"asset":"EURUSD","direction":"put","created_at":"2026-06-01T09:50:00Z"}`},
		{
			name:     "未指定资产",
			payload:  `{"direction":"put"}`,
			expected: &Signal{Asset: "EURUSD", Direction: broker.DirectionPut},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			defer client.Close()

			_, err := mr.Lpush("bot:"+redisInternal.QueueSignals, tt.payload)
			require.NoError(t, err)

			queue := redisInternal.NewQueueService(client, "bot:", 0)
			src := NewQueueSource(queue, "", 100*time.Millisecond, time.Minute, zaptest.NewLogger(t))
			src.nowFunc = func() time.Time { return now }

			sig, err := src.Next(context.Background(), "EURUSD")
			require.NoError(t, err)
			if tt.expected == nil {
				assert.Nil(t, sig)
				return
			}
			require.NotNil(t, sig)
			assert.Equal(t, tt.expected.Asset, sig.Asset)
			assert.Equal(t, tt.expected.Direction, sig.Direction)
			assert.Equal(t, tt.expected.Confidence, sig.Confidence)
		})
	}
}

func TestQueueSource_Empty(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	src := NewQueueSource(redisInternal.NewQueueService(client, "bot:", 0), "", 50*time.Millisecond, 0, zaptest.NewLogger(t))
	sig, err := src.Next(context.Background(), "EURUSD")
	assert.NoError(t, err)
	assert.Nil(t, sig)
}
