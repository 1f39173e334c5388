package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

func TestPayloadBytes(t *testing.T) {
	b, ok := payloadBytes("abc")
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), b)

	b, ok = payloadBytes([]byte("xyz"))
	require.True(t, ok)
	assert.Equal(t, []byte("xyz"), b)

	_, ok = payloadBytes(42)
	assert.False(t, ok)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "lock:execbridge:live", lockKey("execbridge:live"))
	assert.Equal(t, "execbridge:cancel-gate:main", cancelGateKey("main"))
	assert.Equal(t, "execbridge:ratelimit:api:10.0.0.1", rateLimitKey("ratelimit:api:10.0.0.1"))
}

func TestClientOptions(t *testing.T) {
	opts := ClientConfig{Addr: "cache:6379", DB: 2, PoolSize: 7, MaxRetries: 1}.options()
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 7, opts.PoolSize)
	assert.Nil(t, opts.TLSConfig)

	opts = ClientConfig{Addr: "cache:6380", TLSEnabled: true}.options()
	require.NotNil(t, opts.TLSConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), opts.TLSConfig.MinVersion)
}

func TestScriptsEmbedded(t *testing.T) {
	assert.Contains(t, cancelGateLua, "PTTL")
	assert.Contains(t, extendLua, "PEXPIRE")
	assert.Contains(t, fixedWindowLua, "INCR")
}

func TestRateLimiterZeroLimitSkipsRedis(t *testing.T) {
	// A nil client would fail any round trip.
	rl := &RateLimiter{}
	ok, err := rl.Allow(context.Background(), "k", 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

type memBus struct {
	channel string
	payload []byte
	err     error
}

func (m *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	m.channel, m.payload = channel, payload
	return m.err
}

func (m *memBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (m *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestEventPublisher(t *testing.T) {
	bus := &memBus{}
	pub := NewEventPublisher(bus, "", slog.New(slog.NewTextHandler(io.Discard, nil)))

	ev := domain.Event{
		Type:    domain.EventEmergencyClose,
		At:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Message: "emergency close",
	}
	pub.OnEvent(context.Background(), ev)

	assert.Equal(t, DefaultEventChannel, bus.channel)
	var got domain.Event
	require.NoError(t, json.Unmarshal(bus.payload, &got))
	assert.Equal(t, ev.Type, got.Type)
	assert.Equal(t, ev.Message, got.Message)

	// A failing publish must not panic or block.
	bus.err = errors.New("down")
	pub.OnEvent(context.Background(), ev)
}
