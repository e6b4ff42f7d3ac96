package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collector struct {
	mu   sync.Mutex
	msgs []*Message
}

func (c *collector) handle(_ context.Context, msg *Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestBusDeliversToOtherNodes(t *testing.T) {
	bus := NewBus()
	a := NewGuard(bus.Endpoint(), "node-a", 1000)
	b := NewGuard(bus.Endpoint(), "node-b", 1000)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	var gotA, gotB collector
	require.NoError(t, a.Subscribe(ctx, gotA.handle))
	require.NoError(t, b.Subscribe(ctx, gotB.handle))

	msg := &Message{Kind: KindRoom, Room: "lobby", Frame: json.RawMessage(`{"event":"x"}`)}
	require.NoError(t, a.Publish(ctx, msg))
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "node-a", msg.Node)

	assert.Eventually(t, func() bool { return gotB.len() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, gotA.len(), "node must ignore its own frames")

	gotB.mu.Lock()
	assert.Equal(t, "lobby", gotB.msgs[0].Room)
	assert.JSONEq(t, `{"event":"x"}`, string(gotB.msgs[0].Frame))
	gotB.mu.Unlock()
}

func TestGuardDropsDuplicates(t *testing.T) {
	bus := NewBus()
	sender := bus.Endpoint()
	recv := NewGuard(bus.Endpoint(), "node-b", 1000)
	defer sender.Close()
	defer recv.Close()

	ctx := context.Background()
	var got collector
	require.NoError(t, recv.Subscribe(ctx, got.handle))

	msg := &Message{ID: "m1", Node: "node-a", Kind: KindAll, Frame: json.RawMessage(`{}`)}
	require.NoError(t, sender.Publish(ctx, msg))
	require.NoError(t, sender.Publish(ctx, msg))
	require.NoError(t, sender.Publish(ctx, &Message{ID: "m2", Node: "node-a", Kind: KindAll, Frame: json.RawMessage(`{}`)}))

	assert.Eventually(t, func() bool { return got.len() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, got.len())
}

func TestGuardRotation(t *testing.T) {
	g := NewGuard(NewBus().Endpoint(), "n", 2)
	defer g.Close()

	assert.False(t, g.seen("a"))
	assert.False(t, g.seen("b")) // 轮换，a/b 进入上一代
	assert.True(t, g.seen("a"))
	assert.False(t, g.seen("c"))
	assert.False(t, g.seen("d")) // 再次轮换，a/b 被淘汰
	assert.False(t, g.seen("a"))
}

func TestEndpointSubscribeTwice(t *testing.T) {
	e := NewBus().Endpoint()
	ctx := context.Background()
	require.NoError(t, e.Subscribe(ctx, func(context.Context, *Message) {}))
	assert.ErrorIs(t, e.Subscribe(ctx, func(context.Context, *Message) {}), ErrAlreadySubscribed)
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Publish(ctx, &Message{}), ErrClosed)
	assert.NoError(t, e.Close())
}

func TestEndpointStopsOnContextCancel(t *testing.T) {
	e := NewBus().Endpoint()
	defer e.Close()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Subscribe(ctx, func(context.Context, *Message) {}))
	cancel()
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{"default disabled", DefaultConfig(), false},
		{"memory", &Config{Driver: DriverMemory, Channel: "c"}, false},
		{"missing channel", &Config{Driver: DriverMemory}, true},
		{"redis missing", &Config{Driver: DriverRedis, Channel: "c"}, true},
		{"kafka missing brokers", &Config{Driver: DriverKafka, Channel: "c", Kafka: &KafkaConfig{}}, true},
		{"kafka", &Config{Driver: DriverKafka, Channel: "c", Kafka: &KafkaConfig{Brokers: []string{"k:9092"}}}, false},
		{"amqp missing url", &Config{Driver: DriverAMQP, Channel: "c"}, true},
		{"unknown", &Config{Driver: "nats", Channel: "c"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewMemory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = DriverMemory

	r, err := New(context.Background(), cfg, "node-x", nil)
	require.NoError(t, err)
	defer r.Close()
	assert.IsType(t, &Guard{}, r)

	_, err = New(context.Background(), DefaultConfig(), "node-x", nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
