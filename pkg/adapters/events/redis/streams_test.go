package redis

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/comfyrt/pkg/adapters/events/memory"
	"github.com/aescanero/comfyrt/pkg/ports"
	"github.com/aescanero/comfyrt/pkg/protocol"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestBus(t *testing.T) (*StreamsEventBus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus, err := NewStreamsEventBus(client, "comfyrt-test", "consumer-1", nil)
	require.NoError(t, err)
	return bus, client
}

func TestPublishAppendsRecord(t *testing.T) {
	bus, client := newTestBus(t)
	bus.WithClientID(func() string { return "sid-1" })
	ctx := context.Background()

	err := bus.Publish(ctx, ports.Event{
		Kind:    protocol.KindProgress,
		Payload: &protocol.ProgressMessage{Value: 2, Max: 10, PromptID: "p1", Node: "3"},
	})
	require.NoError(t, err)

	msgs, err := client.XRange(ctx, "comfyrt:events:progress", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var record Record
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &record))
	assert.Equal(t, protocol.KindProgress, record.Kind)
	assert.Equal(t, "sid-1", record.ClientID)
	assert.JSONEq(t, `{"value":2,"max":10,"prompt_id":"p1","node":"3"}`, string(record.Payload))
}

func TestMirrorForwardsDispatchedEvents(t *testing.T) {
	bus, client := newTestBus(t)
	ctx := context.Background()
	dispatcher := memory.NewDispatcher(nil)

	detach := bus.Mirror(ctx, dispatcher, protocol.KindStatus, protocol.KindReconnecting)
	dispatcher.Publish(protocol.KindStatus, &protocol.Status{ExecInfo: protocol.ExecInfo{QueueRemaining: 1}})
	dispatcher.Signal(protocol.KindReconnecting)
	dispatcher.Publish(protocol.KindProgress, nil)

	n, err := client.XLen(ctx, "comfyrt:events:status").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = client.XLen(ctx, "comfyrt:events:reconnecting").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = client.XLen(ctx, "comfyrt:events:progress").Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	detach()
	dispatcher.Publish(protocol.KindStatus, nil)
	n, err = client.XLen(ctx, "comfyrt:events:status").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestMirrorGivesUpOnStalledRedis(t *testing.T) {
	// accepts connections but never answers
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	client := redis.NewClient(&redis.Options{
		Addr:                  ln.Addr().String(),
		MaxRetries:            -1,
		ContextTimeoutEnabled: true,
	})
	t.Cleanup(func() { _ = client.Close() })

	core, logs := observer.New(zap.WarnLevel)
	bus, err := NewStreamsEventBus(client, "comfyrt-test", "consumer-1", zap.New(core))
	require.NoError(t, err)
	bus.WithPublishTimeout(50 * time.Millisecond)

	dispatcher := memory.NewDispatcher(nil)
	detach := bus.Mirror(context.Background(), dispatcher, protocol.KindStatus)
	defer detach()

	start := time.Now()
	dispatcher.Publish(protocol.KindStatus, nil)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, logs.FilterMessage("failed to mirror event").Len())
}

func TestSubscribeReadsPublishedRecords(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []Record
	err := bus.Subscribe(ctx, protocol.KindExecutionSuccess, func(_ context.Context, r Record) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, ports.Event{
		Kind:    protocol.KindExecutionSuccess,
		Payload: &protocol.ExecutionSuccessMessage{PromptID: "p7"},
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, protocol.KindExecutionSuccess, got[0].Kind)
	assert.JSONEq(t, `{"prompt_id":"p7","timestamp":0}`, string(got[0].Payload))
}

func TestNewStreamsEventBusRequiresClient(t *testing.T) {
	_, err := NewStreamsEventBus(nil, "g", "c", nil)
	assert.Error(t, err)
}
