package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aescanero/comfyrt/pkg/ports"
	"github.com/aescanero/comfyrt/pkg/protocol"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Record is the JSON form of an event stored in a stream
type Record struct {
	ID        string          `json:"id"`
	Kind      protocol.Kind   `json:"kind"`
	ClientID  string          `json:"client_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RecordHandler processes records read from a stream
type RecordHandler func(ctx context.Context, record Record) error

// StreamsEventBus mirrors dispatched events into Redis Streams so other
// processes can follow a client's realtime session.
type StreamsEventBus struct {
	client        *redis.Client
	logger        *zap.Logger
	consumerGroup string
	consumerName  string
	maxLen        int64
	clientID      func() string

	// publishTimeout bounds each mirrored XADD
	publishTimeout time.Duration
}

// DefaultMirrorTimeout bounds a single mirrored publish
const DefaultMirrorTimeout = 2 * time.Second

// NewStreamsEventBus creates a new Redis Streams event bus
func NewStreamsEventBus(client *redis.Client, consumerGroup, consumerName string, logger *zap.Logger) (*StreamsEventBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamsEventBus{
		client:         client,
		logger:         logger,
		consumerGroup:  consumerGroup,
		consumerName:   consumerName,
		maxLen:         1000,
		publishTimeout: DefaultMirrorTimeout,
	}, nil
}

// WithClientID tags published records with the session identifier
func (e *StreamsEventBus) WithClientID(fn func() string) *StreamsEventBus {
	e.clientID = fn
	return e
}

// WithPublishTimeout sets the deadline for each mirrored publish. The
// Redis client needs ContextTimeoutEnabled for the deadline to reach the
// socket.
func (e *StreamsEventBus) WithPublishTimeout(d time.Duration) *StreamsEventBus {
	if d > 0 {
		e.publishTimeout = d
	}
	return e
}

// Publish appends an event to the stream for its kind
func (e *StreamsEventBus) Publish(ctx context.Context, event ports.Event) error {
	streamKey := getStreamKey(event.Kind)

	record := Record{
		ID:        uuid.New().String(),
		Kind:      event.Kind,
		Timestamp: time.Now().UTC(),
	}
	if e.clientID != nil {
		record.ClientID = e.clientID()
	}
	if event.Payload != nil {
		payload, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		record.Payload = payload
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: e.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}

	if _, err := e.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	e.logger.Debug("event mirrored",
		zap.String("event_id", record.ID),
		zap.String("kind", string(event.Kind)),
		zap.String("stream", streamKey))

	return nil
}

// Subscribe reads records of kind through the consumer group until ctx
// is done.
func (e *StreamsEventBus) Subscribe(ctx context.Context, kind protocol.Kind, handler RecordHandler) error {
	streamKey := getStreamKey(kind)

	err := e.client.XGroupCreateMkStream(ctx, streamKey, e.consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	e.logger.Info("subscribed to event stream",
		zap.String("stream", streamKey),
		zap.String("consumer_group", e.consumerGroup),
		zap.String("consumer", e.consumerName))

	go e.readStream(ctx, streamKey, handler)

	return nil
}

// Mirror forwards every event of the given kinds from dispatcher into the
// streams. The returned function detaches the mirror.
func (e *StreamsEventBus) Mirror(ctx context.Context, dispatcher ports.EventDispatcher, kinds ...protocol.Kind) func() {
	ids := make(map[protocol.Kind]ports.SubscriptionID, len(kinds))
	for _, kind := range kinds {
		ids[kind] = dispatcher.Subscribe(kind, func(event ports.Event) {
			pubCtx, cancel := context.WithTimeout(ctx, e.publishTimeout)
			defer cancel()
			if err := e.Publish(pubCtx, event); err != nil {
				e.logger.Warn("failed to mirror event",
					zap.String("kind", string(event.Kind)),
					zap.Error(err))
			}
		})
	}
	return func() {
		for kind, id := range ids {
			dispatcher.Unsubscribe(kind, id)
		}
	}
}

// readStream reads records from a stream
func (e *StreamsEventBus) readStream(ctx context.Context, streamKey string, handler RecordHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := e.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    e.consumerGroup,
			Consumer: e.consumerName,
			Streams:  []string{streamKey, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("failed to read from stream",
				zap.String("stream", streamKey),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				e.processMessage(ctx, streamKey, message, handler)
			}
		}
	}
}

// processMessage processes a single message from the stream
func (e *StreamsEventBus) processMessage(ctx context.Context, streamKey string, message redis.XMessage, handler RecordHandler) {
	data, ok := message.Values["data"].(string)
	if !ok {
		e.logger.Error("invalid message format",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID))
		return
	}

	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		e.logger.Error("failed to unmarshal event",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	if err := handler(ctx, record); err != nil {
		e.logger.Error("handler error",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	if err := e.client.XAck(ctx, streamKey, e.consumerGroup, message.ID).Err(); err != nil {
		e.logger.Error("failed to acknowledge message",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
}

// Close releases nothing; the Redis client is owned by the caller
func (e *StreamsEventBus) Close() error {
	return nil
}

// getStreamKey returns the Redis stream key for a kind
func getStreamKey(kind protocol.Kind) string {
	return fmt.Sprintf("comfyrt:events:%s", kind)
}
