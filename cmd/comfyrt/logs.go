package main

import (
	"context"
	"sync"

	"github.com/aescanero/comfyrt/pkg/ports"
	"go.uber.org/zap"
)

// logSubscriber asks the server to stream its log over the realtime channel
type logSubscriber interface {
	SubscribeLogs(ctx context.Context, clientID string, enabled bool) error
}

// followLogs returns a status handler that subscribes the current session
// to server log entries. The request is sent again whenever the server
// assigns a new session id, and runs off the read goroutine.
func followLogs(ctx context.Context, api logSubscriber, clientID func() string, logger *zap.Logger) ports.EventHandler {
	var mu sync.Mutex
	var subscribed string

	return func(ports.Event) {
		id := clientID()
		mu.Lock()
		if id == "" || id == subscribed {
			mu.Unlock()
			return
		}
		subscribed = id
		mu.Unlock()

		go func() {
			if err := api.SubscribeLogs(ctx, id, true); err != nil {
				logger.Warn("failed to subscribe to server logs",
					zap.String("client_id", id),
					zap.Error(err))
				mu.Lock()
				if subscribed == id {
					subscribed = ""
				}
				mu.Unlock()
				return
			}
			logger.Debug("subscribed to server logs", zap.String("client_id", id))
		}()
	}
}
