package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aescanero/comfyrt/internal/config"
	eventsredis "github.com/aescanero/comfyrt/pkg/adapters/events/redis"
	"github.com/aescanero/comfyrt/pkg/adapters/metrics/prometheus"
	redisstorage "github.com/aescanero/comfyrt/pkg/adapters/storage/redis"
	"github.com/aescanero/comfyrt/pkg/api/http"
	"github.com/aescanero/comfyrt/pkg/api/websocket"
	"github.com/aescanero/comfyrt/pkg/client"
	"github.com/aescanero/comfyrt/pkg/ports"
	"github.com/aescanero/comfyrt/pkg/protocol"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app is everything a command needs to talk to the compute server
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	client *client.Client

	redis        *goredis.Client
	statusServer *http.Server
	detachMirror func()
}

// newApp loads configuration and wires the client with its optional
// Redis and status server collaborators.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := initLogger(cfg.LogLevel)
	a := &app{cfg: cfg, logger: logger}

	if cfg.NeedsRedis() {
		a.redis, err = newRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	var names, tabs ports.KeyValueStore
	if cfg.Session.Backend == config.SessionBackendRedis {
		names = redisstorage.NewStore(a.redis, "session:name", cfg.Session.TTL, logger)
		tabs = redisstorage.NewStore(a.redis, "session:tab", cfg.Session.TTL, logger)
	}

	registry := promclient.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prometheus.NewCollector(registry)

	a.client, err = client.New(client.Options{
		BaseURL:        cfg.BaseURL(),
		RealtimeURL:    cfg.RealtimeURL(),
		User:           cfg.Comfy.User,
		Token:          cfg.Comfy.Token,
		Instance:       cfg.Session.Instance,
		NameStore:      names,
		TabStore:       tabs,
		ReconnectDelay: cfg.Comfy.ReconnectDelay,
		PollInterval:   cfg.Comfy.PollInterval,
		RequestTimeout: cfg.Comfy.RequestTimeout,
		Metrics:        metrics,
		Logger:         logger,
	})
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	if cfg.EventsMirror {
		bus, err := eventsredis.NewStreamsEventBus(a.redis, "comfyrt", fmt.Sprintf("comfyrt-%d", os.Getpid()), logger)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("failed to create event mirror: %w", err)
		}
		bus.WithClientID(a.client.ClientID)
		a.detachMirror = bus.Mirror(ctx, a.client.Events(), mirroredKinds()...)
		logger.Info("mirroring events to Redis Streams")
	}

	if cfg.StatusPort > 0 {
		a.statusServer = http.NewServer(&http.Config{
			Port:      cfg.StatusPort,
			Session:   a.client,
			Gatherer:  registry,
			AuthToken: cfg.StatusToken,
			Logger:    logger,
		})
		a.statusServer.SetupWebSocket(websocket.NewHandler(a.client.Events(), logger))
		go func() {
			if err := a.statusServer.Start(); err != nil {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
	}

	return a, nil
}

// close shuts components down in reverse order of construction
func (a *app) close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if a.statusServer != nil {
		if err := a.statusServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("status server shutdown error", zap.Error(err))
		}
	}
	if a.detachMirror != nil {
		a.detachMirror()
	}
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			a.logger.Error("client close error", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("Redis close error", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func newRedisClient(ctx context.Context, cfg *config.Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,

		ContextTimeoutEnabled: true,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// mirroredKinds is every server kind except previews, which are large
// binary payloads only useful in-process.
func mirroredKinds() []protocol.Kind {
	var kinds []protocol.Kind
	for _, kind := range protocol.KnownKinds() {
		if kind != protocol.KindPreview {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}
