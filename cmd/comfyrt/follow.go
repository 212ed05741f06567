package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/aescanero/comfyrt/internal/config"
	eventsredis "github.com/aescanero/comfyrt/pkg/adapters/events/redis"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newFollowCmd() *cobra.Command {
	var group string

	cmd := &cobra.Command{
		Use:   "follow [kind...]",
		Short: "Print events mirrored to Redis Streams by another comfyrt process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := initLogger(cfg.LogLevel)
			defer func() { _ = logger.Sync() }()

			redisClient, err := newRedisClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = redisClient.Close() }()

			bus, err := eventsredis.NewStreamsEventBus(redisClient, group, fmt.Sprintf("follow-%d", os.Getpid()), logger)
			if err != nil {
				return err
			}
			defer func() { _ = bus.Close() }()

			kinds := mirroredKinds()
			if len(args) > 0 {
				kinds = watchKinds(args)
			}

			var mu sync.Mutex
			enc := json.NewEncoder(cmd.OutOrStdout())
			emit := func(ctx context.Context, record eventsredis.Record) error {
				mu.Lock()
				defer mu.Unlock()
				return enc.Encode(record)
			}

			for _, kind := range kinds {
				if err := bus.Subscribe(ctx, kind, emit); err != nil {
					return fmt.Errorf("failed to follow %s: %w", kind, err)
				}
			}
			logger.Info("following mirrored events",
				zap.String("group", group),
				zap.Int("kinds", len(kinds)))

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&group, "group", "comfyrt-follow", "consumer group; processes sharing a group split the records")
	return cmd
}
