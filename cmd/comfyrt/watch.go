package main

import (
	"github.com/aescanero/comfyrt/pkg/ports"
	"github.com/aescanero/comfyrt/pkg/protocol"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWatchCmd() *cobra.Command {
	var kinds []string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect and log realtime events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			for _, kind := range watchKinds(kinds) {
				a.client.On(kind, logEvent(a.logger))
				if kind == protocol.KindLogs {
					a.client.On(protocol.KindStatus, followLogs(ctx, a.client.API(), a.client.ClientID, a.logger))
				}
			}

			a.client.Start()
			a.logger.Info("watching realtime events",
				zap.String("server", a.cfg.BaseURL()),
				zap.Int("status_port", a.cfg.StatusPort))

			<-ctx.Done()
			a.logger.Info("received shutdown signal")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "event kinds to log; custom kinds are forwarded once listed (default: all known kinds)")
	return cmd
}

func watchKinds(names []string) []protocol.Kind {
	if len(names) == 0 {
		return protocol.KnownKinds()
	}
	kinds := make([]protocol.Kind, 0, len(names))
	for _, name := range names {
		kinds = append(kinds, protocol.Kind(name))
	}
	return kinds
}

func logEvent(logger *zap.Logger) ports.EventHandler {
	return func(e ports.Event) {
		if preview, ok := e.Payload.(*protocol.Preview); ok && preview != nil {
			logger.Info("event",
				zap.String("kind", string(e.Kind)),
				zap.String("mime", preview.MIME),
				zap.Int("bytes", len(preview.Data)))
			return
		}
		logger.Info("event",
			zap.String("kind", string(e.Kind)),
			zap.Any("payload", e.Payload))
	}
}
