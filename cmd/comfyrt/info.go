package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aescanero/comfyrt/pkg/adapters/comfyapi"
	"github.com/spf13/cobra"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Describe the compute server: host, devices, extensions and node catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			api := a.client.API()
			out := cmd.OutOrStdout()

			stats, err := api.GetSystemStats(ctx)
			if err != nil {
				return fmt.Errorf("failed to read system stats: %w", err)
			}
			fmt.Fprintf(out, "server %s\n", a.cfg.BaseURL())
			for _, key := range sortedKeys(stats.System) {
				fmt.Fprintf(out, "  %s: %s\n", key, stats.System[key])
			}
			for _, device := range stats.Devices {
				fmt.Fprintf(out, "device %s\n", device["name"])
			}

			defs, err := api.GetNodeDefs(ctx)
			if err != nil {
				return fmt.Errorf("failed to read node definitions: %w", err)
			}
			fmt.Fprintf(out, "node classes: %d\n", len(defs))

			embeddings, err := api.GetEmbeddings(ctx)
			if err != nil {
				return fmt.Errorf("failed to read embeddings: %w", err)
			}
			fmt.Fprintf(out, "embeddings: %d\n", len(embeddings))

			extensions, err := api.GetExtensions(ctx)
			if err != nil && !comfyapi.IsNotFound(err) {
				return fmt.Errorf("failed to read extensions: %w", err)
			}
			fmt.Fprintf(out, "extensions: %d\n", len(extensions))
			for _, ext := range extensions {
				fmt.Fprintf(out, "  %s\n", api.FileURL(ext))
			}
			return nil
		},
	}
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
