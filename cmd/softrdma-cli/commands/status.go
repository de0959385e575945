package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewStatusCmd creates the status command
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  `Show the daemon's identity, transport endpoint and engine statistics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			client, err := NewAdminClient()
			if err != nil {
				return err
			}

			var node NodeInfo
			if err := client.getJSON(ctx, "/api/v1/node", &node); err != nil {
				return fmt.Errorf("failed to get node info: %w", err)
			}

			var stats EngineStats
			if err := client.getJSON(ctx, "/api/v1/stats", &stats); err != nil {
				return fmt.Errorf("failed to get engine stats: %w", err)
			}

			fmt.Printf("Node:      %s\n", node.NodeID)
			fmt.Printf("Version:   %s\n", node.Version)
			fmt.Printf("Transport: %s\n", node.TransportAddr)
			fmt.Printf("Uptime:    %s\n", FormatUptime(node.UptimeSecs))
			fmt.Printf("Contexts:  %d\n", stats.Contexts)
			fmt.Printf("Regions:   %d\n", stats.Regions)
			fmt.Printf("QPs:       %d\n", len(stats.QPs))

			return nil
		},
	}
}
