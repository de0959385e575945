package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewTraceCmd creates the trace command group
func NewTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded verb traces",
	}

	cmd.AddCommand(newTraceListCmd())
	cmd.AddCommand(newTraceStatsCmd())

	return cmd
}

func newTraceListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent spans, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			client, err := NewAdminClient()
			if err != nil {
				return err
			}

			var list TraceList
			path := fmt.Sprintf("/api/v1/traces?limit=%d", limit)
			if err := client.getJSON(ctx, path, &list); err != nil {
				return fmt.Errorf("failed to list traces: %w", err)
			}

			if list.Total == 0 {
				fmt.Println("No recorded spans")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tTRACE\tSTART\tDURATION\tSTATUS")

			for _, span := range list.Spans {
				status := "ok"
				if span.Status == 2 {
					status = "error"
					if span.StatusMessage != "" {
						status = "error: " + span.StatusMessage
					}
				}

				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					span.Name,
					span.SpanContext.TraceID,
					span.StartTime.Format("15:04:05.000"),
					span.EndTime.Sub(span.StartTime),
					status)
			}

			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of spans to list")

	return cmd
}

func newTraceStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show tracer statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			client, err := NewAdminClient()
			if err != nil {
				return err
			}

			var stats TraceStats
			if err := client.getJSON(ctx, "/api/v1/traces/stats", &stats); err != nil {
				return fmt.Errorf("failed to get trace stats: %w", err)
			}

			fmt.Printf("Started:     %d\n", stats.Started)
			fmt.Printf("Finished:    %d\n", stats.Finished)
			fmt.Printf("Active:      %d\n", stats.Active)
			fmt.Printf("Overwritten: %d\n", stats.Overwritten)
			fmt.Printf("Capacity:    %d\n", stats.Capacity)

			return nil
		},
	}
}
