package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/piwi3910/softrdma/internal/benchmark"
)

// NewBenchCmd creates the bench command
func NewBenchCmd() *cobra.Command {
	var (
		size        int
		iterations  int
		concurrency int
		warmup      int
		timeout     time.Duration
		jsonOut     bool
	)

	cmd := &cobra.Command{
		Use:   "bench <write|read|send>",
		Short: "Run a loopback transport benchmark",
		Long: `Run a loopback benchmark: two in-process engines connected over
localhost UDP exchange messages with the chosen verb and report
throughput and latency percentiles. The daemon is not involved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := benchmark.ParseOp(args[0])
			if err != nil {
				return err
			}

			// Engine logs would drown the report
			zerolog.SetGlobalLevel(zerolog.WarnLevel)

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			res, err := benchmark.Run(ctx, benchmark.Config{
				Op:          op,
				MsgSize:     size,
				Iterations:  iterations,
				Concurrency: concurrency,
				Warmup:      warmup,
			})
			if err != nil {
				return fmt.Errorf("benchmark failed: %w", err)
			}

			if jsonOut {
				pretty, err := json.MarshalIndent(res, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(pretty))
				return nil
			}

			fmt.Printf("Op:          %s\n", res.Op)
			fmt.Printf("Msg size:    %d B\n", res.MsgSize)
			fmt.Printf("Iterations:  %d\n", res.Iterations)
			fmt.Printf("Concurrency: %d\n", res.Concurrency)
			fmt.Printf("Elapsed:     %.3f s\n", res.ElapsedSecs)
			fmt.Printf("Throughput:  %.2f MB/s\n", res.ThroughputMB)
			fmt.Printf("Ops/sec:     %.0f\n", res.OpsPerSec)
			fmt.Printf("Latency:     p50 %.0fµs  p95 %.0fµs  p99 %.0fµs  max %.0fµs\n",
				res.Latency.P50Us, res.Latency.P95Us, res.Latency.P99Us, res.Latency.MaxUs)

			return nil
		},
	}

	defaults := benchmark.DefaultConfig()
	cmd.Flags().IntVar(&size, "size", defaults.MsgSize, "Message size in bytes")
	cmd.Flags().IntVar(&iterations, "iterations", defaults.Iterations, "Number of timed work requests")
	cmd.Flags().IntVar(&concurrency, "concurrency", defaults.Concurrency, "Outstanding work requests")
	cmd.Flags().IntVar(&warmup, "warmup", defaults.Warmup, "Untimed warmup work requests")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Overall benchmark timeout")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the result as JSON")

	return cmd
}
