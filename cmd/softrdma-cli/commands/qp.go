package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewQPCmd creates the qp command group
func NewQPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qp",
		Short: "Inspect queue pairs",
	}

	cmd.AddCommand(newQPListCmd())
	cmd.AddCommand(newQPShowCmd())

	return cmd
}

func newQPListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queue pairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			client, err := NewAdminClient()
			if err != nil {
				return err
			}

			var list QPList
			if err := client.getJSON(ctx, "/api/v1/qps", &list); err != nil {
				return fmt.Errorf("failed to list queue pairs: %w", err)
			}

			if list.Total == 0 {
				fmt.Println("No queue pairs")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "QPN\tTYPE\tSTATE\tPEER\tOUTSTANDING\tUNACKED\tRETRIES")

			for _, qp := range list.QPs {
				peer := "-"
				if qp.PeerAddr != "" {
					peer = fmt.Sprintf("%s/%d", qp.PeerAddr, qp.PeerQPN)
				}

				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%d\n",
					qp.QPN, qp.Type, qp.State, peer,
					qp.OutstandingSends, qp.UnackedPackets, qp.Retries)
			}

			return w.Flush()
		},
	}
}

func newQPShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <qpn>",
		Short: "Show one queue pair in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			client, err := NewAdminClient()
			if err != nil {
				return err
			}

			var qp QPInfo
			if err := client.getJSON(ctx, "/api/v1/qps/"+args[0], &qp); err != nil {
				return fmt.Errorf("failed to get queue pair %s: %w", args[0], err)
			}

			pretty, err := json.MarshalIndent(qp, "", "  ")
			if err != nil {
				return err
			}

			fmt.Println(string(pretty))
			return nil
		},
	}
}
