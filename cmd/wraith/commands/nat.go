package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// nat: classify the local NAT against the configured reflectors.
func natCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "nat",
		Short: "Detect the NAT type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			node, err := startNode(ctx)
			if err != nil {
				return err
			}
			defer stopNode(node)

			t, err := node.DetectNATType(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "nat type: %s\n", t)
			for _, a := range node.Addrs() {
				fmt.Fprintf(cmd.OutOrStdout(), "addr: %s\n", a)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	return cmd
}
