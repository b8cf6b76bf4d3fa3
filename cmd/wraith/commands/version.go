package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	wraith "github.com/doublegate/WRAITH-Protocol-sub010"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wraith %s (protocol %s)\n", wraith.Version, wraith.CurrentVersion())
		},
	}
}
