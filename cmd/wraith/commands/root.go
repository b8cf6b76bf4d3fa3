// Package commands implements the wraith command-line interface.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/doublegate/WRAITH-Protocol-sub010/golog"
)

var (
	configPath   string
	identityPath string
	listenAddr   string
	logLevel     string
)

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "wraith",
		Short:        "Secure peer-to-peer file transfer",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return golog.SetLevel("*", logLevel)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "TOML config file")
	root.PersistentFlags().StringVar(&identityPath, "identity", "", "identity key file (overrides config)")
	root.PersistentFlags().StringVar(&listenAddr, "listen", "", "listen multiaddr (overrides config)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	root.AddCommand(keygenCmd(), runCmd(), sendCmd(), receiveCmd(), natCmd(), versionCmd())
	return root
}
