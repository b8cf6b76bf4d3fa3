package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
)

// keygen: create the node identity key.
func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a node identity key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fc, err := loadFileConfig()
			if err != nil {
				return err
			}
			path, err := resolveIdentityPath(fc)
			if err != nil {
				return err
			}
			id, err := crypto.GenerateIdentity()
			if err != nil {
				return err
			}
			defer id.Close()
			if err := crypto.SaveKeyFile(path, id.PrivateKey()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\npeer id: %s\n", path, id.PeerID())
			return nil
		},
	}
}
