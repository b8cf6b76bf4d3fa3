package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"
)

// send <peer> <file>: offer a file to a peer and stream it.
func sendCmd() *cobra.Command {
	var (
		addrs    []string
		announce bool
	)
	cmd := &cobra.Command{
		Use:   "send <peer-id> <file>",
		Short: "Send a file to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := peer.Decode(args[0])
			if err != nil {
				return fmt.Errorf("peer id: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			node, err := startNode(ctx)
			if err != nil {
				return err
			}
			defer stopNode(node)

			if len(addrs) > 0 {
				var mas []multiaddr.Multiaddr
				for _, a := range addrs {
					ma, err := multiaddr.NewMultiaddr(a)
					if err != nil {
						return fmt.Errorf("address %q: %w", a, err)
					}
					mas = append(mas, ma)
				}
				if err := node.AddPeer(p, mas); err != nil {
					return err
				}
			}

			s, err := node.EstablishSession(ctx, p)
			if err != nil {
				return err
			}
			h, err := node.SendFile(ctx, s, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cid: %s\n", h.CID())
			if announce {
				if n, err := node.Announce(ctx, h.CID()); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "announce: %v\n", err)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "announced to %d peers\n", n)
				}
			}
			return progress(ctx, h)
		},
	}
	cmd.Flags().StringSliceVar(&addrs, "addr", nil, "peer multiaddr to try before a DHT lookup (repeatable)")
	cmd.Flags().BoolVar(&announce, "announce", false, "announce the content CID in the DHT")
	return cmd
}
