package commands

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/session"
)

// receive <peer>: accept the next file the peer offers.
func receiveCmd() *cobra.Command {
	var (
		expected string
		out      string
		dial     bool
	)
	cmd := &cobra.Command{
		Use:   "receive <peer-id>",
		Short: "Receive a file from a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := peer.Decode(args[0])
			if err != nil {
				return fmt.Errorf("peer id: %w", err)
			}
			var want *cid.Cid
			if expected != "" {
				c, err := cid.Decode(expected)
				if err != nil {
					return fmt.Errorf("cid: %w", err)
				}
				want = &c
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			node, err := startNode(ctx)
			if err != nil {
				return err
			}
			defer stopNode(node)
			fmt.Fprintf(cmd.OutOrStdout(), "peer id: %s\n", node.PeerID())

			var s *session.Session
			if dial {
				if s, err = node.EstablishSession(ctx, p); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "waiting for %s\n", p)
				ticker := time.NewTicker(100 * time.Millisecond)
				defer ticker.Stop()
				for s == nil {
					select {
					case <-ticker.C:
						s, _ = node.Session(p)
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}

			h, err := node.Receive(ctx, s, want, out)
			if err != nil {
				return err
			}
			return progress(ctx, h)
		},
	}
	cmd.Flags().StringVar(&expected, "cid", "", "only accept this content")
	cmd.Flags().StringVarP(&out, "out", "o", "", "destination path (default: download dir, offered name)")
	cmd.Flags().BoolVar(&dial, "dial", false, "establish the session instead of waiting for the sender")
	return cmd
}
