package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	wraith "github.com/doublegate/WRAITH-Protocol-sub010"
	prommetrics "github.com/doublegate/WRAITH-Protocol-sub010/prometheus"
)

// run: serve until interrupted, printing node events.
func runCmd() *cobra.Command {
	var httpAddr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var extra []wraith.ConfigOption
			if httpAddr != "" {
				extra = append(extra, wraith.WithMetrics(prommetrics.NewMetrics("")))
			}
			node, err := startNode(ctx, extra...)
			if err != nil {
				return err
			}
			defer stopNode(node)

			out := cmd.OutOrStdout()
			st := node.Status()
			fmt.Fprintf(out, "peer id: %s\nnat: %s\n", st.PeerID, st.NATType)
			for _, a := range node.Addrs() {
				fmt.Fprintf(out, "addr: %s\n", a)
			}

			if httpAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				mux.Handle("/health", wraith.HealthHandler(node))
				mux.Handle("/live", wraith.LivenessHandler(node))
				srv := &http.Server{Addr: httpAddr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						fmt.Fprintf(cmd.ErrOrStderr(), "http: %v\n", err)
					}
				}()
				defer srv.Shutdown(context.Background())
			}

			for {
				select {
				case e, ok := <-node.Events():
					if !ok {
						return nil
					}
					line := fmt.Sprintf("%s %s", e.Timestamp.Format("15:04:05"), e.Kind)
					if e.PeerID != "" {
						line += " peer=" + e.PeerID.String()
					}
					if e.Detail != "" {
						line += " " + e.Detail
					}
					if e.CID.Defined() {
						line += " cid=" + e.CID.String()
					}
					if e.Error != nil {
						line += " error=" + e.Error.Error()
					}
					fmt.Fprintln(out, line)
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "serve /metrics, /health and /live on this address")
	return cmd
}
