// Command emberd runs the node daemon: a request-pull listener backed
// by a refdb store, a tracking-policy-driven replication driver, and
// gossip fanout.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emberlink/ember/internal/config"
	"github.com/emberlink/ember/internal/daemon"
	"github.com/emberlink/ember/internal/obslog"
)

var configPath string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "emberd",
		Short: "emberd runs a node of the tracking/replication network",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")
	root.AddCommand(serveCmd())
	root.AddCommand(initCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the request-pull listener and serve until signalled to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			node, err := daemon.Open(ctx, cfg)
			if err != nil {
				return err
			}
			defer node.Close()

			obslog.Logger.WithField("listen", cfg.Listen).Info("emberd: serving")
			return node.Serve(ctx)
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "print an example TOML config for a new node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("")
			if err != nil {
				return err
			}
			out, err := config.WriteExample(cfg)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
}
