package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"torrent-hls/internal/platform/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "torrent-hls",
		Short:         "On-demand HLS transcoding for files streamed from torrents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			// A missing .env is fine; the environment and defaults still apply.
			if envFile != "" {
				_ = config.Load(envFile)
			} else {
				_ = config.Load()
			}
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default .env)")

	serve := newServeCmd()
	root.AddCommand(serve, newProbeCmd(), newSweepCmd())

	// Running without a subcommand serves.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

// applyFlags overrides config values with explicitly set flags.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		cfg.Port = f.Value.String()
	}
	if f := cmd.Flags().Lookup("base-dir"); f != nil && f.Changed {
		cfg.BaseDir = f.Value.String()
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.LogLevel = f.Value.String()
	}
}
