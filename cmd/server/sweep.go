package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"torrent-hls/internal/hlssession"
	"torrent-hls/internal/platform/config"
	"torrent-hls/internal/platform/logger"
)

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove stale session directories once and exit",
		Long: `sweep applies the retention policy to the session base directory.
Sessions whose playlist is still being written are left alone, so it is safe
to run next to a live server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			applyFlags(cmd, &cfg)
			log := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, "text")

			syncer := hlssession.NewSynchronizer(cfg.PollInterval, cfg.FreshnessWindow, log)
			reg := hlssession.NewRegistry(cfg.BaseDir, syncer, log)
			res := hlssession.NewJanitor(reg, cfg.StallTimeout, cfg.Retention, log).Sweep()

			return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
		},
	}
	cmd.Flags().String("base-dir", "", "session directory root (overrides HLS_BASE_DIR)")
	return cmd
}
