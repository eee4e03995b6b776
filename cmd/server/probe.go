package main

import (
	"encoding/json"
	"os/exec"

	"github.com/spf13/cobra"

	"torrent-hls/internal/hlssession"
	"torrent-hls/internal/platform/config"
)

type probeReport struct {
	File     string                    `json:"file"`
	Codecs   hlssession.CodecInfo      `json:"codecs"`
	Strategy hlssession.EncodeStrategy `json:"strategy"`
	Error    string                    `json:"error,omitempty"`
	Command  []string                  `json:"command"`
}

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <file>",
		Short: "Probe a media file and print the encode decision and ffmpeg command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			probe := hlssession.FFprobe{Binary: cfg.FFprobePath, Timeout: cfg.ProbeTimeout}

			info, err := probe.Probe(cmd.Context(), args[0])
			report := probeReport{File: args[0], Codecs: info}
			if err != nil {
				report.Error = err.Error()
			}
			report.Strategy = hlssession.SelectStrategy(info)

			ffmpegCfg := hlssession.FFmpegConfig{
				Binary:          cfg.FFmpegPath,
				SegmentDuration: cfg.SegmentDuration,
				VideoPreset:     cfg.VideoPreset,
				VideoCRF:        cfg.VideoCRF,
				AudioBitrate:    cfg.AudioBitrate,
			}
			job := hlssession.Job{Dir: "<session-dir>", Strategy: report.Strategy, Codecs: info, InputPath: args[0]}
			report.Command = append([]string{cfg.FFmpegPath}, hlssession.BuildArgs(ffmpegCfg, job)...)
			if p, lookErr := exec.LookPath(cfg.FFmpegPath); lookErr == nil {
				report.Command[0] = p
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
