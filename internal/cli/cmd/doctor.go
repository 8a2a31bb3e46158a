package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"dropcrate/internal/config"
	"dropcrate/internal/dirs"
	"dropcrate/internal/tools"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "doctor",
		Short:         "Diagnose external dependencies (yt-dlp, ffmpeg, fpcalc) and lookup configuration",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			log := newLogger(verbose)

			if err := dirs.EnsureAll(); err != nil {
				return &ExitError{Code: ExitCLIError, Err: err}
			}
			binDir, err := dirs.BinDir()
			if err != nil {
				return &ExitError{Code: ExitCLIError, Err: err}
			}
			prov := tools.New(
				tools.WithBinDir(binDir),
				tools.WithOverrides(config.ExtractorPath(), config.FFmpegPath(), config.FpcalcPath()),
				tools.WithLogger(log),
			)
			paths, err := prov.Resolve(cmd.Context())
			if err != nil {
				return &ExitError{Code: ExitMissingDep, Err: err}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Extractor: %s\n", paths.Extractor)
			fmt.Fprintf(out, "FFmpeg:    %s\n", paths.FFmpeg)
			fmt.Fprintf(out, "Fpcalc:    %s\n", orMissing(paths.Fpcalc))
			fmt.Fprintf(out, "AcoustID:  %s\n", configured(config.AcoustIDKey()))
			fmt.Fprintf(out, "LLM:       %s\n", configured(config.OpenAIKey()))
			return nil
		},
	}
}

func orMissing(path string) string {
	if path == "" {
		return "not found (fingerprint lookup disabled)"
	}
	return path
}

func configured(secret string) string {
	if secret == "" {
		return "not configured"
	}
	return "configured"
}
