// Package cmd assembles the dropcrate command tree: the root batch
// command, the HTTP bridge server, and the doctor/completion helpers.
package cmd

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"dropcrate/internal/config"
)

// Process exit codes. Startup failures get a distinct code per class so
// wrappers can tell "tool missing" from "bad flags".
const (
	ExitOK             = 0
	ExitCLIError       = 1
	ExitMissingDep     = 2
	ExitDownloadError  = 3
	ExitTranscodeError = 4
)

// ExitError wraps an error with a process exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dropcrate [urls...]",
		Short:         "DJ media inbox: fetch, normalize, tag, file",
		Long:          "Dropcrate turns links into DJ-ready files. Give it up to ten URLs and it fetches each one, classifies it (track, set, podcast, video), fingerprints it against AcoustID/MusicBrainz, loudness-normalizes it, embeds tags and artwork, and files the result into your inbox directory with a JSON sidecar.",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.RangeArgs(1, maxBatchURLs),
		PreRunE:       runPreRun,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(cmd, args)
		},
	}

	// Persistent flags available to all subcommands.
	root.PersistentFlags().String("inbox", "", "Inbox directory for published files (default ~/Music/dropcrate)")
	root.PersistentFlags().BoolP("verbose", "v", false, "Debug logging on stderr")

	// Also bind run flags on root, so `dropcrate <url>` works without a
	// subcommand.
	bindRunFlags(root.Flags())

	_ = config.Init(root)

	root.AddCommand(newRunCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newCompletionCmd())

	return root
}

func bindRunFlags(fs *pflag.FlagSet) {
	fs.String("mode", "dj-safe", "Processing mode: dj-safe, fast")
	fs.String("audio-format", "", "Output audio format: aiff, wav, flac, mp3, m4a, auto (default per mode)")
	fs.Bool("normalize", true, "Two-pass loudness normalization (dj-safe mode)")
	fs.Float64("lufs", -14, "Integrated loudness target, LUFS")
	fs.Float64("true-peak", -1, "True peak ceiling, dBTP")
	fs.Float64("lra", 11, "Loudness range target, LU")
	fs.Int("concurrent", 1, "Concurrent items (1-5)")
	fs.String("genre", "", "Default genre tag when classification is uncertain")
	fs.String("energy", "", "Default energy tag (1/5..5/5)")
	fs.String("time", "", "Default set-time tag (Warmup, Peak, Closing)")
	fs.String("vibe", "", "Default vibe tag")
	fs.Bool("no-ui", false, "Disable TUI; print plain event lines")
}

// Execute runs the CLI with the provided context.
func Execute(ctx context.Context) error {
	root := newRootCmd()
	return root.ExecuteContext(ctx)
}

// newLogger builds the CLI logger: human console output on stderr,
// debug level only with --verbose.
func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}
