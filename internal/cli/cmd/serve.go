package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"dropcrate/internal/config"
	"dropcrate/internal/dirs"
	"dropcrate/internal/registry"
	"dropcrate/internal/scheduler"
	"dropcrate/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "serve",
		Short:         "Run the HTTP bridge server (batch ingest + SSE)",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			port, _ := cmd.Flags().GetInt("port")
			if port == 0 {
				port = config.BridgePort()
			}
			verbose, _ := cmd.Flags().GetBool("verbose")

			// The server logs structured JSON, unlike the CLI's console
			// writer.
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

			inbox, err := config.InboxDir()
			if err != nil {
				return &ExitError{Code: ExitCLIError, Err: err}
			}
			if err := dirs.Ensure(inbox); err != nil {
				return &ExitError{Code: ExitCLIError, Err: fmt.Errorf("failed to create inbox dir: %v", err)}
			}

			svc, drv, llm, err := buildService(cmd.Context(), inbox, log)
			if err != nil {
				return &ExitError{Code: ExitMissingDep, Err: err}
			}

			srv := server.New(
				server.WithRegistry(registry.New(registry.WithLogger(log))),
				server.WithProcessor(svc),
				server.WithFetcher(drv),
				server.WithLLM(llm),
				server.WithInboxDir(inbox),
				server.WithVersion(config.Version),
				server.WithDefaultConcurrency(scheduler.DefaultConcurrency),
				server.WithLogger(log),
			)

			addr := fmt.Sprintf(":%d", port)
			log.Info().Str("addr", addr).Str("inbox", inbox).Msg("bridge server listening")
			if err := srv.ListenAndServe(cmd.Context(), addr); err != nil {
				return &ExitError{Code: ExitCLIError, Err: err}
			}
			return nil
		},
	}
	cmd.Flags().Int("port", 0, "Listen port (default BRIDGE_PORT or 8787)")
	return cmd
}
