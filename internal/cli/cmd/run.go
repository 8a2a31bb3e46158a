package cmd

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"dropcrate/internal/classify"
	"dropcrate/internal/config"
	"dropcrate/internal/dirs"
	"dropcrate/internal/events"
	"dropcrate/internal/extractor"
	"dropcrate/internal/ffmpeg"
	"dropcrate/internal/fingerprint"
	"dropcrate/internal/model"
	"dropcrate/internal/pipeline"
	"dropcrate/internal/registry"
	"dropcrate/internal/scheduler"
	"dropcrate/internal/tools"
	"dropcrate/internal/ui"
)

// maxBatchURLs caps one CLI invocation; larger batches belong on the
// bridge server.
const maxBatchURLs = 10

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "run [urls...]",
		Short:         "Fetch, process and file a batch of URLs",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.RangeArgs(1, maxBatchURLs),
		PreRunE:       runPreRun,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(cmd, args)
		},
	}
	// Bind same flags as root for explicit subcommand usage.
	bindRunFlags(cmd.Flags())
	return cmd
}

type ctxKey string

const runInputsKey ctxKey = "runInputs"

type runInputs struct {
	Reqs       []model.TrackRequest
	Preset     model.ProcessingPreset
	Concurrent int
	NoUI       bool
	Verbose    bool
}

func runPreRun(cmd *cobra.Command, args []string) error {
	in, err := assembleRunInputs(cmd, args)
	if err != nil {
		return &ExitError{Code: ExitCLIError, Err: err}
	}
	cmd.SetContext(context.WithValue(cmd.Context(), runInputsKey, in))
	return nil
}

func assembleRunInputs(cmd *cobra.Command, args []string) (runInputs, error) {
	verbose, _ := cmd.Flags().GetBool("verbose")

	mode, _ := cmd.Flags().GetString("mode")
	mode = strings.ToLower(mode)
	switch mode {
	case string(model.ModeDJSafe), string(model.ModeFast):
	default:
		return runInputs{}, fmt.Errorf("invalid --mode: %q (valid: dj-safe|fast)", mode)
	}

	format, _ := cmd.Flags().GetString("audio-format")
	format = strings.ToLower(format)
	switch model.AudioFormat(format) {
	case model.FormatAIFF, model.FormatWAV, model.FormatFLAC, model.FormatMP3, model.FormatM4A, model.FormatAuto, "":
	default:
		return runInputs{}, fmt.Errorf("invalid --audio-format: %q (valid: aiff|wav|flac|mp3|m4a|auto)", format)
	}

	normalize, _ := cmd.Flags().GetBool("normalize")
	lufs, _ := cmd.Flags().GetFloat64("lufs")
	truePeak, _ := cmd.Flags().GetFloat64("true-peak")
	lra, _ := cmd.Flags().GetFloat64("lra")

	genre, _ := cmd.Flags().GetString("genre")
	energy, _ := cmd.Flags().GetString("energy")
	setTime, _ := cmd.Flags().GetString("time")
	vibe, _ := cmd.Flags().GetString("vibe")

	concurrent, _ := cmd.Flags().GetInt("concurrent")
	if concurrent < scheduler.MinConcurrency || concurrent > scheduler.MaxConcurrency {
		return runInputs{}, fmt.Errorf("invalid --concurrent: %d (valid: %d-%d)",
			concurrent, scheduler.MinConcurrency, scheduler.MaxConcurrency)
	}

	noUI, _ := cmd.Flags().GetBool("no-ui")

	reqs := make([]model.TrackRequest, 0, len(args))
	for i, raw := range args {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return runInputs{}, fmt.Errorf("invalid URL: %q", raw)
		}
		reqs = append(reqs, model.TrackRequest{ID: fmt.Sprintf("item-%d", i+1), URL: raw})
	}

	preset := model.ProcessingPreset{
		Mode:             model.Mode(mode),
		AudioFormat:      model.AudioFormat(format),
		NormalizeEnabled: normalize,
		Loudness:         model.LoudnessTarget{I: lufs, TP: truePeak, LRA: lra},
		Tags:             model.DJTags{Genre: genre, Energy: energy, Time: setTime, Vibe: vibe},
	}.Normalize()
	if err := preset.Validate(); err != nil {
		return runInputs{}, err
	}

	return runInputs{
		Reqs:       reqs,
		Preset:     preset,
		Concurrent: concurrent,
		NoUI:       noUI,
		Verbose:    verbose,
	}, nil
}

func runExecute(cmd *cobra.Command, args []string) error {
	var in runInputs
	if v := cmd.Context().Value(runInputsKey); v != nil {
		in = v.(runInputs)
	} else {
		assembled, err := assembleRunInputs(cmd, args)
		if err != nil {
			return &ExitError{Code: ExitCLIError, Err: err}
		}
		in = assembled
	}

	log := newLogger(in.Verbose)

	inbox, err := config.InboxDir()
	if err != nil {
		return &ExitError{Code: ExitCLIError, Err: err}
	}
	if err := dirs.Ensure(inbox); err != nil {
		return &ExitError{Code: ExitCLIError, Err: fmt.Errorf("failed to create inbox dir: %v", err)}
	}

	svc, _, _, err := buildService(cmd.Context(), inbox, log)
	if err != nil {
		return &ExitError{Code: ExitMissingDep, Err: err}
	}

	reg := registry.New(registry.WithLogger(log))
	job := reg.Create(cmd.Context())

	sub, unsub, err := reg.Subscribe(job.ID)
	if err != nil {
		return &ExitError{Code: ExitCLIError, Err: err}
	}
	defer unsub()

	sched := scheduler.New(svc,
		scheduler.WithConcurrency(in.Concurrent),
		scheduler.WithLogger(log),
	)
	go sched.Run(job.Context(), job.ID, in.Reqs, in.Preset, job.Emit)

	if !in.NoUI && isTerminal() {
		// Second subscription tracks failure kinds for the exit code
		// while the board consumes the first.
		outcomes, unsubOutcomes, oerr := reg.Subscribe(job.ID)
		if oerr != nil {
			return &ExitError{Code: ExitCLIError, Err: oerr}
		}
		defer unsubOutcomes()
		kindc := make(chan []model.ErrorKind, 1)
		go func() { kindc <- failureKinds(outcomes) }()

		if uerr := ui.Run(cmd.Context(), job.ID, in.Reqs, sub, func() { reg.Cancel(job.ID) }); uerr != nil {
			// Cancel so the outcome collector's channel closes even when
			// the board died mid-job.
			reg.Cancel(job.ID)
			return &ExitError{Code: exitCodeFor(<-kindc), Err: uerr}
		}
		if kinds := <-kindc; len(kinds) > 0 {
			return &ExitError{Code: exitCodeFor(kinds),
				Err: fmt.Errorf("%d of %d item(s) failed", len(kinds), len(in.Reqs))}
		}
		return nil
	}

	kinds := printEvents(cmd.OutOrStdout(), sub)
	if len(kinds) > 0 {
		return &ExitError{Code: exitCodeFor(kinds),
			Err: fmt.Errorf("%d of %d item(s) failed", len(kinds), len(in.Reqs))}
	}
	return nil
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// printEvents renders the event stream as plain lines until the job's
// channel closes, returning the error kinds of failed items.
func printEvents(w io.Writer, ch <-chan events.Event) []model.ErrorKind {
	var kinds []model.ErrorKind
	for e := range ch {
		switch e.Type {
		case events.QueueStart:
			fmt.Fprintf(w, "Queued %d item(s)\n", len(e.Items))
		case events.ItemStart:
			fmt.Fprintf(w, "[%s] started\n", e.ItemID)
		case events.ItemProgress:
			if e.Stage != "" {
				fmt.Fprintf(w, "[%s] %s: %s\n", e.ItemID, e.Stage, e.Message)
			} else {
				fmt.Fprintf(w, "[%s] %s\n", e.ItemID, e.Message)
			}
		case events.ItemDone:
			line := e.Message
			if e.Outputs != nil && e.Outputs.AudioPath != "" {
				line = e.Outputs.AudioPath
			} else if e.Outputs != nil && e.Outputs.VideoPath != "" {
				line = e.Outputs.VideoPath
			}
			fmt.Fprintf(w, "[%s] done: %s\n", e.ItemID, line)
		case events.ItemError:
			kinds = append(kinds, e.Kind)
			fmt.Fprintf(w, "[%s] error (%s): %s\n", e.ItemID, e.Kind, e.Message)
			if e.Hint != "" {
				fmt.Fprintf(w, "[%s] hint: %s\n", e.ItemID, e.Hint)
			}
		case events.QueueCancelled:
			fmt.Fprintln(w, "Batch cancelled")
		case events.QueueDone:
			fmt.Fprintln(w, "Batch finished")
		}
	}
	return kinds
}

// failureKinds drains ch and collects the kinds of item-error events.
func failureKinds(ch <-chan events.Event) []model.ErrorKind {
	var kinds []model.ErrorKind
	for e := range ch {
		if e.Type == events.ItemError {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}

// exitCodeFor maps failure kinds to a process exit code, most specific
// class first.
func exitCodeFor(kinds []model.ErrorKind) int {
	if len(kinds) == 0 {
		return ExitOK
	}
	code := ExitCLIError
	for _, k := range kinds {
		switch k {
		case model.ErrToolUnavailable:
			return ExitMissingDep
		case model.ErrProcessingError:
			code = ExitTranscodeError
		case model.ErrRateLimited, model.ErrGeoBlocked, model.ErrAgeRestricted,
			model.ErrPrivate, model.ErrUnavailable, model.ErrLoginRequired,
			model.ErrCopyright, model.ErrNetworkError, model.ErrUnsupported,
			model.ErrUnknown:
			if code == ExitCLIError {
				code = ExitDownloadError
			}
		}
	}
	return code
}

// buildService resolves external tools and assembles the pipeline
// service shared by the run and serve paths.
func buildService(ctx context.Context, inbox string, log zerolog.Logger) (*pipeline.Service, *extractor.Driver, *classify.LLM, error) {
	if err := dirs.EnsureAll(); err != nil {
		return nil, nil, nil, err
	}
	binDir, err := dirs.BinDir()
	if err != nil {
		return nil, nil, nil, err
	}
	prov := tools.New(
		tools.WithBinDir(binDir),
		tools.WithOverrides(config.ExtractorPath(), config.FFmpegPath(), config.FpcalcPath()),
		tools.WithLogger(log),
	)
	paths, err := prov.Resolve(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	drv := extractor.New(paths.Extractor,
		extractor.WithCookies(config.CookiesFromBrowser(), config.CookiesPath()),
		extractor.WithLogger(log),
	)
	proc := ffmpeg.New(paths.FFmpeg, ffmpeg.WithLogger(log))

	cacheDir, err := dirs.CacheDir()
	if err != nil {
		return nil, nil, nil, err
	}
	matcher := fingerprint.New(paths.Fpcalc, config.AcoustIDKey(), config.MusicBrainzUA(),
		fingerprint.WithCache(fingerprint.NewCache(filepath.Join(cacheDir, "acoustid.json"))),
		fingerprint.WithLogger(log),
	)

	llm := classify.NewLLM(config.OpenAIKey(), config.LLMModel(), classify.WithLLMLogger(log))

	svc := pipeline.NewService(
		pipeline.WithExtractor(drv),
		pipeline.WithProcessor(proc),
		pipeline.WithMatcher(matcher),
		pipeline.WithLLM(llm),
		pipeline.WithInboxDir(inbox),
		pipeline.WithLogger(log),
	)
	return svc, drv, llm, nil
}
