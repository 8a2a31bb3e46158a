// Package scheduler fans a batch of track requests out over a bounded
// worker pool, retries retryable failures and turns everything into
// the job event stream.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dropcrate/internal/events"
	"dropcrate/internal/model"
	"dropcrate/internal/pipeline"
)

const (
	// Worker pool bounds. The default favors not hammering the source.
	MinConcurrency     = 1
	MaxConcurrency     = 5
	DefaultConcurrency = 3

	// DefaultMaxRetries is the retry budget per item, on top of the
	// first attempt.
	DefaultMaxRetries = 2
)

// ItemProcessor runs the pipeline for one request.
// *pipeline.Service is the production implementation.
type ItemProcessor interface {
	Process(ctx context.Context, req model.TrackRequest, preset model.ProcessingPreset, progress pipeline.Progress) (pipeline.ItemResult, error)
}

// Scheduler executes batches. One Scheduler may run many batches
// concurrently.
type Scheduler struct {
	proc        ItemProcessor
	concurrency int
	maxRetries  int
	sleep       func(context.Context, time.Duration)
	log         zerolog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConcurrency sets the worker pool size, clamped to [1,5].
func WithConcurrency(n int) Option {
	return func(s *Scheduler) { s.concurrency = n }
}

// WithMaxRetries sets the per-item retry budget.
func WithMaxRetries(n int) Option {
	return func(s *Scheduler) { s.maxRetries = n }
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// withSleep replaces the backoff sleep (tests).
func withSleep(fn func(context.Context, time.Duration)) Option {
	return func(s *Scheduler) { s.sleep = fn }
}

// New constructs a Scheduler around proc.
func New(proc ItemProcessor, opts ...Option) *Scheduler {
	s := &Scheduler{
		proc:        proc,
		concurrency: DefaultConcurrency,
		maxRetries:  DefaultMaxRetries,
		log:         zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.concurrency < MinConcurrency {
		s.concurrency = MinConcurrency
	}
	if s.concurrency > MaxConcurrency {
		s.concurrency = MaxConcurrency
	}
	if s.maxRetries < 0 {
		s.maxRetries = 0
	}
	if s.sleep == nil {
		s.sleep = sleepCtx
	}
	return s
}

// Run executes the whole batch, emitting the job event stream to emit.
// It returns after the terminal queue-done event. Item failures are
// isolated; cancellation is the only thing that stops the batch.
func (s *Scheduler) Run(ctx context.Context, jobID string, reqs []model.TrackRequest, preset model.ProcessingPreset, emit func(events.Event)) {
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
	}
	emit(events.NewQueueStart(jobID, ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, req := range reqs {
		req := req
		g.Go(func() error {
			s.runItem(gctx, jobID, req, preset, emit)
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		emit(events.NewQueueCancelled(jobID))
	}
	emit(events.NewQueueDone(jobID))
}

func (s *Scheduler) runItem(ctx context.Context, jobID string, req model.TrackRequest, preset model.ProcessingPreset, emit func(events.Event)) {
	// Items the cancellation beat to the pool never started; emitting
	// item-start for them would lie to the board.
	if ctx.Err() != nil {
		emit(events.NewItemError(jobID, req.ID, model.ErrCancelled, "cancelled before start", ""))
		return
	}
	emit(events.NewItemStart(jobID, req.ID))

	progress := func(stage events.Stage, message string) {
		emit(events.NewItemProgress(jobID, req.ID, stage, message))
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		res, err := s.proc.Process(ctx, req, preset, progress)
		if err == nil {
			emit(events.NewItemDone(jobID, req.ID, &res.Outputs, res.Message))
			return
		}
		lastErr = err

		if !model.IsRetryable(err) || attempt >= s.maxRetries || ctx.Err() != nil {
			break
		}
		delay := time.Second << attempt
		s.log.Debug().
			Str("item", req.ID).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("retrying item")
		s.sleep(ctx, delay)
		if ctx.Err() != nil {
			break
		}
	}

	kind := model.KindOf(lastErr)
	if ctx.Err() != nil {
		kind = model.ErrCancelled
	}
	emit(events.NewItemError(jobID, req.ID, kind, lastErr.Error(), model.HintOf(lastErr)))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
