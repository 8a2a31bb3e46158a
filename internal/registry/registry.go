// Package registry tracks running jobs and fans their event streams
// out to subscribers. Every job keeps a bounded replay history so late
// subscribers see the whole story, and finished jobs are reaped after
// a grace period.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dropcrate/internal/events"
)

const (
	// DefaultHistoryCap bounds per-job replay history; the oldest
	// events fall off first.
	DefaultHistoryCap = 250

	// DefaultReapAfter is how long a finished job stays subscribable.
	DefaultReapAfter = 5 * time.Minute

	// subscriberBuffer is the per-subscriber channel depth. A
	// subscriber that falls this far behind is dropped.
	subscriberBuffer = 64
)

// ErrUnknownJob is returned for job ids that never existed or were
// already reaped.
var ErrUnknownJob = errors.New("unknown job")

type job struct {
	id     string
	cancel context.CancelFunc

	history []events.Event
	subs    map[chan events.Event]struct{}
	done    bool
}

// Registry is safe for concurrent use.
type Registry struct {
	historyCap int
	reapAfter  time.Duration
	log        zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// Option configures a Registry.
type Option func(*Registry)

// WithHistoryCap overrides the replay history bound.
func WithHistoryCap(n int) Option {
	return func(r *Registry) { r.historyCap = n }
}

// WithReapAfter overrides the finished-job retention period.
func WithReapAfter(d time.Duration) Option {
	return func(r *Registry) { r.reapAfter = d }
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		historyCap: DefaultHistoryCap,
		reapAfter:  DefaultReapAfter,
		log:        zerolog.Nop(),
		jobs:       make(map[string]*job),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Job is a handle for the goroutine running a batch: a derived
// context, an emit sink and the job id subscribers use.
type Job struct {
	ID string

	ctx context.Context
	r   *Registry
}

// Context is cancelled when the job is cancelled.
func (j *Job) Context() context.Context { return j.ctx }

// Emit records e in the replay history and forwards it to all live
// subscribers.
func (j *Job) Emit(e events.Event) { j.r.emit(j.ID, e) }

// Create registers a new job derived from parent and returns its
// handle.
func (r *Registry) Create(parent context.Context) *Job {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()

	r.mu.Lock()
	r.jobs[id] = &job{
		id:     id,
		cancel: cancel,
		subs:   make(map[chan events.Event]struct{}),
	}
	r.mu.Unlock()

	r.log.Debug().Str("job", id).Msg("job created")
	return &Job{ID: id, ctx: ctx, r: r}
}

// Cancel requests cancellation of a running job. It is idempotent and
// reports whether the job was known.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	j.cancel()
	return true
}

// Subscribe returns a channel that replays the job's history and then
// streams live events until the job is reaped or unsubscribe is
// called. The channel is closed by the registry; subscribers that stop
// draining are dropped.
func (r *Registry) Subscribe(jobID string) (<-chan events.Event, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return nil, nil, ErrUnknownJob
	}

	// Replay and registration happen under the lock, so no event can
	// slip between the history copy and going live.
	ch := make(chan events.Event, subscriberBuffer+len(j.history))
	for _, e := range j.history {
		ch <- e
	}
	if j.done {
		close(ch)
		return ch, func() {}, nil
	}
	j.subs[ch] = struct{}{}

	unsubscribe := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, live := j.subs[ch]; live {
			delete(j.subs, ch)
			close(ch)
		}
	}
	return ch, unsubscribe, nil
}

func (r *Registry) emit(jobID string, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok || j.done {
		return
	}

	j.history = append(j.history, e)
	if len(j.history) > r.historyCap {
		j.history = j.history[len(j.history)-r.historyCap:]
	}

	for ch := range j.subs {
		select {
		case ch <- e:
		default:
			// Subscriber stopped draining; cut it loose rather than
			// blocking the whole job.
			delete(j.subs, ch)
			close(ch)
			r.log.Warn().Str("job", jobID).Msg("dropped slow subscriber")
		}
	}

	if e.TerminalForQueue() {
		j.done = true
		j.cancel()
		for ch := range j.subs {
			delete(j.subs, ch)
			close(ch)
		}
		time.AfterFunc(r.reapAfter, func() { r.reap(jobID) })
	}
}

func (r *Registry) reap(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
	r.log.Debug().Str("job", jobID).Msg("job reaped")
}
