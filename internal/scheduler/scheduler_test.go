package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropcrate/internal/events"
	"dropcrate/internal/model"
	"dropcrate/internal/pipeline"
)

// scriptedProcessor returns canned results per item id, counting
// attempts.
type scriptedProcessor struct {
	mu       sync.Mutex
	attempts map[string]int
	script   func(id string, attempt int) error
	block    chan struct{} // when set, Process waits for a close
	running  int
	maxSeen  int
}

func newScripted(script func(id string, attempt int) error) *scriptedProcessor {
	return &scriptedProcessor{attempts: map[string]int{}, script: script}
}

func (p *scriptedProcessor) Process(ctx context.Context, req model.TrackRequest, _ model.ProcessingPreset, _ pipeline.Progress) (pipeline.ItemResult, error) {
	p.mu.Lock()
	p.attempts[req.ID]++
	attempt := p.attempts[req.ID]
	p.running++
	if p.running > p.maxSeen {
		p.maxSeen = p.running
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}()

	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return pipeline.ItemResult{}, model.NewCancelled("interrupted")
		}
	}
	if ctx.Err() != nil {
		return pipeline.ItemResult{}, model.NewCancelled("interrupted")
	}
	if err := p.script(req.ID, attempt); err != nil {
		return pipeline.ItemResult{}, err
	}
	return pipeline.ItemResult{
		Outputs: model.Outputs{AudioPath: "/inbox/" + req.ID + ".aiff"},
		Message: "Published " + req.ID,
	}, nil
}

// collector gathers emitted events in order.
type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collector) emit(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) ofType(t events.Type) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func reqs(ids ...string) []model.TrackRequest {
	out := make([]model.TrackRequest, len(ids))
	for i, id := range ids {
		out[i] = model.TrackRequest{ID: id, URL: "https://example.com/" + id}
	}
	return out
}

func noSleep(context.Context, time.Duration) {}

func TestRunEmptyBatch(t *testing.T) {
	var c collector
	s := New(newScripted(func(string, int) error { return nil }))
	s.Run(context.Background(), "job-1", nil, model.DefaultPreset(), c.emit)

	require.Len(t, c.events, 2)
	assert.Equal(t, events.QueueStart, c.events[0].Type)
	assert.Empty(t, c.events[0].Items)
	assert.Equal(t, events.QueueDone, c.events[1].Type)
}

func TestRunHappyPath(t *testing.T) {
	var c collector
	s := New(newScripted(func(string, int) error { return nil }), withSleep(noSleep))
	s.Run(context.Background(), "job-1", reqs("a", "b", "c"), model.DefaultPreset(), c.emit)

	assert.Len(t, c.ofType(events.ItemStart), 3)
	done := c.ofType(events.ItemDone)
	require.Len(t, done, 3)
	for _, e := range done {
		assert.NotNil(t, e.Outputs)
		assert.Contains(t, e.Message, "Published")
	}
	assert.Empty(t, c.ofType(events.ItemError))
	assert.Len(t, c.ofType(events.QueueDone), 1)
	assert.Empty(t, c.ofType(events.QueueCancelled))
}

func TestRunRetriesRetryable(t *testing.T) {
	proc := newScripted(func(id string, attempt int) error {
		if attempt < 3 {
			return model.NewError(model.ErrNetworkError, fmt.Errorf("flaky"))
		}
		return nil
	})
	var c collector
	s := New(proc, withSleep(noSleep), WithMaxRetries(2))
	s.Run(context.Background(), "job-1", reqs("a"), model.DefaultPreset(), c.emit)

	assert.Equal(t, 3, proc.attempts["a"], "initial attempt plus two retries")
	assert.Len(t, c.ofType(events.ItemDone), 1)
	assert.Empty(t, c.ofType(events.ItemError))
}

func TestRunRetryBudgetExhausted(t *testing.T) {
	proc := newScripted(func(string, int) error {
		return model.NewError(model.ErrRateLimited, fmt.Errorf("429"))
	})
	var c collector
	s := New(proc, withSleep(noSleep), WithMaxRetries(2))
	s.Run(context.Background(), "job-1", reqs("a"), model.DefaultPreset(), c.emit)

	assert.Equal(t, 3, proc.attempts["a"])
	errs := c.ofType(events.ItemError)
	require.Len(t, errs, 1)
	assert.Equal(t, model.ErrRateLimited, errs[0].Kind)
}

func TestRunNoRetryForTerminalKinds(t *testing.T) {
	proc := newScripted(func(string, int) error {
		return model.NewError(model.ErrPrivate, fmt.Errorf("private video"))
	})
	var c collector
	s := New(proc, withSleep(noSleep))
	s.Run(context.Background(), "job-1", reqs("a"), model.DefaultPreset(), c.emit)

	assert.Equal(t, 1, proc.attempts["a"])
	errs := c.ofType(events.ItemError)
	require.Len(t, errs, 1)
	assert.Equal(t, model.ErrPrivate, errs[0].Kind)
}

func TestRunItemFailureIsIsolated(t *testing.T) {
	proc := newScripted(func(id string, _ int) error {
		if id == "bad" {
			return model.NewError(model.ErrProcessingError, fmt.Errorf("boom"))
		}
		return nil
	})
	var c collector
	s := New(proc, withSleep(noSleep))
	s.Run(context.Background(), "job-1", reqs("a", "bad", "b"), model.DefaultPreset(), c.emit)

	assert.Len(t, c.ofType(events.ItemDone), 2)
	assert.Len(t, c.ofType(events.ItemError), 1)
	assert.Len(t, c.ofType(events.QueueDone), 1)
}

func TestRunConcurrencyClamped(t *testing.T) {
	proc := newScripted(func(string, int) error { return nil })
	proc.block = make(chan struct{})

	var c collector
	s := New(proc, WithConcurrency(99), withSleep(noSleep))
	assert.Equal(t, MaxConcurrency, s.concurrency)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), "job-1", reqs("a", "b", "c", "d", "e", "f", "g"), model.DefaultPreset(), c.emit)
		close(done)
	}()

	// Give workers a moment to saturate the pool, then release.
	time.Sleep(50 * time.Millisecond)
	close(proc.block)
	<-done

	assert.LessOrEqual(t, proc.maxSeen, MaxConcurrency)
	assert.Len(t, c.ofType(events.ItemDone), 7)
}

func TestRunRetriesAreSilentBetweenAttempts(t *testing.T) {
	proc := newScripted(func(id string, attempt int) error {
		if attempt == 1 {
			return model.NewError(model.ErrNetworkError, fmt.Errorf("flaky"))
		}
		return nil
	})
	var c collector
	s := New(proc, withSleep(noSleep), WithMaxRetries(2))
	s.Run(context.Background(), "job-1", reqs("a"), model.DefaultPreset(), c.emit)

	assert.Equal(t, 2, proc.attempts["a"])
	// Progress events carry pipeline stages only; the retry loop itself
	// emits nothing.
	assert.Empty(t, c.ofType(events.ItemProgress))
	assert.Len(t, c.ofType(events.ItemStart), 1)
}

func TestRunCancelledItemsNeverStart(t *testing.T) {
	proc := newScripted(func(string, int) error { return nil })
	proc.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	var c collector
	s := New(proc, WithConcurrency(1), withSleep(noSleep))

	done := make(chan struct{})
	go func() {
		s.Run(ctx, "job-1", reqs("a", "b", "c"), model.DefaultPreset(), c.emit)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	close(proc.block)
	<-done

	// Only the in-flight item ever started; the queued ones go straight
	// to a cancelled item-error.
	assert.Len(t, c.ofType(events.ItemStart), 1)
	errs := c.ofType(events.ItemError)
	require.Len(t, errs, 3)
	for _, e := range errs {
		assert.Equal(t, model.ErrCancelled, e.Kind)
	}
}

func TestRunCancelMarksRemainingItems(t *testing.T) {
	proc := newScripted(func(string, int) error { return nil })
	proc.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	var c collector
	s := New(proc, WithConcurrency(1), withSleep(noSleep))

	done := make(chan struct{})
	go func() {
		s.Run(ctx, "job-1", reqs("a", "b", "c"), model.DefaultPreset(), c.emit)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	close(proc.block)
	<-done

	errs := c.ofType(events.ItemError)
	assert.NotEmpty(t, errs)
	for _, e := range errs {
		assert.Equal(t, model.ErrCancelled, e.Kind)
	}
	require.Len(t, c.ofType(events.QueueCancelled), 1)
	queueDone := c.ofType(events.QueueDone)
	require.Len(t, queueDone, 1)

	// queue-cancelled precedes the terminal queue-done.
	c.mu.Lock()
	last := c.events[len(c.events)-1]
	prev := c.events[len(c.events)-2]
	c.mu.Unlock()
	assert.Equal(t, events.QueueDone, last.Type)
	assert.Equal(t, events.QueueCancelled, prev.Type)
}
