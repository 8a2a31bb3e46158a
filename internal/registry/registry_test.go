package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropcrate/internal/events"
)

func drain(t *testing.T, ch <-chan events.Event, n int) []events.Event {
	t.Helper()
	out := make([]events.Event, 0, n)
	for len(out) < n {
		select {
		case e, ok := <-ch:
			require.True(t, ok, "channel closed after %d events", len(out))
			out = append(out, e)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestSubscribeReplayThenLive(t *testing.T) {
	r := New()
	j := r.Create(context.Background())

	j.Emit(events.NewQueueStart(j.ID, []string{"a"}))
	j.Emit(events.NewItemStart(j.ID, "a"))

	ch, unsub, err := r.Subscribe(j.ID)
	require.NoError(t, err)
	defer unsub()

	j.Emit(events.NewItemDone(j.ID, "a", nil, "Published a"))

	got := drain(t, ch, 3)
	assert.Equal(t, events.QueueStart, got[0].Type)
	assert.Equal(t, events.ItemStart, got[1].Type)
	assert.Equal(t, events.ItemDone, got[2].Type)
}

func TestSubscribeUnknownJob(t *testing.T) {
	r := New()
	_, _, err := r.Subscribe("nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestSubscribeAfterDoneReplaysAndCloses(t *testing.T) {
	r := New()
	j := r.Create(context.Background())
	j.Emit(events.NewQueueStart(j.ID, nil))
	j.Emit(events.NewQueueDone(j.ID))

	ch, _, err := r.Subscribe(j.ID)
	require.NoError(t, err)

	got := drain(t, ch, 2)
	assert.Equal(t, events.QueueDone, got[1].Type)
	_, open := <-ch
	assert.False(t, open, "channel closes after full replay of a finished job")
}

func TestHistoryBounded(t *testing.T) {
	r := New(WithHistoryCap(10))
	j := r.Create(context.Background())
	for i := 0; i < 25; i++ {
		j.Emit(events.NewItemProgress(j.ID, "a", events.StageDownload, fmt.Sprintf("%d", i)))
	}

	ch, unsub, err := r.Subscribe(j.ID)
	require.NoError(t, err)
	defer unsub()

	got := drain(t, ch, 10)
	assert.Equal(t, "15", got[0].Message, "oldest events dropped first")
	assert.Equal(t, "24", got[9].Message)
}

func TestCancelPropagatesToContext(t *testing.T) {
	r := New()
	j := r.Create(context.Background())

	require.True(t, r.Cancel(j.ID))
	select {
	case <-j.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("job context not cancelled")
	}

	assert.True(t, r.Cancel(j.ID), "cancel is idempotent")
	assert.False(t, r.Cancel("nope"))
}

func TestQueueDoneClosesSubscribers(t *testing.T) {
	r := New()
	j := r.Create(context.Background())

	ch, _, err := r.Subscribe(j.ID)
	require.NoError(t, err)

	j.Emit(events.NewQueueDone(j.ID))
	got := drain(t, ch, 1)
	assert.Equal(t, events.QueueDone, got[0].Type)
	_, open := <-ch
	assert.False(t, open)

	// Emissions after the terminal event are ignored.
	j.Emit(events.NewItemStart(j.ID, "late"))
}

func TestSlowSubscriberDropped(t *testing.T) {
	r := New()
	j := r.Create(context.Background())

	ch, _, err := r.Subscribe(j.ID)
	require.NoError(t, err)

	// Never drain; overflow the buffer.
	for i := 0; i < subscriberBuffer+5; i++ {
		j.Emit(events.NewItemProgress(j.ID, "a", events.StageDownload, "tick"))
	}

	// The channel was closed on us once we fell behind; draining what
	// was buffered eventually hits the close.
	closed := false
	for i := 0; i < subscriberBuffer+10; i++ {
		if _, ok := <-ch; !ok {
			closed = true
			break
		}
	}
	assert.True(t, closed, "slow subscriber channel closed")

	// The job itself is unaffected.
	fresh, unsub, err := r.Subscribe(j.ID)
	require.NoError(t, err)
	defer unsub()
	assert.NotEmpty(t, drain(t, fresh, 1))
}

func TestReapRemovesFinishedJobs(t *testing.T) {
	r := New(WithReapAfter(20 * time.Millisecond))
	j := r.Create(context.Background())
	j.Emit(events.NewQueueDone(j.ID))

	require.Eventually(t, func() bool {
		_, _, err := r.Subscribe(j.ID)
		return err == ErrUnknownJob
	}, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	r := New()
	j := r.Create(context.Background())

	_, unsub, err := r.Subscribe(j.ID)
	require.NoError(t, err)
	unsub()
	unsub()

	j.Emit(events.NewItemStart(j.ID, "a")) // must not panic on a closed channel
}
