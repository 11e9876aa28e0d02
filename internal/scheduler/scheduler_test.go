package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacobragsdale/automation/internal/adapter/memory"
	"github.com/jacobragsdale/automation/internal/scheduler"
)

type firedRecorder struct {
	mu    sync.Mutex
	ids   []uuid.UUID
	errFn func(id uuid.UUID) error
}

func (r *firedRecorder) callback(_ context.Context, id uuid.UUID, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errFn != nil {
		if err := r.errFn(id); err != nil {
			return err
		}
	}
	r.ids = append(r.ids, id)
	return nil
}

func (r *firedRecorder) fired() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.ids...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestScheduler_FiresDueJob(t *testing.T) {
	clock := clockwork.NewFakeClock()
	jobs := memory.NewJobRepository()
	rec := &firedRecorder{}

	s := scheduler.New(jobs, clock, time.Second)
	s.Register(rec.callback)

	id := uuid.New()
	require.NoError(t, s.Schedule(context.Background(), id, clock.Now().Add(30*time.Second), nil))

	s.Start()
	defer s.Stop()

	clock.BlockUntilContext(context.Background(), 1)
	clock.Advance(time.Second)
	// not due yet
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.fired())

	clock.Advance(30 * time.Second)
	waitFor(t, func() bool { return len(rec.fired()) == 1 })
	assert.Equal(t, id, rec.fired()[0])

	// job marked done, later polls must not refire
	clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.fired(), 1)
}

func TestScheduler_CancelPreventsFiring(t *testing.T) {
	clock := clockwork.NewFakeClock()
	jobs := memory.NewJobRepository()
	rec := &firedRecorder{}

	s := scheduler.New(jobs, clock, time.Second)
	s.Register(rec.callback)

	id := uuid.New()
	require.NoError(t, s.Schedule(context.Background(), id, clock.Now().Add(time.Second), nil))
	require.NoError(t, s.Cancel(context.Background(), id))
	// cancelling twice is fine
	require.NoError(t, s.Cancel(context.Background(), id))

	s.Start()
	defer s.Stop()

	clock.BlockUntilContext(context.Background(), 1)
	clock.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.fired())
}

func TestScheduler_JobsSurviveRestart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	jobs := memory.NewJobRepository()

	first := scheduler.New(jobs, clock, time.Second)
	id := uuid.New()
	require.NoError(t, first.Schedule(context.Background(), id, clock.Now().Add(time.Second), []byte(`{"v":1}`)))
	// the first process dies before the job fires

	rec := &firedRecorder{}
	second := scheduler.New(jobs, clock, time.Second)
	second.Register(rec.callback)
	second.Start()
	defer second.Stop()

	clock.BlockUntilContext(context.Background(), 1)
	clock.Advance(2 * time.Second)
	waitFor(t, func() bool { return len(rec.fired()) == 1 })
}

func TestScheduler_FailedCallbackRetriedNextPoll(t *testing.T) {
	clock := clockwork.NewFakeClock()
	jobs := memory.NewJobRepository()

	var failures int
	var mu sync.Mutex
	rec := &firedRecorder{errFn: func(uuid.UUID) error {
		mu.Lock()
		defer mu.Unlock()
		if failures < 1 {
			failures++
			return errors.New("transient")
		}
		return nil
	}}

	s := scheduler.New(jobs, clock, time.Second)
	s.Register(rec.callback)

	id := uuid.New()
	require.NoError(t, s.Schedule(context.Background(), id, clock.Now(), nil))

	s.Start()
	defer s.Stop()

	clock.BlockUntilContext(context.Background(), 1)
	clock.Advance(time.Second) // first poll fails the callback
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return failures == 1 })

	clock.Advance(time.Second) // retry succeeds
	waitFor(t, func() bool { return len(rec.fired()) == 1 })
}
