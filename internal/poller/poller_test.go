package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ronappleton/tracker/internal/loop"
	"github.com/ronappleton/tracker/internal/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	mu      sync.Mutex
	results []progress.Update
	errs    []error
}

func (r *recorder) OnResult(_ string, up progress.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, up)
}

func (r *recorder) OnError(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results), len(r.errs)
}

func setup(t *testing.T, cfg Config) (*loop.Loop, *Poller) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	l := loop.New(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	p := New(l, cfg, logger)
	t.Cleanup(func() {
		_ = l.Do(context.Background(), p.Close)
		cancel()
		<-l.Done()
	})
	return l, p
}

func on(t *testing.T, l *loop.Loop, fn func()) {
	t.Helper()
	require.NoError(t, l.Do(context.Background(), fn))
}

func statusFetch(status progress.Status, calls *atomic.Int32) FetchFunc {
	return func(_ context.Context, id string) (progress.Update, error) {
		calls.Add(1)
		return progress.Update{ID: id, Source: progress.SourcePoll, At: time.Now(), Status: status}, nil
	}
}

func TestPollerCoalescesInFlightRequests(t *testing.T) {
	l, p := setup(t, Config{RunningInterval: 2 * time.Millisecond, IdleInterval: 2 * time.Millisecond})

	release := make(chan struct{})
	var calls, concurrent, maxConcurrent atomic.Int32
	fetch := func(ctx context.Context, id string) (progress.Update, error) {
		calls.Add(1)
		n := concurrent.Add(1)
		if n > maxConcurrent.Load() {
			maxConcurrent.Store(n)
		}
		defer concurrent.Add(-1)
		<-release
		return progress.Update{ID: id, Source: progress.SourcePoll, At: time.Now()}, nil
	}

	sink := &recorder{}
	on(t, l, func() { p.Start("wf-1", 0, fetch, sink) })

	assert.Eventually(t, func() bool {
		var skipped int
		on(t, l, func() { skipped = p.Skipped("wf-1") })
		return skipped >= 3
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	var inFlight bool
	on(t, l, func() { inFlight = p.InFlight("wf-1") })
	assert.True(t, inFlight)

	close(release)
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, int32(1), maxConcurrent.Load())
}

func TestPollerContinuesAfterFailure(t *testing.T) {
	l, p := setup(t, Config{RunningInterval: 2 * time.Millisecond, IdleInterval: 2 * time.Millisecond})

	var calls atomic.Int32
	fetch := func(_ context.Context, id string) (progress.Update, error) {
		if calls.Add(1) <= 2 {
			return progress.Update{}, errors.New("connection refused")
		}
		return progress.Update{ID: id, Source: progress.SourcePoll, At: time.Now(), Status: progress.StatusRunning}, nil
	}

	sink := &recorder{}
	on(t, l, func() { p.Start("wf-1", 0, fetch, sink) })

	assert.Eventually(t, func() bool {
		results, _ := sink.counts()
		return results >= 1
	}, time.Second, 2*time.Millisecond)
	_, errs := sink.counts()
	assert.Equal(t, 2, errs)
}

func TestPollerStopsAfterTerminalConfirmation(t *testing.T) {
	l, p := setup(t, Config{RunningInterval: 2 * time.Millisecond, IdleInterval: 2 * time.Millisecond})

	var calls atomic.Int32
	sink := &recorder{}
	on(t, l, func() { p.Start("wf-1", 0, statusFetch(progress.StatusCompleted, &calls), sink) })

	assert.Eventually(t, func() bool {
		var active bool
		on(t, l, func() { active = p.Active("wf-1") })
		return !active
	}, time.Second, 2*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	results, _ := sink.counts()
	assert.Equal(t, 2, results)
}

func TestPollerObservedTerminalTriggersConfirmation(t *testing.T) {
	l, p := setup(t, Config{RunningInterval: 2 * time.Millisecond, IdleInterval: time.Hour})

	var calls atomic.Int32
	on(t, l, func() { p.Start("wf-1", 0, statusFetch("", &calls), &recorder{}) })
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	on(t, l, func() { p.Observe("wf-1", progress.StatusFailed) })

	assert.Eventually(t, func() bool {
		var active bool
		on(t, l, func() { active = p.Active("wf-1") })
		return !active
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPollerShortensIntervalWhileRunning(t *testing.T) {
	l, p := setup(t, Config{RunningInterval: 2 * time.Millisecond, IdleInterval: time.Hour})

	var calls atomic.Int32
	on(t, l, func() { p.Start("wf-1", 0, statusFetch(progress.StatusRunning, &calls), &recorder{}) })

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 2*time.Millisecond)
}

func TestPollerStopDropsInFlightResult(t *testing.T) {
	l, p := setup(t, Config{RunningInterval: time.Hour, IdleInterval: time.Hour})

	release := make(chan struct{})
	fetch := func(_ context.Context, id string) (progress.Update, error) {
		<-release
		return progress.Update{ID: id, Status: progress.StatusRunning}, nil
	}
	sink := &recorder{}
	on(t, l, func() { p.Start("wf-1", 0, fetch, sink) })
	on(t, l, func() { p.Stop("wf-1") })
	on(t, l, func() { p.Stop("wf-1") })

	close(release)
	time.Sleep(10 * time.Millisecond)
	on(t, l, func() {})

	results, errs := sink.counts()
	assert.Zero(t, results)
	assert.Zero(t, errs)
	var active bool
	on(t, l, func() { active = p.Active("wf-1") })
	assert.False(t, active)
}

func TestPollerStartTwiceIsNoop(t *testing.T) {
	l, p := setup(t, Config{RunningInterval: time.Hour, IdleInterval: time.Hour})

	var calls atomic.Int32
	on(t, l, func() {
		p.Start("wf-1", 0, statusFetch("", &calls), &recorder{})
		p.Start("wf-1", 0, statusFetch("", &calls), &recorder{})
	})
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}
