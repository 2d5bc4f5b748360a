package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ronappleton/tracker/internal/api"
	"github.com/ronappleton/tracker/internal/command"
	"github.com/ronappleton/tracker/internal/conn"
	"github.com/ronappleton/tracker/internal/poller"
	"github.com/ronappleton/tracker/internal/progress"
	"github.com/ronappleton/tracker/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type pipe struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func (p *pipe) ReadMessage() ([]byte, error) {
	select {
	case f := <-p.frames:
		return f, nil
	case <-p.closed:
		return nil, errors.New("closed")
	}
}

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type dialer struct {
	fail  atomic.Bool
	calls atomic.Int32
	conns chan *pipe
}

func (d *dialer) Dial(context.Context, string) (conn.Conn, error) {
	d.calls.Add(1)
	if d.fail.Load() {
		return nil, errors.New("refused")
	}
	p := &pipe{frames: make(chan []byte, 8), closed: make(chan struct{})}
	d.conns <- p
	return p, nil
}

type backend struct {
	mu      sync.Mutex
	calls   int
	status  func(id string) (progress.Update, error)
	block   chan struct{}
	entered chan struct{}
}

func (b *backend) fetch(_ context.Context, id string) (progress.Update, error) {
	b.mu.Lock()
	b.calls++
	status, block, entered := b.status, b.block, b.entered
	b.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}
	if status == nil {
		return progress.Update{ID: id, Source: progress.SourcePoll, At: time.Now()}, nil
	}
	return status(id)
}

func (b *backend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *backend) set(fn func(id string) (progress.Update, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = fn
}

type okPoster struct{}

func (okPoster) Post(context.Context, string, any, string) (api.Response, error) {
	return api.Response{OK: true}, nil
}

func newTracker(t *testing.T, pushURL string, d *dialer, b *backend) *Tracker {
	t.Helper()
	opts := Options{
		PushURL: pushURL,
		Poll:    poller.Config{RunningInterval: 3 * time.Millisecond, IdleInterval: 3 * time.Millisecond},
		Push:    conn.Config{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 2},
	}
	if d == nil {
		d = &dialer{conns: make(chan *pipe, 8)}
	}
	tr := New(opts, Deps{Fetch: b.fetch, Poster: okPoster{}, Dialer: d}, zaptest.NewLogger(t))
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Stop(context.Background()) })
	return tr
}

func snapshot(t *testing.T, tr *Tracker, id string) reconcile.Snapshot {
	t.Helper()
	s, err := tr.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestStalePollIsDiscardedAfterPush(t *testing.T) {
	d := &dialer{conns: make(chan *pipe, 8)}
	b := &backend{}
	tr := newTracker(t, "ws://push", d, b)

	var p *pipe
	select {
	case p = <-d.conns:
	case <-time.After(time.Second):
		t.Fatalf("push channel never dialed")
	}

	_, err := tr.Track(context.Background(), "wf-1", progress.KindDiscovery)
	require.NoError(t, err)

	p.frames <- []byte(`{"type":"workflow_update","data":{"id":"wf-1","status":"running","phases":[{"name":"search","completedUnits":3,"totalUnits":10}]}}`)
	assert.Eventually(t, func() bool {
		s, _ := tr.Get(context.Background(), "wf-1")
		return s.Workflow.LastUpdateSource == progress.SourcePush
	}, time.Second, time.Millisecond)

	b.set(func(id string) (progress.Update, error) {
		one, ten := 1, 10
		return progress.Update{
			ID: id, Source: progress.SourcePoll, At: time.Now(), Status: progress.StatusStarting,
			Phases: []progress.PhaseUpdate{{Name: "search", CompletedUnits: &one, TotalUnits: &ten}},
		}, nil
	})
	calls := b.callCount()
	assert.Eventually(t, func() bool { return b.callCount() >= calls+3 }, time.Second, time.Millisecond)

	s := snapshot(t, tr, "wf-1")
	search, ok := s.Workflow.Phase("search")
	require.True(t, ok)
	assert.Equal(t, 3, search.CompletedUnits)
	assert.Equal(t, progress.StatusRunning, s.Workflow.Status)
	assert.True(t, s.PushAvailable)
}

func TestUntrackDropsLateResponses(t *testing.T) {
	b := &backend{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	tr := newTracker(t, "", nil, b)

	_, err := tr.Track(context.Background(), "wf-1", progress.KindTraining)
	require.NoError(t, err)
	<-b.entered

	require.NoError(t, tr.Untrack(context.Background(), "wf-1"))
	b.set(func(id string) (progress.Update, error) {
		return progress.Update{ID: id, Source: progress.SourcePoll, At: time.Now(), Status: progress.StatusCompleted}, nil
	})
	close(b.block)

	time.Sleep(10 * time.Millisecond)
	_, err = tr.Get(context.Background(), "wf-1")
	assert.ErrorIs(t, err, ErrNotTracked)
	assert.ErrorIs(t, tr.Untrack(context.Background(), "wf-1"), ErrNotTracked)
	assert.Equal(t, 1, b.callCount())
}

func TestPollingOnlyBecomesStale(t *testing.T) {
	d := &dialer{conns: make(chan *pipe, 8)}
	d.fail.Store(true)
	b := &backend{}
	b.set(func(string) (progress.Update, error) { return progress.Update{}, errors.New("503") })
	tr := newTracker(t, "ws://push", d, b)

	_, err := tr.Track(context.Background(), "wf-1", progress.KindOther)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		s, _ := tr.Get(context.Background(), "wf-1")
		return s.Stale && !s.PushAvailable
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), d.calls.Load())

	b.set(nil)
	assert.Eventually(t, func() bool {
		s, _ := tr.Get(context.Background(), "wf-1")
		return !s.Stale
	}, time.Second, time.Millisecond)

	state, attempts, err := tr.PushState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, conn.StateClosed, state)
	assert.Equal(t, 2, attempts)
}

func TestPushChangeListener(t *testing.T) {
	d := &dialer{conns: make(chan *pipe, 8)}
	tr := newTracker(t, "ws://push", d, &backend{})

	var mu sync.Mutex
	var seen []bool
	require.NoError(t, tr.OnPushChange(context.Background(), func(open bool) {
		mu.Lock()
		seen = append(seen, open)
		mu.Unlock()
	}))

	p := <-d.conns
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1]
	}, time.Second, time.Millisecond)

	p.Close()
	<-d.conns
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		falses := 0
		for _, open := range seen {
			if !open {
				falses++
			}
		}
		return falses >= 1 && seen[len(seen)-1]
	}, time.Second, time.Millisecond)
}

func TestSendAppliesOptimisticUpdate(t *testing.T) {
	b := &backend{}
	b.set(func(id string) (progress.Update, error) {
		return progress.Update{ID: id, Source: progress.SourcePoll, At: time.Now(), Status: progress.StatusRunning}, nil
	})
	tr := newTracker(t, "", nil, b)
	_, err := tr.Track(context.Background(), "wf-1", progress.KindDiscovery)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return snapshot(t, tr, "wf-1").Workflow.Status == progress.StatusRunning
	}, time.Second, time.Millisecond)

	// hold polls back so the optimistic state stays visible
	b.mu.Lock()
	b.block = make(chan struct{})
	b.mu.Unlock()
	calls := b.callCount()
	assert.Eventually(t, func() bool { return b.callCount() > calls }, time.Second, time.Millisecond)

	res, err := tr.Send(context.Background(), "wf-1", command.Stop, command.Payload{})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	s := snapshot(t, tr, "wf-1")
	assert.Equal(t, progress.StatusStopping, s.Workflow.Status)
	assert.Equal(t, "stop", s.Workflow.Optimistic)

	b.set(func(id string) (progress.Update, error) {
		return progress.Update{ID: id, Source: progress.SourcePoll, At: time.Now(), Status: progress.StatusCancelled}, nil
	})
	close(b.block)
	assert.Eventually(t, func() bool {
		s := snapshot(t, tr, "wf-1")
		return s.Workflow.Status == progress.StatusCancelled && s.Workflow.Optimistic == ""
	}, time.Second, time.Millisecond)
}

func TestResetResumesPolling(t *testing.T) {
	b := &backend{}
	b.set(func(id string) (progress.Update, error) {
		return progress.Update{ID: id, Source: progress.SourcePoll, At: time.Now(), Status: progress.StatusCompleted}, nil
	})
	tr := newTracker(t, "", nil, b)

	var snaps atomic.Int32
	_, err := tr.Track(context.Background(), "wf-1", progress.KindAgentCreation)
	require.NoError(t, err)
	cancel, err := tr.Subscribe(context.Background(), "wf-1", func(reconcile.Snapshot) { snaps.Add(1) })
	require.NoError(t, err)
	defer cancel()

	assert.Eventually(t, func() bool {
		return snapshot(t, tr, "wf-1").Workflow.Status == progress.StatusCompleted
	}, time.Second, time.Millisecond)
	// one fetch observed completed, one confirmed it
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, b.callCount())

	b.set(func(id string) (progress.Update, error) {
		return progress.Update{ID: id, Source: progress.SourcePoll, At: time.Now(), Status: progress.StatusStarting}, nil
	})
	require.NoError(t, tr.Reset(context.Background(), "wf-1"))
	assert.Eventually(t, func() bool {
		return snapshot(t, tr, "wf-1").Workflow.Status == progress.StatusStarting
	}, time.Second, time.Millisecond)
	assert.Greater(t, b.callCount(), 2)
	assert.GreaterOrEqual(t, snaps.Load(), int32(3))

	assert.ErrorIs(t, tr.Reset(context.Background(), "nope"), ErrNotTracked)
}

func TestTrackIsIdempotentAndListIsSorted(t *testing.T) {
	tr := newTracker(t, "", nil, &backend{})

	for _, id := range []string{"wf-b", "wf-a", "wf-b"} {
		_, err := tr.Track(context.Background(), id, progress.KindOther)
		require.NoError(t, err)
	}
	list, err := tr.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "wf-a", list[0].Workflow.ID)
	assert.Equal(t, "wf-b", list[1].Workflow.ID)

	_, err = tr.Track(context.Background(), "", progress.KindOther)
	assert.Error(t, err)
	_, err = tr.Subscribe(context.Background(), "missing", func(reconcile.Snapshot) {})
	assert.ErrorIs(t, err, ErrNotTracked)
}

func TestWatchKeepsLatestSnapshot(t *testing.T) {
	b := &backend{}
	tr := newTracker(t, "", nil, b)
	_, err := tr.Track(context.Background(), "wf-1", progress.KindDiscovery)
	require.NoError(t, err)

	ch, cancel, err := tr.Watch(context.Background(), "wf-1")
	require.NoError(t, err)
	defer cancel()

	first := <-ch
	assert.Equal(t, progress.StatusNotStarted, first.Workflow.Status)

	b.set(func(id string) (progress.Update, error) {
		return progress.Update{ID: id, Source: progress.SourcePoll, At: time.Now(), Status: progress.StatusCompleted, Error: "quota exceeded"}, nil
	})
	select {
	case s := <-ch:
		assert.Equal(t, progress.StatusCompleted, s.Workflow.Status)
		assert.Equal(t, "quota exceeded", s.Workflow.Error)
	case <-time.After(time.Second):
		t.Fatalf("no update watched")
	}

	_, _, err = tr.Watch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotTracked)
}
