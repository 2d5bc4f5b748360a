package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ronappleton/tracker/internal/command"
	"github.com/ronappleton/tracker/internal/config"
	"github.com/ronappleton/tracker/internal/conn"
	"github.com/ronappleton/tracker/internal/loop"
	"github.com/ronappleton/tracker/internal/poller"
	"github.com/ronappleton/tracker/internal/progress"
	"github.com/ronappleton/tracker/internal/reconcile"
	"github.com/ronappleton/tracker/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var ErrNotTracked = errors.New("workflow not tracked")

type Options struct {
	// PushURL is the WebSocket endpoint. Empty means polling only.
	PushURL string
	// PollInterval overrides the idle poll interval when positive.
	PollInterval time.Duration
	Poll         poller.Config
	Push         conn.Config
	Reconcile    reconcile.Config
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		PushURL: cfg.Push.URL,
		Poll: poller.Config{
			RunningInterval: config.Duration(cfg.Poll.RunningInterval, time.Second),
			IdleInterval:    config.Duration(cfg.Poll.IdleInterval, 5*time.Second),
			RequestTimeout:  config.Duration(cfg.Poll.RequestTimeout, 10*time.Second),
		},
		Push: conn.Config{
			BaseDelay:   config.Duration(cfg.Push.BaseDelay, time.Second),
			MaxDelay:    config.Duration(cfg.Push.MaxDelay, 30*time.Second),
			MaxAttempts: cfg.Push.MaxAttempts,
			Jitter:      cfg.Push.Jitter,
			DialTimeout: config.Duration(cfg.Push.DialTimeout, 10*time.Second),
		},
		Reconcile: reconcile.Config{
			StaleAfter: cfg.Poll.StaleAfter,
			LogCap:     cfg.Tracking.LogCap,
		},
	}
}

// Deps are the tracker's links to the outside world.
type Deps struct {
	Fetch  poller.FetchFunc
	Poster command.Poster
	Dialer conn.Dialer
}

type entry struct {
	r       *reconcile.Reconciler
	observe func()
}

// Tracker is the registry of tracked workflows. It owns the event loop; the
// id to reconciler map, the poller and the push channel are only touched on
// it. Exported methods are safe from any goroutine other than the loop.
type Tracker struct {
	opts   Options
	logger *zap.Logger

	loop       *loop.Loop
	poller     *poller.Poller
	conn       *conn.Manager
	dispatcher *command.Dispatcher
	fetch      poller.FetchFunc

	workflows     map[string]*entry
	pushListeners []func(bool)

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc

	tracked metric.Int64UpDownCounter
}

func New(opts Options, deps Deps, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := loop.New(logger.Named("loop"))
	t := &Tracker{
		opts:      opts,
		logger:    logger,
		loop:      l,
		poller:    poller.New(l, opts.Poll, logger.Named("poller")),
		conn:      conn.NewManager(l, deps.Dialer, opts.Push, logger.Named("push")),
		fetch:     deps.Fetch,
		workflows: make(map[string]*entry),
		tracked:   telemetry.UpDownCounter(telemetry.Meter(), "tracker.workflows.tracked", "Workflows currently tracked"),
	}
	t.dispatcher = command.New(l, deps.Poster, t.applyOptimistic, logger.Named("command"))
	t.conn.OnStateChange(t.pushStateChanged)
	t.conn.OnLost(t.pushLost)
	return t
}

// Start runs the event loop and, when a push URL is configured, opens the
// push channel.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	go t.loop.Run(runCtx)

	var err error
	if doErr := t.loop.Do(ctx, func() {
		if t.opts.PushURL == "" {
			t.logger.Info("no push url configured, polling only")
			return
		}
		err = t.conn.Connect(t.opts.PushURL)
	}); doErr != nil {
		return doErr
	}
	return err
}

// Stop untracks everything, closes the push channel and stops the loop.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}

	err := t.loop.Do(ctx, func() {
		for id := range t.workflows {
			t.untrack(id)
		}
		t.poller.Close()
		t.conn.Close()
	})
	cancel()
	select {
	case <-t.loop.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Track starts following id and returns its current snapshot. Tracking an
// id twice returns the existing state.
func (t *Tracker) Track(ctx context.Context, id string, kind progress.Kind) (reconcile.Snapshot, error) {
	if id == "" {
		return reconcile.Snapshot{}, fmt.Errorf("track: empty workflow id")
	}
	var snap reconcile.Snapshot
	err := t.loop.Do(ctx, func() {
		e, ok := t.workflows[id]
		if !ok {
			e = t.track(id, kind)
		}
		snap = e.r.Snapshot()
	})
	return snap, err
}

func (t *Tracker) track(id string, kind progress.Kind) *entry {
	cfg := t.opts.Reconcile
	cfg.PushAvailable = t.pushExpected()
	r := reconcile.New(id, kind, cfg, t.logger.Named("reconcile"))
	e := &entry{r: r}
	t.workflows[id] = e

	t.conn.Subscribe(id, func(up progress.Update) { r.Apply(up) })
	e.observe = r.Subscribe(func(s reconcile.Snapshot) {
		t.poller.Observe(id, s.Workflow.Status)
	})
	t.poller.Start(id, t.opts.PollInterval, t.fetch, t)
	t.tracked.Add(context.Background(), 1)
	t.logger.Info("tracking workflow", zap.String("workflow_id", id), zap.String("kind", string(kind)))
	return e
}

// Untrack stops polling id and unsubscribes it from the push channel before
// returning. Responses still in flight are dropped.
func (t *Tracker) Untrack(ctx context.Context, id string) error {
	found := false
	if err := t.loop.Do(ctx, func() { found = t.untrack(id) }); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("untrack %s: %w", id, ErrNotTracked)
	}
	return nil
}

func (t *Tracker) untrack(id string) bool {
	e, ok := t.workflows[id]
	if !ok {
		return false
	}
	t.poller.Stop(id)
	t.conn.Unsubscribe(id)
	e.observe()
	e.r.Close()
	delete(t.workflows, id)
	t.tracked.Add(context.Background(), -1)
	t.logger.Info("stopped tracking workflow", zap.String("workflow_id", id))
	return true
}

func (t *Tracker) Get(ctx context.Context, id string) (reconcile.Snapshot, error) {
	var (
		snap reconcile.Snapshot
		ok   bool
	)
	if err := t.loop.Do(ctx, func() {
		var e *entry
		if e, ok = t.workflows[id]; ok {
			snap = e.r.Snapshot()
		}
	}); err != nil {
		return snap, err
	}
	if !ok {
		return snap, fmt.Errorf("get %s: %w", id, ErrNotTracked)
	}
	return snap, nil
}

// List returns every tracked workflow ordered by id.
func (t *Tracker) List(ctx context.Context) ([]reconcile.Snapshot, error) {
	var out []reconcile.Snapshot
	err := t.loop.Do(ctx, func() {
		out = make([]reconcile.Snapshot, 0, len(t.workflows))
		for _, e := range t.workflows {
			out = append(out, e.r.Snapshot())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Workflow.ID < out[j].Workflow.ID })
	return out, err
}

// Reset re-initializes id to not_started and resumes polling if it had
// stopped after a terminal status.
func (t *Tracker) Reset(ctx context.Context, id string) error {
	found := false
	if err := t.loop.Do(ctx, func() {
		e, ok := t.workflows[id]
		if !ok {
			return
		}
		found = true
		e.r.Reset()
		t.poller.Stop(id)
		t.poller.Start(id, t.opts.PollInterval, t.fetch, t)
	}); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("reset %s: %w", id, ErrNotTracked)
	}
	return nil
}

// Subscribe calls fn on the loop with the current snapshot of id and after
// every change. fn must not block. The returned func unsubscribes.
func (t *Tracker) Subscribe(ctx context.Context, id string, fn func(reconcile.Snapshot)) (func(), error) {
	var cancel func()
	if err := t.loop.Do(ctx, func() {
		if e, ok := t.workflows[id]; ok {
			cancel = e.r.Subscribe(fn)
		}
	}); err != nil {
		return nil, err
	}
	if cancel == nil {
		return nil, fmt.Errorf("subscribe %s: %w", id, ErrNotTracked)
	}
	var once sync.Once
	return func() {
		once.Do(func() { t.loop.Post(cancel) })
	}, nil
}

// Watch is Subscribe delivering into a channel that always holds the latest
// snapshot; a slow reader skips intermediate states.
func (t *Tracker) Watch(ctx context.Context, id string) (<-chan reconcile.Snapshot, func(), error) {
	ch := make(chan reconcile.Snapshot, 1)
	cancel, err := t.Subscribe(ctx, id, func(s reconcile.Snapshot) {
		select {
		case <-ch:
		default:
		}
		ch <- s
	})
	if err != nil {
		return nil, nil, err
	}
	return ch, cancel, nil
}

// Send dispatches a control command for id.
func (t *Tracker) Send(ctx context.Context, id string, cmd command.Command, payload command.Payload) (command.Result, error) {
	return t.dispatcher.Send(ctx, id, cmd, payload)
}

// OnPushChange registers fn to be told, on the loop, whether the push
// channel is open. It is called once with the current state.
func (t *Tracker) OnPushChange(ctx context.Context, fn func(open bool)) error {
	return t.loop.Do(ctx, func() {
		t.pushListeners = append(t.pushListeners, fn)
		fn(t.conn.State() == conn.StateOpen)
	})
}

// PushState reports the push channel state and the consecutive failed dials.
func (t *Tracker) PushState(ctx context.Context) (conn.State, int, error) {
	var (
		state    conn.State
		attempts int
	)
	err := t.loop.Do(ctx, func() {
		state, attempts = t.conn.State(), t.conn.Attempts()
	})
	return state, attempts, err
}

// OnResult and OnError receive poll outcomes on the loop.
func (t *Tracker) OnResult(id string, up progress.Update) {
	e, ok := t.workflows[id]
	if !ok {
		return
	}
	e.r.PollSucceeded()
	e.r.Apply(up)
}

func (t *Tracker) OnError(id string, err error) {
	if e, ok := t.workflows[id]; ok {
		e.r.PollFailed(err)
	}
}

func (t *Tracker) applyOptimistic(up progress.Update) bool {
	e, ok := t.workflows[up.ID]
	if !ok {
		return false
	}
	e.r.Apply(up)
	return true
}

func (t *Tracker) pushExpected() bool {
	return t.opts.PushURL != "" && !t.conn.Lost()
}

func (t *Tracker) pushStateChanged(s conn.State) {
	if s == conn.StateOpen {
		for _, e := range t.workflows {
			e.r.PushRestored()
		}
	}
	for _, fn := range t.pushListeners {
		fn(s == conn.StateOpen)
	}
}

func (t *Tracker) pushLost() {
	for _, e := range t.workflows {
		e.r.PushLost()
	}
}
