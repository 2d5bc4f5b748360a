package poller

import (
	"context"
	"time"

	"github.com/ronappleton/tracker/internal/loop"
	"github.com/ronappleton/tracker/internal/progress"
	"github.com/ronappleton/tracker/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// FetchFunc retrieves the current status of one workflow. It runs off the loop.
type FetchFunc func(ctx context.Context, id string) (progress.Update, error)

// Sink receives poll outcomes on the loop.
type Sink interface {
	OnResult(id string, up progress.Update)
	OnError(id string, err error)
}

type Config struct {
	RunningInterval time.Duration
	IdleInterval    time.Duration
	RequestTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.RunningInterval <= 0 {
		c.RunningInterval = time.Second
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}

// Poller fetches workflow status on a timer, one request per id at a time.
// Every method must be called on the loop.
type Poller struct {
	loop   *loop.Loop
	cfg    Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	entries map[string]*entry

	requests metric.Int64Counter
	skips    metric.Int64Counter
	failures metric.Int64Counter
}

type entry struct {
	id    string
	fetch FetchFunc
	sink  Sink
	idle  time.Duration

	timer    *loop.Timer
	interval time.Duration

	inFlight   bool
	confirming bool
	lastStatus progress.Status
	skipped    int
}

func New(l *loop.Loop, cfg Config, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	meter := telemetry.Meter()
	return &Poller{
		loop:     l,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[string]*entry),
		requests: telemetry.Counter(meter, "tracker.poll.requests", "Status fetches issued"),
		skips:    telemetry.Counter(meter, "tracker.poll.skipped", "Poll ticks skipped because a fetch was in flight"),
		failures: telemetry.Counter(meter, "tracker.poll.failures", "Status fetches that failed"),
	}
}

// Start fetches id immediately and then on every tick. A positive interval
// replaces the idle interval for this id. Starting an id twice is a no-op.
func (p *Poller) Start(id string, interval time.Duration, fetch FetchFunc, sink Sink) {
	if _, ok := p.entries[id]; ok {
		return
	}
	if interval <= 0 {
		interval = p.cfg.IdleInterval
	}
	e := &entry{id: id, fetch: fetch, sink: sink, idle: interval}
	p.entries[id] = e
	p.logger.Debug("polling started", zap.String("workflow_id", id), zap.Duration("interval", interval))
	p.tick(e)
}

// Stop cancels the timer for id. A fetch still in flight is dropped when it lands.
func (p *Poller) Stop(id string) {
	e, ok := p.entries[id]
	if !ok {
		return
	}
	e.timer.Stop()
	delete(p.entries, id)
	p.logger.Debug("polling stopped", zap.String("workflow_id", id))
}

// Observe feeds a status seen elsewhere (for example over push) into the
// interval and final-confirmation logic.
func (p *Poller) Observe(id string, status progress.Status) {
	if e, ok := p.entries[id]; ok {
		p.observe(e, status)
	}
}

func (p *Poller) Active(id string) bool {
	_, ok := p.entries[id]
	return ok
}

func (p *Poller) InFlight(id string) bool {
	e, ok := p.entries[id]
	return ok && e.inFlight
}

// Skipped reports how many ticks for id were dropped while a fetch was in flight.
func (p *Poller) Skipped(id string) int {
	if e, ok := p.entries[id]; ok {
		return e.skipped
	}
	return 0
}

// Close stops every timer and cancels outstanding fetches.
func (p *Poller) Close() {
	for id := range p.entries {
		p.Stop(id)
	}
	p.cancel()
}

func (p *Poller) tick(e *entry) {
	if p.entries[e.id] != e {
		return
	}
	e.timer = nil
	defer p.schedule(e)

	if e.inFlight {
		e.skipped++
		p.skips.Add(p.ctx, 1)
		return
	}
	e.inFlight = true
	confirm := e.confirming
	p.requests.Add(p.ctx, 1)

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.RequestTimeout)
	fetch, id := e.fetch, e.id
	go func() {
		defer cancel()
		up, err := fetch(ctx, id)
		p.loop.Post(func() { p.settle(e, up, err, confirm) })
	}()
}

func (p *Poller) settle(e *entry, up progress.Update, err error, confirm bool) {
	if p.entries[e.id] != e {
		p.logger.Debug("dropping poll result for stopped workflow", zap.String("workflow_id", e.id))
		return
	}
	e.inFlight = false

	if err != nil {
		p.failures.Add(p.ctx, 1)
		p.logger.Warn("status poll failed", zap.String("workflow_id", e.id), zap.Error(err))
		if e.sink != nil {
			e.sink.OnError(e.id, err)
		}
		return
	}

	if e.sink != nil {
		e.sink.OnResult(e.id, up)
	}
	// the sink may have stopped us
	if p.entries[e.id] != e {
		return
	}
	if confirm {
		p.logger.Debug("terminal status confirmed", zap.String("workflow_id", e.id))
		p.Stop(e.id)
		return
	}
	if up.Status != "" {
		p.observe(e, up.Status)
	}
}

func (p *Poller) observe(e *entry, status progress.Status) {
	if status.Rank() < 0 {
		return
	}
	e.lastStatus = status
	if progress.IsTerminal(status) {
		e.confirming = true
	}
	if e.timer != nil && p.interval(e) < e.interval {
		e.timer.Stop()
		e.timer = nil
		p.schedule(e)
	}
}

func (p *Poller) interval(e *entry) time.Duration {
	if e.confirming {
		return p.cfg.RunningInterval
	}
	switch e.lastStatus.Rank() {
	case 1, 2:
		return p.cfg.RunningInterval
	default:
		return e.idle
	}
}

func (p *Poller) schedule(e *entry) {
	if p.entries[e.id] != e || e.timer != nil {
		return
	}
	e.interval = p.interval(e)
	e.timer = p.loop.AfterFunc(e.interval, func() { p.tick(e) })
}
