package reconcile

import (
	"context"
	"time"

	"github.com/ronappleton/tracker/internal/progress"
	"github.com/ronappleton/tracker/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Snapshot is what subscribers observe. The workflow is a private copy.
type Snapshot struct {
	Workflow      progress.Workflow `json:"workflow" yaml:"workflow"`
	Percent       float64           `json:"percent" yaml:"percent"`
	PushAvailable bool              `json:"push_available" yaml:"push_available"`
	Stale         bool              `json:"stale" yaml:"stale"`
	PollFailures  int               `json:"poll_failures" yaml:"poll_failures"`
}

type Config struct {
	// StaleAfter is the number of consecutive poll failures, with push
	// unavailable, after which snapshots are flagged stale.
	StaleAfter    int
	LogCap        int
	PushAvailable bool
	Now           func() time.Time
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 3
	}
	if c.LogCap <= 0 {
		c.LogCap = progress.DefaultLogCap
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type subscriber struct {
	id int
	fn func(Snapshot)
}

// Reconciler owns the observed state of one workflow. Every method must be
// called on the loop.
type Reconciler struct {
	cfg    Config
	logger *zap.Logger

	wf           progress.Workflow
	push         bool
	pollFailures int

	subs    []subscriber
	nextSub int

	accepted  metric.Int64Counter
	discarded metric.Int64Counter
}

func New(id string, kind progress.Kind, cfg Config, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	meter := telemetry.Meter()
	return &Reconciler{
		cfg:       cfg,
		logger:    logger.With(zap.String("workflow_id", id)),
		wf:        progress.New(id, kind, cfg.Now(), cfg.LogCap),
		push:      cfg.PushAvailable,
		accepted:  telemetry.Counter(meter, "tracker.merge.accepted", "Updates that changed a workflow"),
		discarded: telemetry.Counter(meter, "tracker.merge.discarded", "Updates discarded as stale or redundant"),
	}
}

func (r *Reconciler) ID() string { return r.wf.ID }

func (r *Reconciler) Kind() progress.Kind { return r.wf.Kind }

// Apply merges up into the workflow and notifies subscribers if anything changed.
func (r *Reconciler) Apply(up progress.Update) bool {
	next, changed := progress.Merge(r.wf, up)
	attrs := metric.WithAttributes(attribute.String("source", string(up.Source)))
	if !changed {
		r.discarded.Add(context.Background(), 1, attrs)
		r.logger.Debug("update discarded",
			zap.String("source", string(up.Source)),
			zap.Int64("generation", up.Generation))
		return false
	}
	r.accepted.Add(context.Background(), 1, attrs)
	if next.Status != r.wf.Status {
		r.logger.Info("workflow status changed",
			zap.String("from", string(r.wf.Status)),
			zap.String("to", string(next.Status)),
			zap.String("source", string(up.Source)))
	}
	r.wf = next
	r.notify()
	return true
}

func (r *Reconciler) Snapshot() Snapshot {
	return Snapshot{
		Workflow:      r.wf.Clone(),
		Percent:       r.wf.Percent,
		PushAvailable: r.push,
		Stale:         r.stale(),
		PollFailures:  r.pollFailures,
	}
}

// Subscribe delivers the current snapshot to fn before returning and again
// after every accepted change. The returned func cancels the subscription.
func (r *Reconciler) Subscribe(fn func(Snapshot)) func() {
	id := r.nextSub
	r.nextSub++
	r.subs = append(r.subs, subscriber{id: id, fn: fn})
	fn(r.Snapshot())

	return func() {
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// Reset starts a fresh not_started run for the same id. Updates stamped
// before the reset are discarded from now on.
func (r *Reconciler) Reset() {
	gen := r.wf.Generation
	r.wf = progress.New(r.wf.ID, r.wf.Kind, r.cfg.Now(), r.cfg.LogCap)
	r.wf.Generation = gen
	r.pollFailures = 0
	r.logger.Info("workflow reset")
	r.notify()
}

func (r *Reconciler) PushLost() {
	if !r.push {
		return
	}
	r.push = false
	r.notify()
}

func (r *Reconciler) PushRestored() {
	if r.push {
		return
	}
	r.push = true
	r.notify()
}

func (r *Reconciler) PollFailed(err error) {
	wasStale := r.stale()
	r.pollFailures++
	if !wasStale && r.stale() {
		r.logger.Warn("workflow state may be stale",
			zap.Int("poll_failures", r.pollFailures),
			zap.Error(err))
		r.notify()
	}
}

func (r *Reconciler) PollSucceeded() {
	wasStale := r.stale()
	r.pollFailures = 0
	if wasStale {
		r.notify()
	}
}

// Close drops every subscriber.
func (r *Reconciler) Close() {
	r.subs = nil
}

func (r *Reconciler) stale() bool {
	return !r.push && r.pollFailures >= r.cfg.StaleAfter
}

func (r *Reconciler) notify() {
	if len(r.subs) == 0 {
		return
	}
	snap := r.Snapshot()
	subs := append([]subscriber(nil), r.subs...)
	for _, s := range subs {
		cp := snap
		cp.Workflow = snap.Workflow.Clone()
		s.fn(cp)
	}
}
