package command

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ronappleton/tracker/internal/api"
	"github.com/ronappleton/tracker/internal/loop"
	"github.com/ronappleton/tracker/internal/progress"
	"github.com/ronappleton/tracker/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Poster delivers a command to the backend.
type Poster interface {
	Post(ctx context.Context, path string, body any, requestID string) (api.Response, error)
}

// ApplyFunc feeds an optimistic update to the workflow's reconciler on the
// loop. It reports false when the id is not tracked.
type ApplyFunc func(progress.Update) bool

type Result struct {
	ID        string       `json:"id" yaml:"id"`
	Command   Command      `json:"command" yaml:"command"`
	RequestID string       `json:"request_id" yaml:"request_id"`
	Response  api.Response `json:"response" yaml:"response"`
	// Applied is false when the workflow was not tracked, so no optimistic
	// update was made.
	Applied bool `json:"applied" yaml:"applied"`
}

type key struct {
	id  string
	cmd Command
}

// Dispatcher sends control commands and applies their optimistic effect.
// Send may be called from any goroutine except the loop itself.
type Dispatcher struct {
	loop   *loop.Loop
	poster Poster
	apply  ApplyFunc
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	busy map[key]struct{}

	sent     metric.Int64Counter
	rejected metric.Int64Counter
	failed   metric.Int64Counter
}

func New(l *loop.Loop, poster Poster, apply ApplyFunc, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := telemetry.Meter()
	return &Dispatcher{
		loop:     l,
		poster:   poster,
		apply:    apply,
		logger:   logger,
		tracer:   otel.Tracer(telemetry.Scope),
		now:      time.Now,
		busy:     make(map[key]struct{}),
		sent:     telemetry.Counter(meter, "tracker.commands.sent", "Commands sent to the backend"),
		rejected: telemetry.Counter(meter, "tracker.commands.busy", "Commands rejected locally as busy"),
		failed:   telemetry.Counter(meter, "tracker.commands.failed", "Commands the backend did not accept"),
	}
}

// Send issues cmd for workflow id. A second Send of the same command for the
// same id while the first is in flight fails with ErrBusy without reaching
// the backend. On failure the workflow is left untouched and the error is a
// *CommandError.
func (d *Dispatcher) Send(ctx context.Context, id string, cmd Command, payload Payload) (Result, error) {
	req, err := route(id, cmd, payload)
	if err != nil {
		return Result{}, err
	}

	ctx, span := d.tracer.Start(ctx, "command."+string(cmd), trace.WithAttributes(
		attribute.String("workflow.id", id),
		attribute.String("command", string(cmd)),
	))
	defer span.End()
	attrs := metric.WithAttributes(attribute.String("command", string(cmd)))

	k := key{id: id, cmd: cmd}
	busy := false
	if err := d.loop.Do(ctx, func() {
		if _, ok := d.busy[k]; ok {
			busy = true
			return
		}
		d.busy[k] = struct{}{}
	}); err != nil {
		return Result{}, err
	}
	if busy {
		d.rejected.Add(ctx, 1, attrs)
		span.SetStatus(codes.Error, ErrBusy.Error())
		d.logger.Info("command rejected, already in flight", zap.String("workflow_id", id), zap.String("command", string(cmd)))
		return Result{}, ErrBusy
	}

	res := Result{ID: id, Command: cmd, RequestID: uuid.NewString()}
	span.SetAttributes(attribute.String("request.id", res.RequestID))
	d.sent.Add(ctx, 1, attrs)

	resp, postErr := d.poster.Post(ctx, req.path, req.body, res.RequestID)
	res.Response = resp

	var failure error
	switch {
	case postErr != nil:
		failure = &CommandError{ID: id, Command: cmd, Reason: resp.Error, Err: postErr}
	case !resp.OK:
		failure = &CommandError{ID: id, Command: cmd, Reason: resp.Error}
	}

	// release even if the caller gave up waiting
	if err := d.loop.Do(context.WithoutCancel(ctx), func() {
		delete(d.busy, k)
		if failure == nil && d.apply != nil {
			res.Applied = d.apply(optimistic(id, cmd, payload, d.now()))
		}
	}); err != nil && failure == nil {
		failure = err
	}

	if failure != nil {
		d.failed.Add(ctx, 1, attrs)
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
		d.logger.Warn("command failed",
			zap.String("workflow_id", id),
			zap.String("command", string(cmd)),
			zap.String("request_id", res.RequestID),
			zap.Error(failure))
		return res, failure
	}
	d.logger.Info("command sent",
		zap.String("workflow_id", id),
		zap.String("command", string(cmd)),
		zap.String("request_id", res.RequestID),
		zap.Bool("applied", res.Applied))
	return res, nil
}
