package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
)

const tracerName = "github.com/ClassMarket/classmarket-core/pkg/lifecycle"

// Task is one unit of periodic work. A returned error is logged and counted;
// it does not stop the worker.
type Task func(ctx context.Context) error

// Hook runs during Start or Stop. An error aborts the transition and fails
// the worker.
type Hook func(ctx context.Context) error

// StateChangeHandler observes every state transition. Handlers run
// synchronously under the worker's state lock and must not call back into
// the worker. A panicking handler is recovered and logged.
type StateChangeHandler func(old, new State)

// Info is a point-in-time snapshot of a worker, suitable for a health
// endpoint.
type Info struct {
	Name      string        `json:"name"`
	State     State         `json:"state"`
	Interval  time.Duration `json:"interval"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
}

// Worker runs a [Task] every interval on its own goroutine. Build one with
// [NewWorkerBuilder].
type Worker struct {
	name       string
	interval   time.Duration
	task       Task
	taskTime   time.Duration
	runOnStart bool

	mu        sync.RWMutex
	state     State
	startedAt *time.Time
	lastRun   *time.Time
	lastErr   error
	runs      int64
	failures  int64
	cancel    context.CancelFunc
	done      chan struct{}

	tracer trace.Tracer
	logger *slog.Logger

	onStart       Hook
	onStop        Hook
	stateHandlers []StateChangeHandler
}

// Name returns the worker name.
func (w *Worker) Name() string { return w.name }

// State returns the current state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Info returns a snapshot of the worker.
func (w *Worker) Info() Info {
	w.mu.RLock()
	defer w.mu.RUnlock()

	info := Info{
		Name:     w.name,
		State:    w.state,
		Interval: w.interval,
		Runs:     w.runs,
		Failures: w.failures,
	}
	if w.lastRun != nil {
		t := *w.lastRun
		info.LastRun = &t
	}
	if w.lastErr != nil {
		info.LastError = w.lastErr.Error()
	}
	if w.startedAt != nil && w.state == StateRunning {
		t := *w.startedAt
		info.StartedAt = &t
	}
	return info
}

// Health returns nil while the worker is running and an
// [cmerr.CodeUnavailable] error otherwise.
func (w *Worker) Health(_ context.Context) error {
	if s := w.State(); s != StateRunning {
		return cmerr.Newf(cmerr.CodeUnavailable, "lifecycle: worker %q is not running, state is %q", w.name, s)
	}
	return nil
}

// setState validates and applies a transition, then notifies handlers.
func (w *Worker) setState(next State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.setStateLocked(next)
}

func (w *Worker) setStateLocked(next State) error {
	old := w.state
	if !ValidTransition(old, next) {
		return cmerr.Newf(cmerr.CodeConflict, "lifecycle: invalid state transition from %q to %q", old, next)
	}
	w.state = next

	for _, h := range w.stateHandlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("lifecycle: state change handler panicked",
						"panic", r,
						"worker", w.name,
						"old_state", string(old),
						"new_state", string(next),
					)
				}
			}()
			h(old, next)
		}()
	}
	return nil
}

// Start runs the start hook and launches the loop. The loop lives until
// Stop; ctx only bounds the start itself.
func (w *Worker) Start(ctx context.Context) error {
	ctx, span := w.startSpan(ctx, "lifecycle.Start")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return w.spanErr(span, cmerr.Wrap(err, cmerr.CodeTimeout, "lifecycle: start canceled before execution"))
	}
	if err := w.setState(StateStarting); err != nil {
		return w.spanErr(span, err)
	}

	if w.onStart != nil {
		if err := w.onStart(ctx); err != nil {
			w.logger.ErrorContext(ctx, "lifecycle: start hook failed", "worker", w.name, "error", err)
			_ = w.setState(StateFailed)
			return w.spanErr(span, cmerr.Wrap(err, cmerr.CodeInternal, "lifecycle: start hook failed"))
		}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	w.mu.Lock()
	if err := w.setStateLocked(StateRunning); err != nil {
		w.mu.Unlock()
		cancel()
		return w.spanErr(span, err)
	}
	now := time.Now().UTC()
	w.startedAt = &now
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	go w.loop(loopCtx, done)

	w.logger.InfoContext(ctx, "lifecycle: worker started", "worker", w.name, "interval", w.interval.String())
	span.SetStatus(codes.Ok, "")
	return nil
}

// Stop cancels the loop, waits for an in-flight task to finish and runs
// the stop hook. Stopping a stopped or failed worker is a no-op.
func (w *Worker) Stop(ctx context.Context) error {
	ctx, span := w.startSpan(ctx, "lifecycle.Stop")
	defer span.End()

	if w.State().IsTerminal() {
		span.SetStatus(codes.Ok, "")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return w.spanErr(span, cmerr.Wrap(err, cmerr.CodeTimeout, "lifecycle: stop canceled before execution"))
	}

	w.mu.Lock()
	if err := w.setStateLocked(StateStopping); err != nil {
		w.mu.Unlock()
		return w.spanErr(span, err)
	}
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			_ = w.setState(StateFailed)
			return w.spanErr(span, cmerr.Wrap(ctx.Err(), cmerr.CodeTimeout, "lifecycle: worker did not stop in time"))
		}
	}

	if w.onStop != nil {
		if err := w.onStop(ctx); err != nil {
			w.logger.ErrorContext(ctx, "lifecycle: stop hook failed", "worker", w.name, "error", err)
			_ = w.setState(StateFailed)
			return w.spanErr(span, cmerr.Wrap(err, cmerr.CodeInternal, "lifecycle: stop hook failed"))
		}
	}

	w.mu.Lock()
	err := w.setStateLocked(StateStopped)
	w.startedAt = nil
	w.mu.Unlock()
	if err != nil {
		return w.spanErr(span, err)
	}

	w.logger.InfoContext(ctx, "lifecycle: worker stopped", "worker", w.name)
	span.SetStatus(codes.Ok, "")
	return nil
}

// Pause makes the loop skip ticks until Resume.
func (w *Worker) Pause(_ context.Context) error {
	if err := w.setState(StatePaused); err != nil {
		return err
	}
	w.logger.Info("lifecycle: worker paused", "worker", w.name)
	return nil
}

// Resume lets a paused worker execute ticks again.
func (w *Worker) Resume(_ context.Context) error {
	if err := w.setState(StateRunning); err != nil {
		return err
	}
	w.logger.Info("lifecycle: worker resumed", "worker", w.name)
	return nil
}

// RunOnce executes the task immediately on the caller's goroutine,
// regardless of state, and records the outcome.
func (w *Worker) RunOnce(ctx context.Context) error {
	ctx, span := w.startSpan(ctx, "lifecycle.Run")
	defer span.End()

	if w.taskTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.taskTime)
		defer cancel()
	}

	err := w.task(ctx)

	now := time.Now().UTC()
	w.mu.Lock()
	w.runs++
	w.lastRun = &now
	w.lastErr = err
	if err != nil {
		w.failures++
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.WarnContext(ctx, "lifecycle: task failed", "worker", w.name, "error", err)
		return w.spanErr(span, err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if w.runOnStart {
		_ = w.RunOnce(ctx)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.State() != StateRunning {
				continue
			}
			_ = w.RunOnce(ctx)
		}
	}
}

func (w *Worker) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return w.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("worker.name", w.name)),
	)
}

func (w *Worker) spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
