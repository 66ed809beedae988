package lifecycle

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
)

// WorkerBuilder constructs a [Worker].
//
//	sweeper, err := lifecycle.NewWorkerBuilder("refresh-sweeper", time.Hour, store.Sweep).
//	    WithRunOnStart().
//	    WithLogger(logger).
//	    Build()
type WorkerBuilder struct {
	name          string
	interval      time.Duration
	task          Task
	taskTimeout   time.Duration
	runOnStart    bool
	logger        *slog.Logger
	onStart       Hook
	onStop        Hook
	stateHandlers []StateChangeHandler
}

// NewWorkerBuilder starts a builder. The arguments are validated by Build.
func NewWorkerBuilder(name string, interval time.Duration, task Task) *WorkerBuilder {
	return &WorkerBuilder{name: name, interval: interval, task: task}
}

// WithTaskTimeout bounds each task execution.
func (b *WorkerBuilder) WithTaskTimeout(d time.Duration) *WorkerBuilder {
	b.taskTimeout = d
	return b
}

// WithRunOnStart runs the task once as soon as the loop starts instead of
// waiting a full interval.
func (b *WorkerBuilder) WithRunOnStart() *WorkerBuilder {
	b.runOnStart = true
	return b
}

func (b *WorkerBuilder) WithLogger(logger *slog.Logger) *WorkerBuilder {
	b.logger = logger
	return b
}

func (b *WorkerBuilder) WithOnStart(hook Hook) *WorkerBuilder {
	b.onStart = hook
	return b
}

func (b *WorkerBuilder) WithOnStop(hook Hook) *WorkerBuilder {
	b.onStop = hook
	return b
}

// OnStateChange registers a handler called on every transition, in
// registration order.
func (b *WorkerBuilder) OnStateChange(handler StateChangeHandler) *WorkerBuilder {
	b.stateHandlers = append(b.stateHandlers, handler)
	return b
}

// Build validates the configuration. The worker starts in [StateUnknown].
func (b *WorkerBuilder) Build() (*Worker, error) {
	if b.name == "" {
		return nil, cmerr.New(cmerr.CodeValidation, "lifecycle: worker name must not be empty")
	}
	if b.interval <= 0 {
		return nil, cmerr.Newf(cmerr.CodeValidationRange, "lifecycle: worker interval must be positive, got %s", b.interval)
	}
	if b.task == nil {
		return nil, cmerr.New(cmerr.CodeValidationRequired, "lifecycle: worker task must not be nil")
	}
	if b.taskTimeout < 0 {
		return nil, cmerr.New(cmerr.CodeValidationRange, "lifecycle: task timeout must not be negative")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	handlers := make([]StateChangeHandler, len(b.stateHandlers))
	copy(handlers, b.stateHandlers)

	return &Worker{
		name:          b.name,
		interval:      b.interval,
		task:          b.task,
		taskTime:      b.taskTimeout,
		runOnStart:    b.runOnStart,
		state:         StateUnknown,
		tracer:        otel.Tracer(tracerName),
		logger:        logger,
		onStart:       b.onStart,
		onStop:        b.onStop,
		stateHandlers: handlers,
	}, nil
}
