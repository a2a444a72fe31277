package emf

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// AsyncConfig configures an AsyncSink.
type AsyncConfig struct {
	// MaxQueueSize is the number of records buffered in memory. Negative
	// buffers everything; zero selects the default.
	MaxQueueSize int
	// Backoff is the pause after the wrapped sink reports a refused or
	// closed connection.
	Backoff time.Duration
	// Name labels the self-metrics of this sink.
	Name       string
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// DefaultAsyncConfig returns the default configuration
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		MaxQueueSize: 1000,
		Backoff:      time.Second,
		Name:         "async",
	}
}

// AsyncSink takes records without blocking and forwards them to a wrapped
// sink from one background goroutine.
//
// Creating an AsyncSink starts a goroutine; Shutdown must be called to stop
// it. When the queue is full the record is dropped and a warning is logged.
// Records the wrapped sink fails on are put back at the end of the queue.
//
// Shutdown can only interrupt a delivery in progress when the wrapped sink
// implements ContextSink. A plain Sink whose Accept never returns holds
// Shutdown past its budget, so sinks doing I/O should implement ContextSink.
type AsyncSink struct {
	queue   *boundedQueue[Record]
	sender  *sender[Record]
	logger  *zap.Logger
	metrics *sinkMetrics
	maxSize int
}

// NewAsyncSink wraps sink. Accept, or AcceptContext when sink is a
// ContextSink, is the only method called on it.
func NewAsyncSink(sink Sink, cfg AsyncConfig) (*AsyncSink, error) {
	s, err := newAsyncSink(sink, cfg)
	if err != nil {
		return nil, err
	}
	s.sender.start()
	return s, nil
}

// newAsyncSink builds the sink without starting its sender.
func newAsyncSink(sink Sink, cfg AsyncConfig) (*AsyncSink, error) {
	if sink == nil {
		return nil, ErrNilSink
	}

	def := DefaultAsyncConfig()
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	cfg.Backoff = pickDuration(cfg.Backoff, def.Backoff)
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics, err := newSinkMetrics(cfg.Name, cfg.Registerer)
	if err != nil {
		return nil, err
	}

	q := newBoundedQueue[Record](cfg.MaxQueueSize, metrics.queueDepth)
	s := &AsyncSink{
		queue:   q,
		logger:  logger,
		metrics: metrics,
		maxSize: cfg.MaxQueueSize,
	}
	s.sender = newSender[Record](q, &sinkDispatcher{sink: sink}, cfg.Backoff, logger, metrics)
	return s, nil
}

// Accept queues record for delivery. A full queue drops the record with a
// warning and still returns nil; only a shut down sink returns an error.
func (s *AsyncSink) Accept(record Record) error {
	switch err := s.queue.Push(record); {
	case err == nil:
		s.metrics.accepted.Inc()
		return nil
	case errors.Is(err, ErrQueueFull):
		s.metrics.dropped.Inc()
		s.logger.Warn("async metrics queue is full, dropping metric record",
			zap.Int("max_queue_size", s.maxSize))
		return nil
	default:
		return err
	}
}

// Shutdown stops taking records and waits up to budget for queued records to
// be sent before stopping the background goroutine.
func (s *AsyncSink) Shutdown(budget time.Duration) {
	s.sender.shutdown(budget)
}

// Len returns the number of records waiting to be sent.
func (s *AsyncSink) Len() int {
	return s.queue.Len()
}

// Delivered returns the number of records handed to the wrapped sink so far.
// A record in flight when Shutdown forces a stop is neither queued nor
// delivered.
func (s *AsyncSink) Delivered() int64 {
	return s.sender.delivered.Load()
}

// State reports the pipeline state.
func (s *AsyncSink) State() PipelineState {
	return s.sender.state()
}

// sinkDispatcher forwards records to a wrapped sink.
type sinkDispatcher struct {
	sink Sink
}

func (d *sinkDispatcher) dispatch(ctx context.Context, r Record) error {
	return acceptContext(ctx, d.sink, r)
}

func (d *sinkDispatcher) reset() {}

func (d *sinkDispatcher) close() error { return nil }
