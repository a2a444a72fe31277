package emf

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultShutdownBudget is how long Shutdown waits for the queue to drain
// when callers have no better number.
const DefaultShutdownBudget = 30 * time.Second

// PipelineState is the lifecycle of a queued sink.
type PipelineState int

const (
	// Running accepts new records.
	Running PipelineState = iota
	// Draining rejects new records while the sender empties the queue.
	Draining
	// Stopped means the sender goroutine has exited.
	Stopped
)

func (s PipelineState) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// dispatcher delivers one dequeued payload on behalf of the sender.
type dispatcher[T any] interface {
	dispatch(ctx context.Context, v T) error
	// reset discards a connection that failed as refused or closed.
	reset()
	close() error
}

// sender is the single background goroutine that drains a queue into a
// dispatcher, requeueing failed payloads.
type sender[T any] struct {
	queue   *boundedQueue[T]
	out     dispatcher[T]
	backoff time.Duration
	logger  *zap.Logger
	metrics *sinkMetrics
	// delivered counts successful dispatches.
	delivered atomic.Int64

	// ctx is cancelled on forced stop so in-flight dials and writes abort.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	stop   bool
	stopCh chan struct{}
	done   chan struct{}
}

func newSender[T any](q *boundedQueue[T], out dispatcher[T], backoff time.Duration, logger *zap.Logger, metrics *sinkMetrics) *sender[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &sender[T]{
		queue:   q,
		out:     out,
		backoff: backoff,
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *sender[T]) start() {
	go s.run()
}

func (s *sender[T]) run() {
	defer close(s.done)
	defer func() {
		if err := s.out.close(); err != nil {
			s.logger.Debug("failed to close downstream", zap.Error(err))
		}
	}()

	for !s.shouldStop() {
		e, ok := s.queue.Pop()
		if !ok || e.stop {
			return
		}

		err := s.out.dispatch(s.ctx, e.value)
		if err == nil {
			s.delivered.Add(1)
			s.metrics.sent.Inc()
			continue
		}
		s.metrics.recordFailure(err)

		// A forced stop aborts in-flight I/O; that failure is not worth a retry.
		if s.shouldStop() {
			return
		}

		if isReconnectable(err) {
			s.out.reset()
			s.requeue(e.value)
			s.logger.Debug("agent connection lost, backing off",
				zap.Duration("backoff", s.backoff), zap.Error(err))
			s.sleep(s.backoff)
			continue
		}

		s.requeue(e.value)
		s.logger.Error("failed to deliver metric record", zap.Error(err))
	}
}

func (s *sender[T]) requeue(v T) {
	switch err := s.queue.Requeue(v); {
	case err == nil:
		s.metrics.requeued.Inc()
	case errors.Is(err, ErrQueueFull):
		s.metrics.dropped.Inc()
		s.logger.Warn("metrics queue is full, dropping failed metric record")
	default:
		s.logger.Debug("queue stopped, dropping failed metric record")
	}
}

// sleep waits for d or until a forced stop, whichever comes first.
func (s *sender[T]) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.stopCh:
	case <-timer.C:
	}
}

func (s *sender[T]) shouldStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop
}

// shutdown closes the queue behind a stop sentinel, waits up to budget for
// the sender to drain it, then forces the sender to stop and joins it.
// Records still queued at that point are discarded.
func (s *sender[T]) shutdown(budget time.Duration) {
	_ = s.queue.CloseWithStop()

	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.logger.Warn("shutdown budget elapsed, discarding queued metric records",
			zap.Duration("budget", budget),
			zap.Int("discarded", s.queue.Len()))
	}

	s.mu.Lock()
	if !s.stop {
		s.stop = true
		close(s.stopCh)
		s.cancel()
	}
	s.mu.Unlock()

	<-s.done
}

func (s *sender[T]) state() PipelineState {
	select {
	case <-s.done:
		return Stopped
	default:
	}
	if s.queue.Closed() {
		return Draining
	}
	return Running
}
