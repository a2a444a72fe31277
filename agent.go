package emf

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// AgentConfig configures an AgentSink.
type AgentConfig struct {
	// Endpoint is a connection string like tcp://127.0.0.1:25888.
	Endpoint       string
	MaxQueueSize   int // negative buffers everything, zero selects the default
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// Backoff is the pause after a refused or closed connection before the
	// next reconnect attempt.
	Backoff time.Duration

	// Resolver, if set, resolves the agent host instead of the system resolver.
	Resolver *Resolver
	Name     string

	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// DefaultAgentConfig returns the default configuration
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MaxQueueSize:   10000,
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Backoff:        time.Second,
		Name:           "agent",
	}
}

// AgentSink sends records to a CloudWatch agent over one persistent TCP
// connection owned by a background goroutine. It is meant for side-car
// agents such as the one deployed next to ECS Fargate tasks.
//
// Accept serializes the record and queues the newline-terminated bytes.
// Records that time out or cannot be sent go back to the end of the queue.
// The agent rejects documents without a log group name; set the
// "log_group_name" property or LogGroupName in the Config that builds them.
type AgentSink struct {
	endpoint Endpoint
	queue    *boundedQueue[[]byte]
	sender   *sender[[]byte]
	logger   *zap.Logger
	metrics  *sinkMetrics
	maxSize  int
}

// NewAgentSink parses the endpoint and starts the sender goroutine. It fails
// with ErrInvalidEndpoint for a malformed connection string.
func NewAgentSink(cfg AgentConfig) (*AgentSink, error) {
	endpoint, err := ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	cfg = agentDefaults(cfg)

	tr := NewTCPTransport(endpoint, TransportConfig{
		ConnectTimeout: cfg.ConnectTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		KeepAlive:      true,
		Resolver:       cfg.Resolver,
		Logger:         cfg.Logger,
	})
	return newAgentSink(endpoint, cfg, tr)
}

func agentDefaults(cfg AgentConfig) AgentConfig {
	def := DefaultAgentConfig()
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	cfg.ConnectTimeout = pickDuration(cfg.ConnectTimeout, def.ConnectTimeout)
	cfg.WriteTimeout = pickDuration(cfg.WriteTimeout, def.WriteTimeout)
	cfg.Backoff = pickDuration(cfg.Backoff, def.Backoff)
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

func newAgentSink(endpoint Endpoint, cfg AgentConfig, tr Transport) (*AgentSink, error) {
	metrics, err := newSinkMetrics(cfg.Name, cfg.Registerer)
	if err != nil {
		return nil, err
	}

	q := newBoundedQueue[[]byte](cfg.MaxQueueSize, metrics.queueDepth)
	s := &AgentSink{
		endpoint: endpoint,
		queue:    q,
		logger:   cfg.Logger,
		metrics:  metrics,
		maxSize:  cfg.MaxQueueSize,
	}
	out := &transportDispatcher{transport: tr, logger: cfg.Logger}
	s.sender = newSender[[]byte](q, out, cfg.Backoff, cfg.Logger, metrics)
	s.sender.start()
	return s, nil
}

// Accept serializes record and queues it. A full queue or an unserializable
// record is logged and dropped; only a shut down sink returns an error.
func (s *AgentSink) Accept(record Record) error {
	if s.queue.Closed() {
		return ErrClosed
	}

	line, err := serializeLine(record)
	if err != nil {
		s.logger.Error("dropping metric record", zap.Error(err))
		return nil
	}

	switch err := s.queue.Push(line); {
	case err == nil:
		s.metrics.accepted.Inc()
		return nil
	case errors.Is(err, ErrQueueFull):
		s.metrics.dropped.Inc()
		s.logger.Warn("agent sink queue is full, dropping metric record",
			zap.Int("max_queue_size", s.maxSize))
		return nil
	default:
		return err
	}
}

// Shutdown stops taking records and waits up to budget for queued records to
// reach the agent, then closes the connection.
func (s *AgentSink) Shutdown(budget time.Duration) {
	s.sender.shutdown(budget)
}

// Endpoint returns the parsed agent address.
func (s *AgentSink) Endpoint() Endpoint {
	return s.endpoint
}

// Len returns the number of records waiting to be sent.
func (s *AgentSink) Len() int {
	return s.queue.Len()
}

// Delivered returns the number of records handed to the agent so far.
// A record in flight when Shutdown forces a stop is neither queued nor
// delivered.
func (s *AgentSink) Delivered() int64 {
	return s.sender.delivered.Load()
}

// State reports the pipeline state.
func (s *AgentSink) State() PipelineState {
	return s.sender.state()
}

// transportDispatcher writes wire lines through a transport it reconnects on
// demand. Only the sender goroutine touches it.
type transportDispatcher struct {
	transport Transport
	logger    *zap.Logger
}

func (d *transportDispatcher) dispatch(ctx context.Context, line []byte) error {
	if d.transport.IsClosed() {
		if err := d.transport.Connect(ctx); err != nil {
			return err
		}
	}
	return d.transport.Write(ctx, line)
}

func (d *transportDispatcher) reset() {
	if err := d.transport.Close(); err != nil {
		d.logger.Debug("failed to close agent connection", zap.Error(err))
	}
}

func (d *transportDispatcher) close() error {
	return d.transport.Close()
}
