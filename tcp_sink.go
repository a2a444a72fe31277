package emf

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TCPConfig configures a TCPSink.
type TCPConfig struct {
	Endpoint       string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// Retries is the number of extra attempts after a refused or closed
	// connection. Zero selects the default; negative disables retries.
	Retries  int
	Resolver *Resolver
	Logger   *zap.Logger
}

// DefaultTCPConfig returns the default configuration
func DefaultTCPConfig() TCPConfig {
	return TCPConfig{
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Retries:        2,
	}
}

// TCPSink writes each record to the agent synchronously over a buffered,
// reverse-resolved TCP connection. It is usually wrapped in an AsyncSink so
// callers never wait on the network.
type TCPSink struct {
	endpoint Endpoint
	retries  int
	logger   *zap.Logger

	mu        sync.Mutex
	transport Transport
}

// NewTCPSink parses the endpoint. The connection is opened on first use.
func NewTCPSink(cfg TCPConfig) (*TCPSink, error) {
	endpoint, err := ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	def := DefaultTCPConfig()
	cfg.ConnectTimeout = pickDuration(cfg.ConnectTimeout, def.ConnectTimeout)
	cfg.WriteTimeout = pickDuration(cfg.WriteTimeout, def.WriteTimeout)
	switch {
	case cfg.Retries == 0:
		cfg.Retries = def.Retries
	case cfg.Retries < 0:
		cfg.Retries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	tr := NewTCPTransport(endpoint, TransportConfig{
		ConnectTimeout: cfg.ConnectTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Buffered:       true,
		KeepAlive:      true,
		ReverseLookup:  true,
		Resolver:       cfg.Resolver,
		Logger:         cfg.Logger,
	})
	return &TCPSink{
		endpoint:  endpoint,
		retries:   cfg.Retries,
		logger:    cfg.Logger,
		transport: tr,
	}, nil
}

// Accept sends record to the agent.
func (s *TCPSink) Accept(record Record) error {
	return s.AcceptContext(context.Background(), record)
}

// AcceptContext sends record, reconnecting when the agent refused or dropped
// the connection. The last error is returned once retries run out.
func (s *TCPSink) AcceptContext(ctx context.Context, record Record) error {
	line, err := serializeLine(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; ; attempt++ {
		err = s.send(ctx, line)
		if err == nil || !isReconnectable(err) {
			return err
		}
		_ = s.transport.Close()
		s.logger.Warn("could not connect to agent",
			zap.String("endpoint", s.endpoint.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if attempt >= s.retries || ctx.Err() != nil {
			return err
		}
	}
}

// Close releases the agent connection.
func (s *TCPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport.Close()
}

func (s *TCPSink) send(ctx context.Context, line []byte) error {
	if s.transport.IsClosed() {
		if err := s.transport.Connect(ctx); err != nil {
			return err
		}
	}
	return s.transport.Write(ctx, line)
}
