package emf

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ConnectionState is the lifecycle of a transport's connection handle.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
	Closed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Endpoint is a parsed agent address.
type Endpoint struct {
	Host string
	Port int
}

// ParseEndpoint parses a connection string of the form tcp://<host>:<port>.
func ParseEndpoint(s string) (Endpoint, error) {
	invalid := fmt.Errorf("%w: expected connection string in format tcp://<host>:<port>, got %q", ErrInvalidEndpoint, s)

	u, err := url.Parse(s)
	if err != nil || u.Scheme != "tcp" || u.Hostname() == "" || u.Port() == "" {
		return Endpoint{}, invalid
	}
	if u.Path != "" && u.Path != "/" {
		return Endpoint{}, invalid
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port < 1 || port > 65535 {
		return Endpoint{}, invalid
	}
	return Endpoint{Host: u.Hostname(), Port: port}, nil
}

// Address returns host:port suitable for dialing.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return "tcp://" + e.Address()
}

// Transport owns one outbound connection to the agent. It is driven by a
// single goroutine and is not safe for concurrent use.
type Transport interface {
	Connect(ctx context.Context) error
	IsClosed() bool
	Write(ctx context.Context, p []byte) error
	Close() error
}

// TransportConfig holds socket options for a TCPTransport.
type TransportConfig struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// Buffered leaves Nagle's algorithm on. Unbuffered transports set TCP_NODELAY.
	Buffered  bool
	KeepAlive bool
	// ReverseLookup resolves the peer address to a name after connecting.
	ReverseLookup bool
	// Resolver, if set, is used instead of the system resolver.
	Resolver *Resolver
	Logger   *zap.Logger
}

// TCPTransport is a Transport over a plain TCP stream.
type TCPTransport struct {
	endpoint Endpoint
	cfg      TransportConfig
	logger   *zap.Logger

	conn     net.Conn
	state    ConnectionState
	peerName string
}

// NewTCPTransport creates a disconnected transport for endpoint.
func NewTCPTransport(endpoint Endpoint, cfg TransportConfig) *TCPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPTransport{
		endpoint: endpoint,
		cfg:      cfg,
		logger:   logger,
	}
}

// Connect dials the agent. It is a no-op when already connected.
func (t *TCPTransport) Connect(ctx context.Context) error {
	if !t.IsClosed() {
		return nil
	}

	dialer := net.Dialer{Timeout: t.cfg.ConnectTimeout, KeepAlive: -1}
	if t.cfg.KeepAlive {
		dialer.KeepAlive = 0
	}

	addrs, err := t.addresses(ctx)
	if err != nil {
		t.state = Disconnected
		return newTransportError("dial", t.endpoint.Address(), err)
	}

	var conn net.Conn
	for _, addr := range addrs {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
	}
	if err != nil {
		t.state = Disconnected
		return newTransportError("dial", t.endpoint.Address(), err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(!t.cfg.Buffered)
	}
	t.conn = conn
	t.state = Connected

	if t.cfg.ReverseLookup {
		t.reverseLookup(ctx)
	}
	t.logger.Debug("connected to agent",
		zap.String("endpoint", t.endpoint.String()),
		zap.String("remote", conn.RemoteAddr().String()),
		zap.String("peer_name", t.peerName))
	return nil
}

// IsClosed reports whether there is no usable connection handle.
func (t *TCPTransport) IsClosed() bool {
	return t.conn == nil || t.state != Connected
}

// Write sends p in full. Cancelling ctx aborts a blocked write.
//
// A failed write may have put part of p on the wire, so the connection is
// dropped and the next record starts on a fresh one.
func (t *TCPTransport) Write(ctx context.Context, p []byte) error {
	if t.IsClosed() {
		return &TransportError{Op: "write", Addr: t.endpoint.Address(), Kind: ErrConnectionClosed}
	}

	conn := t.conn
	if t.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	n, err := conn.Write(p)
	if err == nil {
		return nil
	}

	te := newTransportError("write", t.endpoint.Address(), err)
	if te.Kind == nil {
		te.Kind = ErrConnectionClosed
	}
	t.logger.Debug("dropping agent connection after failed write",
		zap.Int("written", n), zap.Int("size", len(p)), zap.Error(err))
	t.discard()
	return te
}

// discard closes the connection but leaves the transport reusable.
func (t *TCPTransport) discard() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.state = Disconnected
}

// Close releases the connection. Calling it more than once is harmless.
func (t *TCPTransport) Close() error {
	t.state = Closed
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// State reports the connection state.
func (t *TCPTransport) State() ConnectionState {
	return t.state
}

// PeerName is the reverse-resolved name of the agent, when ReverseLookup is on.
func (t *TCPTransport) PeerName() string {
	return t.peerName
}

func (t *TCPTransport) addresses(ctx context.Context) ([]string, error) {
	if t.cfg.Resolver == nil || net.ParseIP(t.endpoint.Host) != nil {
		return []string{t.endpoint.Address()}, nil
	}
	ips, err := t.cfg.Resolver.LookupHost(ctx, t.endpoint.Host)
	if err != nil {
		return nil, err
	}
	port := strconv.Itoa(t.endpoint.Port)
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, net.JoinHostPort(ip, port))
	}
	return addrs, nil
}

func (t *TCPTransport) reverseLookup(ctx context.Context) {
	host, _, err := net.SplitHostPort(t.conn.RemoteAddr().String())
	if err != nil {
		return
	}
	var names []string
	if t.cfg.Resolver != nil {
		names, err = t.cfg.Resolver.LookupAddr(ctx, host)
	} else {
		names, err = net.DefaultResolver.LookupAddr(ctx, host)
	}
	if err != nil || len(names) == 0 {
		t.peerName = host
		return
	}
	t.peerName = trimDot(names[0])
}
