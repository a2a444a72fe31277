package emf

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

// testAgent is a minimal line-oriented TCP agent.
type testAgent struct {
	ln    net.Listener
	mu    sync.Mutex
	lines []string
	conns []net.Conn
	wg    sync.WaitGroup
}

func startTestAgent(t *testing.T) *testAgent {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	a := &testAgent{ln: ln}
	a.wg.Add(1)
	go a.serve()
	t.Cleanup(a.stop)
	return a
}

func (a *testAgent) endpoint() string {
	return "tcp://" + a.ln.Addr().String()
}

func (a *testAgent) serve() {
	defer a.wg.Done()
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			return
		}
		a.mu.Lock()
		a.conns = append(a.conns, conn)
		a.mu.Unlock()

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			scanner := bufio.NewScanner(conn)
			for scanner.Scan() {
				a.mu.Lock()
				a.lines = append(a.lines, scanner.Text())
				a.mu.Unlock()
			}
		}()
	}
}

func (a *testAgent) received() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.lines...)
}

func (a *testAgent) waitFor(t *testing.T, n int, timeout time.Duration) []string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := a.received(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := a.received()
	t.Fatalf("agent received %d lines, want %d", len(got), n)
	return got
}

func (a *testAgent) stop() {
	_ = a.ln.Close()
	a.mu.Lock()
	for _, c := range a.conns {
		_ = c.Close()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// stallingAgent accepts connections but reads nothing until release is
// called. Only newline-terminated lines count; the tail of a connection that
// ends mid-record is tallied as a fragment.
type stallingAgent struct {
	ln        net.Listener
	released  chan struct{}
	done      chan struct{}
	mu        sync.Mutex
	lines     [][]byte
	fragments int
	conns     []net.Conn
	wg        sync.WaitGroup
}

func startStallingAgent(t *testing.T) *stallingAgent {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	a := &stallingAgent{ln: ln, released: make(chan struct{}), done: make(chan struct{})}
	a.wg.Add(1)
	go a.serve()
	t.Cleanup(a.stop)
	return a
}

func (a *stallingAgent) endpoint() string {
	return "tcp://" + a.ln.Addr().String()
}

func (a *stallingAgent) serve() {
	defer a.wg.Done()
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			return
		}
		a.mu.Lock()
		a.conns = append(a.conns, conn)
		a.mu.Unlock()

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			select {
			case <-a.released:
			case <-a.done:
				return
			}
			r := bufio.NewReaderSize(conn, 1<<20)
			for {
				line, err := r.ReadBytes('\n')
				a.mu.Lock()
				switch {
				case err == nil:
					a.lines = append(a.lines, line)
				case len(line) > 0:
					a.fragments++
				}
				a.mu.Unlock()
				if err != nil {
					return
				}
			}
		}()
	}
}

func (a *stallingAgent) release() {
	close(a.released)
}

func (a *stallingAgent) received() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]byte(nil), a.lines...)
}

func (a *stallingAgent) waitFor(t *testing.T, n int, timeout time.Duration) [][]byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := a.received(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := a.received()
	t.Fatalf("agent received %d lines, want %d", len(got), n)
	return got
}

func (a *stallingAgent) stop() {
	_ = a.ln.Close()
	close(a.done)
	a.mu.Lock()
	for _, c := range a.conns {
		_ = c.Close()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// largeRecord is a record of roughly size bytes once serialized.
func largeRecord(n, size int) Record {
	return map[string]any{"n": n, "pad": strings.Repeat("x", size)}
}

// closedEndpoint returns an endpoint nothing listens on.
func closedEndpoint(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return "tcp://" + addr
}

// recordingSink collects records. When gate is set, delivery blocks until the
// gate is closed or the sender is forced to stop; entered is signalled on
// every call.
type recordingSink struct {
	mu      sync.Mutex
	records []Record
	errs    []error // returned in order, one per call, before succeeding
	calls   int
	gate    chan struct{}
	entered chan struct{}
}

func (s *recordingSink) Accept(r Record) error {
	return s.AcceptContext(context.Background(), r)
}

func (s *recordingSink) AcceptContext(ctx context.Context, r Record) error {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	s.records = append(s.records, r)
	return nil
}

func (s *recordingSink) got() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func (s *recordingSink) waitFor(t *testing.T, n int, timeout time.Duration) []Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := s.got(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := s.got()
	t.Fatalf("sink received %d records, want %d", len(got), n)
	return got
}

// fakeTransport scripts connect and write results.
type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	connects   int
	closes     int
	writeErrs  []error
	connectErr []error
	written    [][]byte
	gate       chan struct{}
	entered    chan struct{}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErr) > 0 {
		err := f.connectErr[0]
		f.connectErr = f.connectErr[1:]
		return err
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.connected
}

func (f *fakeTransport) Write(ctx context.Context, p []byte) error {
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return &TransportError{Op: "write", Addr: "fake", Kind: ErrWriteTimeout, Err: ctx.Err()}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writeErrs) > 0 {
		err := f.writeErrs[0]
		f.writeErrs = f.writeErrs[1:]
		return err
	}
	f.written = append(f.written, append([]byte(nil), p...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.connected = false
	return nil
}

func (f *fakeTransport) writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func (f *fakeTransport) stats() (connects, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.closes
}

func refused() error {
	return &TransportError{Op: "write", Addr: "fake", Kind: ErrConnectionRefused}
}
