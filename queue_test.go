package emf

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestBoundedQueuePushPopOrder(t *testing.T) {
	q := newBoundedQueue[int](-1, nil)
	for i := 0; i < 5; i++ {
		if err := q.Push(i); err != nil {
			t.Fatalf("Push(%d) failed: %v", i, err)
		}
	}
	if got := q.Len(); got != 5 {
		t.Fatalf("Len() = %d, want 5", got)
	}
	for i := 0; i < 5; i++ {
		e, ok := q.Pop()
		if !ok || e.stop || e.value != i {
			t.Fatalf("Pop() = %+v, %v; want %d", e, ok, i)
		}
	}
}

func TestBoundedQueueCapacityPolicy(t *testing.T) {
	q := newBoundedQueue[int](3, nil)

	// Depth is checked before the push, so depth 3 still admits one more.
	for i := 0; i < 4; i++ {
		if err := q.Push(i); err != nil {
			t.Fatalf("Push(%d) failed: %v", i, err)
		}
	}
	for i := 4; i < 6; i++ {
		if err := q.Push(i); !errors.Is(err, ErrQueueFull) {
			t.Fatalf("Push(%d) = %v, want ErrQueueFull", i, err)
		}
	}
	if got := q.Len(); got != 4 {
		t.Fatalf("Len() = %d, want 4", got)
	}
}

func TestBoundedQueueZeroCapacity(t *testing.T) {
	q := newBoundedQueue[int](0, nil)
	if err := q.Push(1); err != nil {
		t.Fatalf("first Push failed: %v", err)
	}
	if err := q.Push(2); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Push = %v, want ErrQueueFull", err)
	}
}

func TestBoundedQueueCloseWithStop(t *testing.T) {
	q := newBoundedQueue[string](-1, nil)
	_ = q.Push("a")
	_ = q.Push("b")

	if err := q.CloseWithStop(); err != nil {
		t.Fatalf("CloseWithStop failed: %v", err)
	}
	if err := q.CloseWithStop(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second CloseWithStop = %v, want ErrClosed", err)
	}
	if err := q.Push("c"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Push after close = %v, want ErrClosed", err)
	}
	if !q.Closed() {
		t.Fatal("Closed() = false after CloseWithStop")
	}
	if got := q.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2 (sentinel excluded)", got)
	}

	for _, want := range []string{"a", "b"} {
		e, ok := q.Pop()
		if !ok || e.stop || e.value != want {
			t.Fatalf("Pop() = %+v, %v; want %q", e, ok, want)
		}
	}
	e, ok := q.Pop()
	if !ok || !e.stop {
		t.Fatalf("Pop() = %+v, %v; want stop sentinel", e, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop() on closed, drained queue should report end of stream")
	}
}

func TestBoundedQueueRequeueLandsBeforeStop(t *testing.T) {
	q := newBoundedQueue[string](-1, nil)
	_ = q.Push("a")
	_ = q.CloseWithStop()

	if err := q.Requeue("retry"); err != nil {
		t.Fatalf("Requeue while draining failed: %v", err)
	}

	var got []string
	for {
		e, ok := q.Pop()
		if !ok {
			t.Fatal("queue ended before the stop sentinel")
		}
		if e.stop {
			break
		}
		got = append(got, e.value)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "retry" {
		t.Fatalf("drained %v, want [a retry]", got)
	}

	// With the sentinel consumed nothing can come back.
	if err := q.Requeue("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Requeue after stop = %v, want ErrClosed", err)
	}
}

func TestBoundedQueueRequeueRespectsCapacity(t *testing.T) {
	q := newBoundedQueue[int](1, nil)
	_ = q.Push(1)
	_ = q.Push(2)
	if err := q.Requeue(3); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Requeue on full queue = %v, want ErrQueueFull", err)
	}
}

func TestBoundedQueuePopBlocksUntilPush(t *testing.T) {
	q := newBoundedQueue[int](-1, nil)
	got := make(chan int, 1)
	go func() {
		e, _ := q.Pop()
		got <- e.value
	}()

	select {
	case v := <-got:
		t.Fatalf("Pop returned %d on an empty queue", v)
	case <-time.After(20 * time.Millisecond):
	}

	_ = q.Push(42)
	select {
	case v := <-got:
		if v != 42 {
			t.Fatalf("Pop() = %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up after Push")
	}
}

func TestBoundedQueuePopWakesOnClose(t *testing.T) {
	q := newBoundedQueue[int](-1, nil)
	got := make(chan bool, 1)
	go func() {
		e, ok := q.Pop()
		got <- ok && e.stop
	}()

	time.Sleep(10 * time.Millisecond)
	_ = q.CloseWithStop()

	select {
	case stop := <-got:
		if !stop {
			t.Fatal("Pop should have returned the stop sentinel")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up after CloseWithStop")
	}
}

func TestBoundedQueueConcurrentProducers(t *testing.T) {
	const producers, perProducer = 8, 200
	q := newBoundedQueue[int](-1, nil)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Push(i)
			}
		}()
	}
	wg.Wait()
	_ = q.CloseWithStop()

	n := 0
	for {
		e, ok := q.Pop()
		if !ok || e.stop {
			break
		}
		n++
	}
	if n != producers*perProducer {
		t.Fatalf("popped %d entries, want %d", n, producers*perProducer)
	}
}

func TestBoundedQueueDepthGauge(t *testing.T) {
	depth := prometheus.NewGauge(prometheus.GaugeOpts{Name: "depth"})
	q := newBoundedQueue[int](-1, depth)

	_ = q.Push(1)
	_ = q.Push(2)
	if got := testutil.ToFloat64(depth); got != 2 {
		t.Fatalf("depth = %v, want 2", got)
	}
	q.Pop()
	_ = q.CloseWithStop()
	if got := testutil.ToFloat64(depth); got != 1 {
		t.Fatalf("depth = %v, want 1", got)
	}
}
