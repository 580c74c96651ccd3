package parallel

import (
	"sync/atomic"
	"testing"
)

func TestForCoversRange(t *testing.T) {
	const n = 1000
	hits := make([]int32, n)
	For(n, func(i int) {
		atomic.AddInt32(&hits[i], 1)
	}, DefaultConfig())
	for i, h := range hits {
		if h != 1 {
			t.Fatalf("index %d executed %d times", i, h)
		}
	}
}

func TestForSequentialFallback(t *testing.T) {
	cfg := Config{Enabled: false}
	order := make([]int, 0, 10)
	For(10, func(i int) {
		order = append(order, i)
	}, cfg)
	for i, v := range order {
		if v != i {
			t.Fatalf("sequential order broken at %d: %d", i, v)
		}
	}
}

func TestForSmallNStaysSequential(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinChunkSize = 100
	// Below the chunk threshold the callback runs on the caller goroutine,
	// so an unsynchronized append is safe.
	var got []int
	For(10, func(i int) { got = append(got, i) }, cfg)
	if len(got) != 10 {
		t.Fatalf("ran %d iterations", len(got))
	}
}

func TestForZero(t *testing.T) {
	ran := false
	For(0, func(int) { ran = true }, DefaultConfig())
	if ran {
		t.Fatal("callback ran for n=0")
	}
}
