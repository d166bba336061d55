package workerpool

import (
	"sync/atomic"
	"testing"
)

func TestPoolRunsAllJobs(t *testing.T) {
	pool := New(4)
	defer pool.Close()

	var count int64
	const n = 100
	for i := 0; i < n; i++ {
		pool.AddJob(func() { atomic.AddInt64(&count, 1) })
	}
	pool.WaitAll()

	if got := atomic.LoadInt64(&count); got != n {
		t.Fatalf("ran %d jobs, want %d", got, n)
	}
}

func TestNewDefaultsToNumCPU(t *testing.T) {
	pool := New(0)
	defer pool.Close()
	var ran bool
	pool.AddJob(func() { ran = true })
	pool.WaitAll()
	if !ran {
		t.Fatalf("job never ran")
	}
}

func TestSplitVectorChunksInOrder(t *testing.T) {
	in := []int{0, 1, 2, 3, 4, 5, 6}
	chunks := SplitVector(in, 3)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	var flat []int
	for _, c := range chunks {
		flat = append(flat, c...)
	}
	for i, v := range flat {
		if v != in[i] {
			t.Fatalf("chunk reassembly mismatch at %d: got %d, want %d", i, v, in[i])
		}
	}
}

func TestSplitJobsSumsToN(t *testing.T) {
	for _, n := range []int{0, 1, 5, 16, 17, 100} {
		splits := SplitJobs(n, 8)
		var sum int
		for _, s := range splits {
			if s <= 0 {
				t.Fatalf("SplitJobs(%d, 8) produced a non-positive split: %v", n, splits)
			}
			sum += s
		}
		if sum != n {
			t.Fatalf("SplitJobs(%d, 8) sums to %d, want %d", n, sum, n)
		}
	}
}

func TestSplitJobsFrontLoadsFullBatches(t *testing.T) {
	splits := SplitJobs(100, 8)
	if len(splits) == 0 {
		t.Fatalf("expected at least one split")
	}
	if splits[0] != 8 {
		t.Fatalf("first split = %d, want 8 (full batch while remaining > 2*threads)", splits[0])
	}
}
