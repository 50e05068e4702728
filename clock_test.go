package evstream

import "testing"

// TestNowStrictlyMonotonic is the one property the whole publish path
// relies on: two calls in a row, even on the same goroutine with a
// coarse system clock, never compare equal or backwards.
func TestNowStrictlyMonotonic(t *testing.T) {
	prev := Now()
	for i := 0; i < 10000; i++ {
		next := Now()
		if next <= prev {
			t.Fatalf("Now() not strictly increasing: prev=%d next=%d", prev, next)
		}
		prev = next
	}
}

func TestNowMonotonicConcurrent(t *testing.T) {
	const goroutines = 8
	const perGoroutine = 2000

	results := make(chan []int64, goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			out := make([]int64, perGoroutine)
			for i := range out {
				out[i] = Now()
			}
			results <- out
		}()
	}

	seen := make(map[int64]bool, goroutines*perGoroutine)
	for g := 0; g < goroutines; g++ {
		for _, us := range <-results {
			if seen[us] {
				t.Fatalf("Now() returned %d twice across goroutines", us)
			}
			seen[us] = true
		}
	}
}
