package sampler

import (
	"context"
	"time"
)

// warmUpFibN keeps a single core busy for roughly a second per call on
// typical hardware.
const warmUpFibN = 35

// WarmUp runs a CPU-bound naive Fibonacci loop on the calling goroutine for
// at least d, bringing the CPU to a steady frequency and thermal state. It
// returns the number of completed iterations. Cancellation is checked
// between iterations.
func WarmUp(ctx context.Context, d time.Duration) (int, error) {
	if d <= 0 {
		return 0, nil
	}

	deadline := time.Now().Add(d)
	iterations := 0

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return iterations, err
		}

		_ = fib(warmUpFibN)
		iterations++
	}

	return iterations, nil
}

func fib(n int) int {
	if n < 2 {
		return n
	}

	return fib(n-1) + fib(n-2)
}
