package mempool

import "runtime"

// RetryPolicy bounds how long Acquire keeps retrying a contended free list. Each failed
// compare-and-swap first spins, then yields the processor; once both budgets are spent Acquire
// returns ErrContended.
//
// Release follows the same spin-then-yield pattern but never gives up, since abandoning a
// release would leak the block for the lifetime of the segment.
type RetryPolicy struct {
	// SpinLimit is the number of immediate retries before yielding
	SpinLimit int
	// YieldLimit is the number of retries preceded by runtime.Gosched after the spins are spent.
	// A negative value retries forever.
	YieldLimit int
}

// DefaultRetryPolicy is used when Options.Retry is nil
var DefaultRetryPolicy = RetryPolicy{
	SpinLimit:  64,
	YieldLimit: 1024,
}

type backoff struct {
	attempts int
}

// next records a failed attempt and reports whether another one is allowed
func (b *backoff) next(policy RetryPolicy) bool {
	b.attempts++
	if b.attempts <= policy.SpinLimit {
		return true
	}
	if policy.YieldLimit >= 0 && b.attempts > policy.SpinLimit+policy.YieldLimit {
		return false
	}

	runtime.Gosched()
	return true
}

// wait records a failed attempt that must be retried regardless of the policy
func (b *backoff) wait(policy RetryPolicy) {
	b.attempts++
	if b.attempts > policy.SpinLimit {
		runtime.Gosched()
	}
}
