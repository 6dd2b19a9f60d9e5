// Package ratelimit paces calls to the messaging surface.
//
// Chat platforms enforce per-channel and global request limits. A resync
// posts and deletes one message per task in quick succession, so without
// pacing a large workspace runs into those limits and turns every remaining
// task into a reconciliation failure.
//
// # Local Limiting
//
//	limiter := ratelimit.NewMemoryLimiter()
//	limiter.SetCapacity("surface", 5, time.Second)
//
//	if err := limiter.Acquire(ctx, "surface"); err != nil {
//	    return err // context ended
//	}
//
// # Shared Limiting
//
// Replicas behind the same chat account share its limits. SharedLimiter
// announces a reduction on the bus whenever one replica is throttled, and
// every replica lowers its own bucket to match:
//
//	limiter, _ := ratelimit.NewSharedLimiter(ratelimit.SharedConfig{
//	    Bus:     b,
//	    Subject: subjects.RateLimit(),
//	    Replica: hostname,
//	})
//	limiter.Throttled("surface", "429 from gateway")
//
// Capacity grows back toward the configured value after RecoveryInterval
// passes without a new reduction.
package ratelimit
