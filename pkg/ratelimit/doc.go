// Package ratelimit provides per-caller admission limiters.
//
// Every limiter implements Allow(ctx, callerID) (bool, error) and
// RetryAfter(callerID) time.Duration:
//
//   - [Window] is an exact in-process sliding log: at most N admissions in
//     any window-long interval.
//   - [Bucket] is an in-process token bucket (golang.org/x/time/rate) that
//     allows bursts of N and refills at N per window.
//   - [Redis] is a fixed per-minute counter shared between instances.
//
// Example:
//
//	l := ratelimit.NewWindow(60, time.Minute)
//	defer l.Close()
//
//	ok, err := l.Allow(ctx, userID)
//	if !ok {
//	    retryIn := l.RetryAfter(userID)
//	}
package ratelimit
