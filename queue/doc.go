// Package queue holds the pending-work structures for the scheduler: a
// three-tier priority FIFO for individual jobs and a Manager applying
// per-tier concurrency and rate limits at dispatch time.
//
// Ordering is strict across tiers (high before normal before low) and
// FIFO within a tier. A job scheduled for the future (retry backoff)
// stays queued until its time arrives without blocking jobs behind it.
package queue
