// Package bufpool is an arena allocator for pixel buffers. Buffers are
// bucketed into power-of-two size classes and reused across jobs, so a
// steady stream of similar-sized images stops allocating after warmup.
//
// A buffer handed out by Allocate is exclusively owned until Release;
// release does not zero or shrink the backing storage.
package bufpool
