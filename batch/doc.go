// Package batch groups compatible pending jobs into bounded batches so
// one call into the compute module can amortize per-call overhead over
// several images.
//
// Jobs join an open batch when their config scores at or above the
// compatibility cutoff against the batch's first member. A batch closes
// when it reaches the maximum size, when it outlives the batch timeout,
// or when it has reached the minimum size and its oldest member has
// waited past the maximum wait. Arrival order is preserved inside a
// batch, so tie-breaking at dispatch stays FIFO.
package batch
