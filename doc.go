// Package conductor coordinates client-side execution of a precompiled
// image-vectorization compute module: capability detection, memory
// sizing, threading lifecycle, pixel-buffer pooling, batch grouping,
// and job scheduling behind one small facade.
//
// Conductor is designed as a library, not a service. Supply the compute
// module adapter and a capability probe, then submit vectorization jobs
// as pixel buffers.
//
// # Quick Start
//
//	c, err := conductor.New(module,
//	    conductor.WithProbe(probe),
//	    conductor.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := c.Start(ctx); err != nil { ... }
//	j, err := c.Submit(ctx, pixels, w, h, bufpool.LayoutRGBA, cfg)
//
// Threading is never activated implicitly: call ActivateThreading once
// the user opts in. All entity IDs use TypeID — type-prefixed,
// K-sortable, UUIDv7-based identifiers.
package conductor
