// Package compute defines the adapter interface to the precompiled
// vectorization module. Every call is treated as an opaque, possibly
// failing operation; the coordinator never assumes anything about the
// module's internals beyond this surface.
package compute

import (
	"context"
	"time"
)

// Backend selects the tracing algorithm inside the compute module.
type Backend string

const (
	// BackendEdge traces edge outlines.
	BackendEdge Backend = "edge"
	// BackendCenterline traces stroke centerlines.
	BackendCenterline Backend = "centerline"
	// BackendSuperpixel traces filled color regions.
	BackendSuperpixel Backend = "superpixel"
	// BackendDots renders stippled output.
	BackendDots Backend = "dots"
)

// Config carries the per-job tracing parameters that affect call shape.
type Config struct {
	Backend     Backend `json:"backend"`
	Detail      float64 `json:"detail"`       // 0..1
	StrokeWidth float64 `json:"stroke_width"` // output stroke width in px
	PassCount   int     `json:"pass_count"`   // number of tracing passes
}

// Input is one unit of work handed to the module: a pixel buffer plus its
// dimensions and config.
type Input struct {
	Pixels []byte
	Width  int
	Height int
	Config Config
}

// Result is the vector output for one input.
type Result struct {
	SVG       string
	Width     int
	Height    int
	PathCount int
	Elapsed   time.Duration
}

// ProgressFunc receives completion fractions in [0,1] during processing.
// It may be called from the module's own callback context.
type ProgressFunc func(fraction float64)

// Module is the fixed capability surface of the compute module. Optional
// capabilities are explicit methods checked once at startup, never probed
// dynamically.
type Module interface {
	// Load initializes the module. Must be called before any other method.
	Load(ctx context.Context) error

	// ActivateThreads initializes the module's internal worker pool with
	// n execution units. Only the threading lifecycle controller calls
	// this; it is never triggered at load time.
	ActivateThreads(ctx context.Context, n int) error

	// ProcessOne traces a single image. progress may be nil.
	ProcessOne(ctx context.Context, in Input, progress ProgressFunc) (*Result, error)

	// ProcessBatch traces several images in one call to amortize call
	// overhead. Results are positionally aligned with inputs.
	ProcessBatch(ctx context.Context, inputs []Input) ([]*Result, error)

	// ThreadingSupported reports whether the module build carries the
	// parallel runtime at all.
	ThreadingSupported() bool

	// ThreadCount returns the module's current execution unit count.
	ThreadCount() int
}
