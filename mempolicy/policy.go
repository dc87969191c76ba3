package mempolicy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vectral/conductor/capability"
)

// PageSize is the linear-memory page size in bytes.
const PageSize = 64 * 1024

// Canonical memory ceilings in pages. One rung per device tier, plus the
// minimal floor the cascade bottoms out at.
const (
	initialPages      = 16 * pagesPerMiB  // 16 MiB startup baseline
	floorPages        = 128 * pagesPerMiB // 128 MiB minimal floor
	mobilePages       = 256 * pagesPerMiB
	strictEnginePages = 1024 * pagesPerMiB
	desktopPages      = 2048 * pagesPerMiB

	pagesPerMiB = (1 << 20) / PageSize
)

// ErrAllocationExhausted is returned when every fallback rung, including
// the floor, fails to allocate. Fatal for this module instance.
var ErrAllocationExhausted = errors.New("mempolicy: all memory fallback rungs exhausted")

// Policy describes the linear-memory limits chosen for the compute module.
type Policy struct {
	// InitialPages is the initial memory size in pages. Always the small
	// fixed baseline to keep startup cheap.
	InitialPages int

	// MaxPages is the memory ceiling in pages.
	MaxPages int

	// Shared indicates the memory should be allocated as shared, enabling
	// parallel execution inside the compute module.
	Shared bool
}

// MaxBytes returns the ceiling in bytes.
func (p Policy) MaxBytes() int64 { return int64(p.MaxPages) * PageSize }

// Decide maps a capability report to a Policy from the canonical table.
//
// Shared memory is granted only when the environment supports it AND the
// engine is not a strict one. Strict engines can technically share memory;
// withholding it there is a deliberate conservative policy, not a hard
// requirement.
func Decide(report capability.Report) Policy {
	p := Policy{
		InitialPages: initialPages,
		Shared:       report.SharedMemorySupported && !report.StrictEngine,
	}

	switch {
	case report.DeviceClass == capability.DeviceMobileStrict:
		p.MaxPages = mobilePages
	case report.DeviceClass == capability.DeviceMobile:
		p.MaxPages = mobilePages
	case report.StrictEngine:
		p.MaxPages = strictEnginePages
	default:
		p.MaxPages = desktopPages
	}

	return p
}

// Allocator performs the actual memory allocation for a candidate policy.
// Implementations wrap the compute module's memory setup entry point.
type Allocator interface {
	Allocate(ctx context.Context, p Policy) error
}

// AllocatorFunc adapts a function to the Allocator interface.
type AllocatorFunc func(ctx context.Context, p Policy) error

// Allocate calls f.
func (f AllocatorFunc) Allocate(ctx context.Context, p Policy) error { return f(ctx, p) }

// Provision decides a policy for the report and allocates it, cascading to
// smaller non-shared rungs on failure. It returns the policy that actually
// stuck. If the minimal floor also fails, ErrAllocationExhausted is
// returned wrapped around the floor's allocation error.
func Provision(ctx context.Context, report capability.Report, alloc Allocator, logger *slog.Logger) (Policy, error) {
	if logger == nil {
		logger = slog.Default()
	}

	candidate := Decide(report)

	var lastErr error
	for _, maxPages := range cascadeFrom(candidate.MaxPages) {
		p := Policy{
			InitialPages: candidate.InitialPages,
			MaxPages:     maxPages,
			// Only the first rung may be shared; fallback rungs drop
			// shared memory along with size.
			Shared: candidate.Shared && maxPages == candidate.MaxPages,
		}

		err := alloc.Allocate(ctx, p)
		if err == nil {
			if maxPages != candidate.MaxPages {
				logger.Warn("memory allocation degraded to smaller ceiling",
					slog.Int64("requested_bytes", candidate.MaxBytes()),
					slog.Int64("granted_bytes", p.MaxBytes()),
				)
			}
			return p, nil
		}

		lastErr = err
		logger.Warn("memory allocation failed, trying next rung",
			slog.Int64("max_bytes", p.MaxBytes()),
			slog.String("error", err.Error()),
		)
	}

	return Policy{}, fmt.Errorf("%w: %w", ErrAllocationExhausted, lastErr)
}

// cascadeFrom returns the rung ladder starting at the chosen ceiling and
// descending through every smaller canonical rung down to the floor.
func cascadeFrom(maxPages int) []int {
	ladder := []int{desktopPages, strictEnginePages, mobilePages, floorPages}
	rungs := make([]int, 0, len(ladder))
	for _, rung := range ladder {
		if rung <= maxPages {
			rungs = append(rungs, rung)
		}
	}
	return rungs
}
