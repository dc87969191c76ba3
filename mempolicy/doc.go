// Package mempolicy maps a capability report to linear-memory limits for
// the compute module and provisions memory with a fallback cascade.
//
// Ceilings are table-driven by device class. Hosts with known strict
// engines get conservative maximums so a large allocation never takes the
// whole tab down. When an allocation fails, Provision walks down the
// canonical rung table (non-shared) until a rung fits or the floor fails.
package mempolicy
