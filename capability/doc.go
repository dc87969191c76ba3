// Package capability probes the host environment for the features that
// gate parallel execution and memory sizing: cross-origin isolation,
// shared-memory support, logical core count, and device class.
//
// Probing goes through the narrow Probe interface so tests and non-browser
// hosts can substitute fixed readings. Detection results are cached;
// Refresh invalidates the cache when the environment changes at runtime.
package capability
