// Package ext defines the extension system for Conductor.
// Extensions are notified of lifecycle events (job queued, completed,
// batch dispatched, threading transitions, etc.) and can react to
// them — logging, telemetry, diagnostics overlays, etc.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext
