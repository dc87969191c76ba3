// Package job defines the vectorization job model: lifecycle states,
// priorities, per-job options, and the session-scoped store contract.
//
// A job is in exactly one state at all times. The legal transitions are
//
//	queued → processing → {completed | failed | cancelled}
//	processing → retrying → queued        (up to MaxRetries)
//	queued → cancelled
//
// Completed, failed, and cancelled are terminal; terminal jobs remain
// queryable until the cleanup sweep evicts them.
package job
