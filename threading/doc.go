// Package threading owns the lifecycle state machine for activating
// parallel execution inside the compute module.
//
// Activation is lazy and explicit. Nothing in this package, or anywhere
// else in conductor, activates the pool at load time; a caller must ask.
// That is the central guarantee keeping the module from spawning threads
// nobody requested.
//
// The phase graph is
//
//	Uninitialized → Initializing → {Ready | Failed}
//	Failed → FallbackSingleThreaded
//
// Ready and FallbackSingleThreaded are terminal for the session; Reset
// re-enters Uninitialized. Confirmation of the Initializing phase is
// one-shot: the first ConfirmSuccess or ConfirmFailure wins, later calls
// on the same cycle are no-ops. Duplicate async callbacks from the module
// therefore cannot corrupt the state.
package threading
