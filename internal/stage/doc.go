// Package stage drives one pipeline stage from a loaded parameter file to
// a persisted or failed outcome.
//
// Ownership boundary:
// - the per-stage state machine and exit status mapping
//
// - the stage registry and the seven pipeline stages
//
// - dispatching toolkit tasks and scanning their logs for severe errors
//
// - writing corrected parameters back once, after the stage succeeded
//
// A stage never writes the parameter file itself. It reports changes to its
// Job and the driver persists them in a single write.
package stage
