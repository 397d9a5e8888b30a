// Package rtlib is the per-application runtime companion: the in-process
// half of the RPC channel that registers execution contexts, blocks in
// GetWorkingMode, tracks cycles-per-second against an application-declared
// goal, and reports a goal-gap back to the manager so the policy can react
// to applications that are under- or over-served.
//
// The client drives the same four-phase handshake the manager's
// synchronization manager initiates, but from the other end: it answers
// PreChange/SyncChange/DoChange/PostChange calls by invoking a Handler the
// embedding application supplies.
package rtlib
