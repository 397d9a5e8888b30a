/*
Package scheduler implements the Scheduler Invoker described in the core
design: a single-threaded event loop that coalesces Register, Unregister,
Refresh, ConstraintChanged, RuntimeNotify, and Timer events into
scheduling rounds.

Each round freezes a snapshot of the application manager and accountant,
invokes a pluggable Policy on the enabled EXCs that are READY, SCHEDULING
or BLOCKED, and hands every EXC the policy placed to the synchronization
manager. The placed AWM is not compared with the EXC's current one: an
EXC placed on the AWM it already runs still goes through the four phases.
Events arriving while a round is in flight are absorbed into the next
round rather than queued individually.
*/
package scheduler
