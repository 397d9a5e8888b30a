/*
Package sync implements the four-phase synchronization protocol that
reshuffles resources when the scheduling policy changes one or more EXCs'
working modes: PreChange (ask permission), SyncChange (quiesce), DoChange
(actuate), PostChange (confirm).

The package models each round as a small state machine driven by a
Transport the caller supplies (production: pkg/rpc; tests: an in-memory
fake), rather than as nested blocking calls, so that Phase-2 dropouts and
Phase-3 quarantines are local state transitions instead of exceptional
control flow — the restructuring the design notes call for explicitly.
*/
package sync
