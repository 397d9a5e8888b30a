/*
Package accountant is the single source of truth for "who holds what".

It owns the resource ledger and every view onto it. Two views always
exist — active (committed) and scheduled (the policy's tentative output) —
and short-lived what-if views may be created and discarded around them.
Every other package reaches the ledger only through the operations here;
nobody else mutates a view directly.
*/
package accountant
