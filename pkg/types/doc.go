/*
Package types defines the core data structures shared across the RTRM core.

This package contains the domain model every other package imports: the
resource ledger's vocabulary (Resource, ResourcePath, ResourceAssignmentMap),
recipes and their working modes (Recipe, AWM), and the schedulable units an
application registers (Application, ExecutionContext) together with the
constraints that mask which AWMs an EXC is allowed to run.

# Core Types

Resource Model:
  - Resource: a single accountable quantity at a hierarchical path
  - ResourcePath: an ordered, typed path (SYSTEM.GROUP.CPU.PE, ...)
  - ResourceAssignmentMap: path -> requested quantity

Recipes and Working Modes:
  - Recipe: immutable, versioned list of AWMs plus static constraints
  - AWM: one operating point an application can run in
  - Constraint: a bound on a resource or on allowed AWM ids

Execution:
  - Application: groups one or more EXCs sharing a PID
  - ExecutionContext (EXC): a schedulable unit, owned exclusively by the
    Application Manager (pkg/appmanager); everyone else holds it by
    (pid, exc_id) and must not mutate it directly
  - ExcState: the state-machine states from spec §4.1

# Ownership and thread safety

Types here are plain data; they carry no mutex. The packages that own a
given type serialize writes to it (the Accountant owns views, the
Application Manager owns EXCs). Concurrent readers are expected to go
through the owning package's accessor methods, which take the owner's lock.
*/
package types
