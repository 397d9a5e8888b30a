/*
Package appmanager is the exclusive owner of Applications and Execution
Contexts (EXCs).

Every other package holds an EXC by its (pid, exc_id) identity and reaches
it only through the accessor methods here, which serialize writes behind a
single read-write lock — the same ownership discipline the component
design assigns to the Application Manager. statemachine.go implements the
EXC lifecycle transition table; manager.go implements the public operations
(Register, Enable/Disable, GetWorkingMode, SetAWMConstraint,
SetExplicitGoalGap, NotifyRuntimeProfile) applications and the scheduler
invoke.
*/
package appmanager
