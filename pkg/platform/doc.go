/*
Package platform wraps OS resource actuation behind the Proxy interface.

A Proxy turns a resource assignment into an actual OS-level guarantee: on a
Linux host that means writing a control-group subtree (cpuset.cpus,
cpuset.mems, cpu.cfs_period_us, cpu.cfs_quota_us, memory.limit_in_bytes).
Composition (a local proxy plus zero or more auxiliary proxies targeting
accelerator runtimes) is modeled as a plain slice fanned out by
CompositeProxy, not as an inheritance chain.

Host is the production variant, backed by github.com/containerd/cgroups.
Test is an in-memory variant for accountant/scheduler tests that must not
touch a real cgroup filesystem. Remote is a stub for a proxy that would
actuate against a non-local resource manager; it is not wired to a concrete
transport and every call returns errors.ErrNotImplemented.
*/
package platform
