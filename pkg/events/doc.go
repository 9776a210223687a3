/*
Package events carries the kernel agent's upstream notifications —
instance_started, instance_heartbeat, instance_stats, kernel_creating,
kernel_restarting, kernel_terminated, instance_terminated — from
KernelLifecycle, EventMonitor, and PeriodicTasks to the manager.

Dispatch is always fire-and-forget: callers bound every call with a 1-
second context deadline and treat a returned error as log-and-continue,
never as a reason to abort the caller's own operation. Broker is the
in-process implementation used both in tests and as the default when no
real manager event connection is configured; production wiring can supply
any other Dispatcher.
*/
package events
