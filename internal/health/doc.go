// Package health holds the liveness and readiness probes served on the
// ops listener.
//
// Probes compose with [All] and [Any]. [SessionReady] reports whether the
// viewer session accepts loads, and [ShutdownGate] flips readiness off
// while the process drains so load balancers stop routing to it.
package health
