// Package health holds the probes behind the liveness, readiness and
// status endpoints.
//
// Probes compose with [All] and [Any]. [Ping] adapts anything with a
// Ping(ctx) method, such as the task database or the key-value store, and
// bounds it with a timeout.
//
// [ShutdownGate] fails readiness as soon as shutdown begins so the load
// balancer stops routing new requests while open streams drain.
package health
