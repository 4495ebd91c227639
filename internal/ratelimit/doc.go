// Package ratelimit decides allow/deny for an (operation, subject) pair.
//
// The primary path is a sliding-window log kept in a sorted set on the
// shared key-value store, so every instance sees the same quota. When the
// store cannot be reached the Limiter degrades to a process-local fixed
// window (FallbackLimiter) and keeps answering with the same Result shape.
//
// IPGuard is a separate, purely in-memory per-IP token bucket placed in
// front of the API as a coarse flood guard. It knows nothing about
// operations or subjects.
package ratelimit
