// Package stream fans server events out to long-lived per-subject
// client streams.
//
// A Registry owns the in-process connections. Each connection has a
// bounded outbound buffer; a full buffer counts as a failed write and the
// connection is dropped rather than slowing the broadcaster down. A
// periodic sweep evicts connections past their max age and trims the
// registry to its global cap, oldest first. The per-subject connection
// count is mirrored into the shared store so any instance can report it.
//
// ServeSSE is the transport side: it writes a connection's frames to an
// http.ResponseWriter as Server-Sent Events.
package stream
