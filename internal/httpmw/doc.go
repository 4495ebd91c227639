// Package httpmw holds the net/http middleware shared by the public API
// and the ops listener.
//
// httpserver.NewHandler composes them outermost first: recover, security
// headers, request id, client ip, flood guard, tracing, metrics, request
// logger, access log, router. Request data such as query strings and
// headers never reaches the logs.
package httpmw
