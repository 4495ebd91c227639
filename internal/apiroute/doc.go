// Package apiroute builds API handlers from a business function and a
// Route description. Every composed handler runs the same pipeline:
// validate, authenticate, rate-limit, cache lookup, handler, headers.
// Any step may end the request early.
package apiroute
