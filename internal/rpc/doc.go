// Package rpc exposes the control verbs as a structured HTTP/JSON API for
// programmatic clients: one method per route, typed parameters and results,
// and error codes derived from the error's class.
package rpc
