// Package httpmw holds the middleware wrapped around the viewer HTTP API.
//
// httpserver.NewHandler composes them outermost first: security headers,
// request ID, panic recovery, client IP, rate limiting, body limits,
// tracing, viewer headers, metrics, request logging and the chi router.
// Request bodies, tokens and query strings sent to resolvers are never logged.
package httpmw
