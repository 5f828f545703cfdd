// Package ratelimit throttles viewer API callers per client IP.
//
// Each IP gets a token bucket from golang.org/x/time/rate. Load and upload
// requests can be charged more than one token because each one occupies the
// single session queue. State is in-memory and per process. Idle buckets are
// evicted in the background and the number of tracked IPs is capped.
package ratelimit
