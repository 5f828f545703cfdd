// Package engine is the headless viewer engine used by the server binary.
//
// An Instance is bound to one Surface. Load fetches a reference through a
// Fetcher (blob:, http(s):// or s3://), sniffs its format, hashes it and
// records it in the scene's world tree. No geometry is decoded; the scene
// is opaque bookkeeping about what has been loaded.
//
// When the session config names a worker script, parsing runs on a
// bounded pool of background goroutines and a cancelled context abandons
// the parse. Otherwise it runs on the calling goroutine.
package engine
