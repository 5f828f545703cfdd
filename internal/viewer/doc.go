// Package viewer owns the lifecycle of a single model viewer instance.
//
// A [Session] binds an opaque rendering [Engine] to a host-owned [Container],
// initializes it exactly once, registers the baseline extensions, and then
// serializes load requests through a FIFO queue:
//
//	Uninitialized -> Ready -> (any number of loads) -> Ready
//	Uninitialized -> Failed            (initialization failure, terminal)
//	Ready         -> Failed            (fatal engine error, terminal)
//	any           -> Closed            (Close, terminal)
//
// Each [LoadRequest] is resolved into an ordered list of [ResourceRef] values
// (a local file becomes exactly one transient handle from a [HandleStore], a
// remote URL goes through a [Resolver]) and every reference is handed to the
// engine in order. Per-resource failures never abort the batch; they are
// logged and returned individually in the [Report].
package viewer
