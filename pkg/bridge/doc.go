// Package bridge translates semantic events across the kernel/userspace
// privilege boundary.
//
// A translation flattens the event into the fixed kernel record and rebuilds
// the userspace view from it, scoring how much sub-context survived. Three
// modes are offered: synchronous under a deadline, asynchronous through a
// bounded queue and worker pool, and zero-copy through a slot arena whose
// slots are handed out by handle and returned with TranslationResult.Release.
//
// Translations of the same identity (path, graph node or vector) that overlap
// in time are resolved by a ConflictResolver; the loser is discarded and the
// decision is kept in a bounded ConflictLog.
package bridge
