// Package domain defines the core event, rule, and decision types of the
// semantic event mesh.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no transport, storage, metrics, etc.)
// - Shared by the matcher, compiler, routing, filtering, bridge and propagation packages
// - Testable in isolation without mocks
//
// Events are produced outside the mesh. The mesh only reads them, clones them,
// or augments metadata on a clone; a SemanticEvent handed to the mesh is never
// mutated in place.
//
// Rule and filter conditions and actions are closed tagged unions: each member
// implements an unexported marker method so that only this package can add
// kinds, and consumers switch exhaustively over the concrete types.
package domain
