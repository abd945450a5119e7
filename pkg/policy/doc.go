// Package policy evaluates custom rule and filter conditions written in Rego
// with an embedded Open Policy Agent engine.
//
// Each custom condition compiles to its own Engine with a prepared query and
// a bounded decision cache. A PostureSet decides whether an evaluation error
// counts as a match (fail-closed) or not (fail-open) per component.
package policy
