// Package matcher provides the content matchers used by compiled rules and
// filters: Boyer-Moore for a single literal, Aho-Corasick for literal
// alternatives, a Bloom filter for vocabulary pre-checks, and regular
// expressions. All matchers are built once at compile time and are safe for
// concurrent use afterwards.
package matcher
