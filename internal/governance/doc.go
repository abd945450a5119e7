// Package governance holds the runtime safety controls the mesh shares
// between components: keyed token-bucket rate limiting for rate-limit
// conditions and a retry policy with exponential backoff for bridge
// translations.
package governance
