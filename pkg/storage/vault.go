package storage

import "context"

// TokenVault stores payloads removed from events and hands back tokens that
// authorised consumers can exchange for the original bytes.
type TokenVault interface {
	// Tokenize stores value and returns an opaque token. eventID is recorded
	// for audit.
	Tokenize(ctx context.Context, value []byte, eventID uint64) (string, error)

	// Detokenize returns the value stored under token.
	Detokenize(ctx context.Context, token string) ([]byte, error)
}
