package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/polisai/vexmesh/pkg/domain"
)

const tokenPrefix = "[TOKEN::"

// DefaultVaultSize bounds a MemoryTokenVault created with size <= 0.
const DefaultVaultSize = 65536

type vaultEntry struct {
	value   []byte
	eventID uint64
}

// MemoryTokenVault is an in-memory TokenVault. The oldest tokens are evicted
// once the vault is full.
type MemoryTokenVault struct {
	tokens *lru.Cache[string, vaultEntry]
}

// NewMemoryTokenVault creates a vault holding at most size tokens.
func NewMemoryTokenVault(size int) *MemoryTokenVault {
	if size <= 0 {
		size = DefaultVaultSize
	}
	cache, _ := lru.New[string, vaultEntry](size)
	return &MemoryTokenVault{tokens: cache}
}

// Tokenize stores a copy of value and returns a token for it.
func (v *MemoryTokenVault) Tokenize(ctx context.Context, value []byte, eventID uint64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	token := tokenPrefix + uuid.NewString() + "]"
	v.tokens.Add(token, vaultEntry{value: bytes.Clone(value), eventID: eventID})
	return token, nil
}

// Detokenize retrieves the original payload for a given token.
func (v *MemoryTokenVault) Detokenize(ctx context.Context, token string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, ok := v.tokens.Get(token)
	if !ok {
		return nil, fmt.Errorf("token %s: %w", token, ErrNotFound)
	}
	return bytes.Clone(entry.value), nil
}

// EventOf returns the id of the event a token was taken from.
func (v *MemoryTokenVault) EventOf(token string) (uint64, bool) {
	entry, ok := v.tokens.Peek(token)
	return entry.eventID, ok
}

// Len returns the number of stored tokens.
func (v *MemoryTokenVault) Len() int { return v.tokens.Len() }

// IsToken reports whether s has the shape of a vault token.
func IsToken(s string) bool {
	return strings.HasPrefix(s, tokenPrefix) && strings.HasSuffix(s, "]")
}

// TokenizePayload returns a transformation that moves the event payload into
// vault and leaves the token in its place. The token is also recorded in
// metadata under "payload_token". Register it on a propagation manager.
func TokenizePayload(vault TokenVault) func(context.Context, *domain.SemanticEvent, map[string]string) error {
	return func(ctx context.Context, ev *domain.SemanticEvent, _ map[string]string) error {
		if len(ev.Payload) == 0 {
			return nil
		}
		token, err := vault.Tokenize(ctx, ev.Payload, ev.ID)
		if err != nil {
			return fmt.Errorf("tokenize payload: %w", err)
		}
		ev.Payload = []byte(token)
		if ev.Metadata == nil {
			ev.Metadata = make(map[string]string, 1)
		}
		ev.Metadata["payload_token"] = token
		return nil
	}
}
