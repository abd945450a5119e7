package propagation

import (
	"context"
	"fmt"
	"sync"

	"github.com/polisai/vexmesh/pkg/domain"
)

// Transformer rewrites a delivered event in place. It always receives a
// private clone.
type Transformer func(ctx context.Context, ev *domain.SemanticEvent, params map[string]string) error

// Built-in transformation names.
const (
	TransformSetMetadata   = "set_metadata"
	TransformRedactPayload = "redact_payload"
	TransformDropContext   = "drop_context"
	TransformTag           = "tag"
)

type transformers struct {
	mu    sync.RWMutex
	byKey map[string]Transformer
}

func newTransformers() *transformers {
	t := &transformers{byKey: make(map[string]Transformer)}
	t.byKey[TransformSetMetadata] = setMetadata
	t.byKey[TransformRedactPayload] = redactPayload
	t.byKey[TransformDropContext] = dropContext
	t.byKey[TransformTag] = tag
	return t
}

func (t *transformers) register(name string, fn Transformer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byKey[name] = fn
}

func (t *transformers) lookup(name string) (Transformer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.byKey[name]
	return fn, ok
}

func setMetadata(_ context.Context, ev *domain.SemanticEvent, params map[string]string) error {
	if len(params) == 0 {
		return nil
	}
	if ev.Metadata == nil {
		ev.Metadata = make(map[string]string, len(params))
	}
	for k, v := range params {
		ev.Metadata[k] = v
	}
	return nil
}

func redactPayload(_ context.Context, ev *domain.SemanticEvent, params map[string]string) error {
	if r, ok := params["replacement"]; ok {
		ev.Payload = []byte(r)
	} else {
		ev.Payload = nil
	}
	if ev.Metadata == nil {
		ev.Metadata = make(map[string]string, 1)
	}
	ev.Metadata["redacted"] = "true"
	return nil
}

func dropContext(_ context.Context, ev *domain.SemanticEvent, params map[string]string) error {
	kind := domain.ContextKind(params["context"])
	for _, known := range domain.AllContextKinds {
		if known == kind {
			ev.DropContext(kind)
			return nil
		}
	}
	return fmt.Errorf("unknown context %q", params["context"])
}

func tag(_ context.Context, ev *domain.SemanticEvent, params map[string]string) error {
	if len(params) == 0 {
		return nil
	}
	if ev.Semantic == nil {
		ev.Semantic = &domain.SemanticContext{}
	}
	if ev.Semantic.Tags == nil {
		ev.Semantic.Tags = make(map[string]string, len(params))
	}
	for k, v := range params {
		ev.Semantic.Tags[k] = v
	}
	return nil
}
