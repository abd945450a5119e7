package policy

import (
	"context"
	"encoding/hex"
	"strconv"

	"github.com/polisai/vexmesh/pkg/domain"
)

// Evaluator decides whether a custom condition holds for an event.
type Evaluator interface {
	Match(ctx context.Context, ev *domain.CrossBoundaryEvent) (bool, error)
}

// EventInput renders an event as the Rego `input` document.
func EventInput(ev *domain.CrossBoundaryEvent) map[string]any {
	e := ev.Event
	in := map[string]any{
		"id":              strconv.FormatUint(e.ID, 10),
		"type":            string(e.Type),
		"category":        e.Type.Category(),
		"source":          string(ev.Source),
		"priority":        int(e.Priority),
		"flags":           int(e.Flags),
		"global_sequence": e.GlobalSequence,
		"timestamp_unix":  e.Timestamp.Unix(),
		"metadata":        stringMapToAny(e.Metadata),
		"payload_hex":     hex.EncodeToString(e.Payload),
		"contexts":        contextNames(e),
	}
	targets := make([]any, 0, len(ev.Targets))
	for _, t := range ev.Targets {
		targets = append(targets, string(t))
	}
	in["targets"] = targets

	if fs := e.Filesystem; fs != nil {
		in["filesystem"] = map[string]any{
			"path":      fs.Path,
			"old_path":  fs.OldPath,
			"inode":     fs.Inode,
			"size":      fs.Size,
			"operation": fs.Operation,
		}
	}
	if g := e.Graph; g != nil {
		in["graph"] = map[string]any{
			"node_id":    g.NodeID,
			"edge_id":    g.EdgeID,
			"node_type":  g.NodeType,
			"operation":  g.Operation,
			"properties": stringMapToAny(g.Properties),
		}
	}
	if v := e.Vector; v != nil {
		in["vector"] = map[string]any{
			"vector_id":  v.VectorID,
			"collection": v.Collection,
			"dimensions": v.Dimensions,
			"similarity": v.Similarity,
		}
	}
	if a := e.Agent; a != nil {
		in["agent"] = map[string]any{
			"agent_id":   a.AgentID,
			"session_id": a.SessionID,
			"intent":     a.Intent,
		}
	}
	if s := e.Semantic; s != nil {
		in["semantic"] = map[string]any{
			"tags":       stringMapToAny(s.Tags),
			"intent":     s.Intent,
			"confidence": s.Confidence,
		}
	}
	return in
}

func contextNames(e *domain.SemanticEvent) []any {
	kinds := e.ContextKinds()
	out := make([]any, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, string(k))
	}
	return out
}

func stringMapToAny(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
