package domain

import (
	"strconv"
	"strings"
	"time"
)

// EventType is a dotted event name whose first segment is the category
// (fs, vector, graph, agent, system).
type EventType string

// Known event types.
const (
	EventFSCreate       EventType = "fs.create"
	EventFSWrite        EventType = "fs.write"
	EventFSDelete       EventType = "fs.delete"
	EventFSRename       EventType = "fs.rename"
	EventFSRead         EventType = "fs.read"
	EventVectorInsert   EventType = "vector.insert"
	EventVectorUpdate   EventType = "vector.update"
	EventVectorDelete   EventType = "vector.delete"
	EventVectorSearch   EventType = "vector.search"
	EventGraphNodeAdd   EventType = "graph.node_create"
	EventGraphNodeDel   EventType = "graph.node_delete"
	EventGraphEdgeAdd   EventType = "graph.edge_create"
	EventGraphEdgeDel   EventType = "graph.edge_delete"
	EventAgentAction    EventType = "agent.action"
	EventAgentQuery     EventType = "agent.query"
	EventSystemMount    EventType = "system.mount"
	EventSystemShutdown EventType = "system.shutdown"
)

// Category returns the part of the type before the first dot.
func (t EventType) Category() string {
	if i := strings.IndexByte(string(t), '.'); i >= 0 {
		return string(t[:i])
	}
	return string(t)
}

// Priority orders events; higher values are more urgent.
type Priority uint8

// Priority levels.
const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
	PriorityMax      Priority = 255
)

// Boost raises the priority by delta, clamped to [0, PriorityMax].
func (p Priority) Boost(delta int) Priority {
	v := int(p) + delta
	switch {
	case v < 0:
		return PriorityLow
	case v > int(PriorityMax):
		return PriorityMax
	default:
		return Priority(v)
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "p" + strconv.Itoa(int(p))
	}
}

// EventFlags is a bitmask of event properties.
type EventFlags uint32

// Event flags.
const (
	FlagSynthetic EventFlags = 1 << iota
	FlagReplay
	FlagTransactional
	FlagCompressed
	FlagRequiresAck
)

// Has reports whether all bits in f are set.
func (fl EventFlags) Has(f EventFlags) bool { return fl&f == f }

// ContextKind names an optional sub-context of a SemanticEvent.
type ContextKind string

// Sub-context kinds.
const (
	ContextFilesystem    ContextKind = "filesystem"
	ContextGraph         ContextKind = "graph"
	ContextVector        ContextKind = "vector"
	ContextAgent         ContextKind = "agent"
	ContextSystem        ContextKind = "system"
	ContextSemantic      ContextKind = "semantic"
	ContextObservability ContextKind = "observability"
)

// AllContextKinds lists every sub-context kind in canonical order.
var AllContextKinds = []ContextKind{
	ContextFilesystem,
	ContextGraph,
	ContextVector,
	ContextAgent,
	ContextSystem,
	ContextSemantic,
	ContextObservability,
}

// FilesystemContext describes the file touched by an event.
type FilesystemContext struct {
	Path      string
	OldPath   string
	Inode     uint64
	Mode      uint32
	Size      int64
	Operation string
}

// GraphContext describes the graph element touched by an event.
type GraphContext struct {
	NodeID     uint64
	EdgeID     uint64
	NodeType   string
	Operation  string
	Properties map[string]string
}

// VectorContext describes the vector touched by an event.
type VectorContext struct {
	VectorID   uint64
	Collection string
	Dimensions int
	Similarity float64
}

// AgentContext identifies the agent behind an event.
type AgentContext struct {
	AgentID   string
	SessionID string
	Intent    string
}

// SystemContext carries process identity.
type SystemContext struct {
	PID      uint32
	UID      uint32
	GID      uint32
	Hostname string
}

// SemanticContext carries classification produced upstream.
type SemanticContext struct {
	Tags       map[string]string
	Intent     string
	Confidence float64
}

// ObservabilityContext carries trace correlation.
type ObservabilityContext struct {
	TraceID string
	SpanID  string
}

// SemanticEvent is the immutable unit moved through the mesh.
type SemanticEvent struct {
	ID             uint64
	Type           EventType
	Timestamp      time.Time
	GlobalSequence uint64
	LocalSequence  uint64
	Priority       Priority
	Flags          EventFlags
	Causality      []uint64

	Filesystem    *FilesystemContext
	Graph         *GraphContext
	Vector        *VectorContext
	Agent         *AgentContext
	System        *SystemContext
	Semantic      *SemanticContext
	Observability *ObservabilityContext

	Payload  []byte
	Metadata map[string]string
}

// HasContext reports whether the given sub-context is populated.
func (e *SemanticEvent) HasContext(kind ContextKind) bool {
	switch kind {
	case ContextFilesystem:
		return e.Filesystem != nil
	case ContextGraph:
		return e.Graph != nil
	case ContextVector:
		return e.Vector != nil
	case ContextAgent:
		return e.Agent != nil
	case ContextSystem:
		return e.System != nil
	case ContextSemantic:
		return e.Semantic != nil
	case ContextObservability:
		return e.Observability != nil
	default:
		return false
	}
}

// ContextKinds returns the populated sub-contexts in canonical order.
func (e *SemanticEvent) ContextKinds() []ContextKind {
	kinds := make([]ContextKind, 0, len(AllContextKinds))
	for _, k := range AllContextKinds {
		if e.HasContext(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// DropContext clears one sub-context. Only call it on a clone.
func (e *SemanticEvent) DropContext(kind ContextKind) {
	switch kind {
	case ContextFilesystem:
		e.Filesystem = nil
	case ContextGraph:
		e.Graph = nil
	case ContextVector:
		e.Vector = nil
	case ContextAgent:
		e.Agent = nil
	case ContextSystem:
		e.System = nil
	case ContextSemantic:
		e.Semantic = nil
	case ContextObservability:
		e.Observability = nil
	}
}

// IdentityKeys returns the identities two in-flight translations can collide on.
func (e *SemanticEvent) IdentityKeys() []string {
	var keys []string
	if e.Filesystem != nil && e.Filesystem.Path != "" {
		keys = append(keys, "path:"+e.Filesystem.Path)
	}
	if e.Graph != nil && e.Graph.NodeID != 0 {
		keys = append(keys, "graph:"+strconv.FormatUint(e.Graph.NodeID, 10))
	}
	if e.Vector != nil && e.Vector.VectorID != 0 {
		keys = append(keys, "vector:"+strconv.FormatUint(e.Vector.VectorID, 10))
	}
	return keys
}

// Clone returns a deep copy of the event.
func (e *SemanticEvent) Clone() *SemanticEvent {
	if e == nil {
		return nil
	}
	c := *e
	if e.Causality != nil {
		c.Causality = append([]uint64(nil), e.Causality...)
	}
	if e.Filesystem != nil {
		fs := *e.Filesystem
		c.Filesystem = &fs
	}
	if e.Graph != nil {
		g := *e.Graph
		g.Properties = copyStringMap(e.Graph.Properties)
		c.Graph = &g
	}
	if e.Vector != nil {
		v := *e.Vector
		c.Vector = &v
	}
	if e.Agent != nil {
		a := *e.Agent
		c.Agent = &a
	}
	if e.System != nil {
		s := *e.System
		c.System = &s
	}
	if e.Semantic != nil {
		s := *e.Semantic
		s.Tags = copyStringMap(e.Semantic.Tags)
		c.Semantic = &s
	}
	if e.Observability != nil {
		o := *e.Observability
		c.Observability = &o
	}
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	c.Metadata = copyStringMap(e.Metadata)
	return &c
}

// WithMetadata returns a clone carrying the merged metadata; later keys win.
func (e *SemanticEvent) WithMetadata(md map[string]string) *SemanticEvent {
	c := e.Clone()
	if len(md) == 0 {
		return c
	}
	if c.Metadata == nil {
		c.Metadata = make(map[string]string, len(md))
	}
	for k, v := range md {
		c.Metadata[k] = v
	}
	return c
}

// EventBoundary is a logical domain events originate from or are routed to.
// It is a routing tag, never an owner of data.
type EventBoundary string

// Boundaries.
const (
	BoundaryKernelModule       EventBoundary = "kernel_module"
	BoundaryFuseUserspace      EventBoundary = "fuse_userspace"
	BoundaryGraphLayer         EventBoundary = "graph_layer"
	BoundaryVectorLayer        EventBoundary = "vector_layer"
	BoundaryAgentLayer         EventBoundary = "agent_layer"
	BoundaryStorageLayer       EventBoundary = "storage_layer"
	BoundaryObservabilityLayer EventBoundary = "observability_layer"
)

// AllBoundaries lists every boundary.
var AllBoundaries = []EventBoundary{
	BoundaryKernelModule,
	BoundaryFuseUserspace,
	BoundaryGraphLayer,
	BoundaryVectorLayer,
	BoundaryAgentLayer,
	BoundaryStorageLayer,
	BoundaryObservabilityLayer,
}

// Valid reports whether b is a known boundary.
func (b EventBoundary) Valid() bool {
	for _, known := range AllBoundaries {
		if b == known {
			return true
		}
	}
	return false
}

// IsKernelUserspacePair reports whether moving from a to b crosses the
// kernel/userspace privilege boundary.
func IsKernelUserspacePair(a, b EventBoundary) bool {
	return (a == BoundaryKernelModule && b == BoundaryFuseUserspace) ||
		(a == BoundaryFuseUserspace && b == BoundaryKernelModule)
}

// PropagationID identifies one delivery of an event to one target.
type PropagationID string

// CrossBoundaryEvent is a SemanticEvent travelling through the mesh.
type CrossBoundaryEvent struct {
	Event         *SemanticEvent
	Source        EventBoundary
	Targets       []EventBoundary
	PropagationID PropagationID
	Fingerprint   uint64
	IngressAt     time.Time
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
