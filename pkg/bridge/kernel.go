package bridge

import (
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/polisai/vexmesh/pkg/domain"
)

// envelope is the side data that travels next to a kernel record but is not
// part of its fixed layout.
type envelope struct {
	metadata  map[string]string
	causality []uint64
	hostname  string
}

// codec compresses payloads above a threshold. A nil codec never compresses.
type codec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	closeOnce sync.Once
}

func newCodec(threshold int) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &codec{threshold: threshold, enc: enc, dec: dec}, nil
}

func (c *codec) encode(p []byte) ([]byte, bool) {
	if c == nil || len(p) < c.threshold {
		return p, false
	}
	return c.enc.EncodeAll(p, make([]byte, 0, len(p)/2)), true
}

func (c *codec) decode(p []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return p, nil
	}
	if c == nil {
		return nil, domain.NewError(domain.ErrTranslation, "decode payload", "compressed payload without codec")
	}
	out, err := c.dec.DecodeAll(p, nil)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTranslation, "decode payload", err)
	}
	return out, nil
}

func (c *codec) close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		_ = c.enc.Close()
		c.dec.Close()
	})
}

// toKernel flattens an event into its kernel record. Agent and semantic
// context have no slot in the record; graph and vector survive only as ids.
func toKernel(ev *domain.SemanticEvent) (*domain.KernelEvent, envelope) {
	k := &domain.KernelEvent{
		ID:             ev.ID,
		Type:           ev.Type,
		GlobalSequence: ev.GlobalSequence,
		LocalSequence:  ev.LocalSequence,
		Priority:       ev.Priority,
		Flags:          ev.Flags,
		Payload:        ev.Payload,
	}
	if !ev.Timestamp.IsZero() {
		k.TimestampNanos = ev.Timestamp.UnixNano()
	}
	env := envelope{
		metadata:  ev.Metadata,
		causality: ev.Causality,
	}

	if fs := ev.Filesystem; fs != nil {
		k.Path, k.OldPath = fs.Path, fs.OldPath
		k.Inode, k.Mode, k.Size = fs.Inode, fs.Mode, fs.Size
		k.Operation = fs.Operation
		k.MarkCarried(domain.ContextFilesystem)
	}
	if sys := ev.System; sys != nil {
		k.PID, k.UID, k.GID = sys.PID, sys.UID, sys.GID
		env.hostname = sys.Hostname
		k.MarkCarried(domain.ContextSystem)
	}
	if obs := ev.Observability; obs != nil {
		k.TraceID, k.SpanID = obs.TraceID, obs.SpanID
		k.MarkCarried(domain.ContextObservability)
	}
	if g := ev.Graph; g != nil && g.NodeID != 0 {
		k.GraphNodeID = g.NodeID
		k.MarkCarried(domain.ContextGraph)
	}
	if v := ev.Vector; v != nil && v.VectorID != 0 {
		k.VectorID = v.VectorID
		k.MarkCarried(domain.ContextVector)
	}
	return k, env
}

// fromKernel rebuilds the semantic view of a kernel record.
func fromKernel(k *domain.KernelEvent, env envelope, payload []byte) *domain.SemanticEvent {
	ev := &domain.SemanticEvent{
		ID:             k.ID,
		Type:           k.Type,
		GlobalSequence: k.GlobalSequence,
		LocalSequence:  k.LocalSequence,
		Priority:       k.Priority,
		Flags:          k.Flags,
		Payload:        payload,
	}
	if k.TimestampNanos != 0 {
		ev.Timestamp = time.Unix(0, k.TimestampNanos).UTC()
	}
	if env.causality != nil {
		ev.Causality = append([]uint64(nil), env.causality...)
	}
	if env.metadata != nil {
		ev.Metadata = make(map[string]string, len(env.metadata))
		for key, v := range env.metadata {
			ev.Metadata[key] = v
		}
	}

	if k.Carries(domain.ContextFilesystem) {
		ev.Filesystem = &domain.FilesystemContext{
			Path: k.Path, OldPath: k.OldPath,
			Inode: k.Inode, Mode: k.Mode, Size: k.Size,
			Operation: k.Operation,
		}
	}
	if k.Carries(domain.ContextSystem) {
		ev.System = &domain.SystemContext{PID: k.PID, UID: k.UID, GID: k.GID, Hostname: env.hostname}
	}
	if k.Carries(domain.ContextObservability) {
		ev.Observability = &domain.ObservabilityContext{TraceID: k.TraceID, SpanID: k.SpanID}
	}
	if k.Carries(domain.ContextGraph) {
		ev.Graph = &domain.GraphContext{NodeID: k.GraphNodeID}
	}
	if k.Carries(domain.ContextVector) {
		ev.Vector = &domain.VectorContext{VectorID: k.VectorID}
	}
	return ev
}

// preservation compares the sub-contexts present before and after a
// translation. The score is preserved/present, or 1 when nothing was present.
func preservation(before, after *domain.SemanticEvent) (score float64, preserved, lost []domain.ContextKind) {
	present := before.ContextKinds()
	if len(present) == 0 {
		return 1, nil, nil
	}
	for _, kind := range present {
		if after.HasContext(kind) {
			preserved = append(preserved, kind)
		} else {
			lost = append(lost, kind)
		}
	}
	return float64(len(preserved)) / float64(len(present)), preserved, lost
}
