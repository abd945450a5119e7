package compiler

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/polisai/vexmesh/pkg/domain"
)

// Fingerprint hashes every event field a non-volatile condition can read,
// plus the set version, so decision caches never serve a stale verdict.
func Fingerprint(ev *domain.CrossBoundaryEvent, version uint64) uint64 {
	h := xxhash.New()
	var num [8]byte
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(num[:], v)
		_, _ = h.Write(num[:])
	}
	writeStr := func(s string) {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}

	e := ev.Event
	writeU64(version)
	writeStr(string(ev.Source))
	writeU64(uint64(len(ev.Targets)))
	for _, t := range ev.Targets {
		writeStr(string(t))
	}
	writeStr(string(e.Type))
	writeU64(uint64(e.Priority))
	writeU64(uint64(e.Flags))

	if fs := e.Filesystem; fs != nil {
		writeStr("fs")
		writeStr(fs.Path)
		writeStr(fs.OldPath)
	}
	if g := e.Graph; g != nil {
		writeStr("graph")
		writeU64(g.NodeID)
		writeStr(g.NodeType)
		writeStr(g.Operation)
	}
	if v := e.Vector; v != nil {
		writeStr("vector")
		writeStr(v.Collection)
		writeU64(uint64(v.Dimensions))
		writeU64(math.Float64bits(v.Similarity))
	}
	if s := e.Semantic; s != nil {
		writeStr("semantic")
		writeU64(math.Float64bits(s.Confidence))
		for _, k := range sortedKeys(s.Tags) {
			writeStr(k)
			writeStr(s.Tags[k])
		}
	}
	writeU64(uint64(len(e.Payload)))
	_, _ = h.Write(e.Payload)
	for _, k := range sortedKeys(e.Metadata) {
		writeStr(k)
		writeStr(e.Metadata[k])
	}
	return h.Sum64()
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
