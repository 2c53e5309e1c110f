// Package stats implements the Pipeline Context's informally-specified
// "tree of counters": a schemaless nested accumulator that every subsystem
// writes into and the host reads out of without the engine committing to a
// fixed schema up front. Snapshot/DecodeInto follow the same
// decode-into-typed-struct pattern common across rtpengine-style control
// protocols (mapstructure.Decode over a map[string]any).
package stats

import (
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Tree is a nested counter accumulator. Incr, Set, Get and Snapshot each
// hold a mutex for the duration of the call, so individual calls do not
// interleave; the engine itself is single-threaded and cooperative. The
// nested maps below the top level are shared with Snapshot's result.
type Tree struct {
	mu   sync.Mutex
	root map[string]any
}

// New returns an empty counters tree.
func New() *Tree {
	return &Tree{root: map[string]any{}}
}

// section returns (creating if absent) the nested map at path, e.g.
// section("candidatePair", id).
func (t *Tree) section(path ...string) map[string]any {
	cur := t.root
	for _, p := range path {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	return cur
}

// Incr adds delta to the integer counter named key under path.
func (t *Tree) Incr(key string, delta int64, path ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sec := t.section(path...)
	cur, _ := sec[key].(int64)
	sec[key] = cur + delta
}

// Set assigns value to the counter named key under path, overwriting any
// previous value (used for gauges like RTT or cwnd rather than running
// totals).
func (t *Tree) Set(key string, value any, path ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sec := t.section(path...)
	sec[key] = value
}

// Get returns the raw value stored at key under path.
func (t *Tree) Get(key string, path ...string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sec := t.section(path...)
	v, ok := sec[key]
	return v, ok
}

// Snapshot returns a deep-enough copy of the tree's top level suitable for
// one DecodeInto call; callers should not mutate the returned map.
func (t *Tree) Snapshot() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]any, len(t.root))
	for k, v := range t.root {
		out[k] = v
	}
	return out
}

// DecodeInto decodes the current snapshot into a typed struct using
// mapstructure to decode a schemaless dict into a concrete response type.
func (t *Tree) DecodeInto(v any) error {
	cfg := &mapstructure.DecoderConfig{
		Result:           v,
		WeaklyTypedInput: true,
		TagName:          "stats",
	}
	dec, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return err
	}
	return dec.Decode(t.Snapshot())
}

// Common section names used across subsystems, kept here so every
// subsystem references the same string rather than inventing its own.
const (
	SectionICE         = "ice"
	SectionCandidate   = "candidatePair"
	SectionHandshake   = "handshake"
	SectionReliable    = "reliable"
	SectionMedia       = "media"
	SectionInterceptor = "interceptor"
)
