// Package inspect profiles the structure of a decoded JSON population:
// which keys appear, how often, at what nesting depth, with what value
// kinds, and a few sample values per key. It answers "what is in this
// file" before any schema is inferred.
//
// Keys are identified by name, not by path, so a key appearing at several
// depths merges into one profile listing all of them. Output is fully
// deterministic: mappings walk in sorted key order and every slice in the
// result is sorted.
package inspect

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"dwetl/internal/document"
)

const (
	sampleLimit    = 3
	maxSampleBytes = 60
)

// KeyProfile summarizes every sighting of one key name.
type KeyProfile struct {
	Key     string
	Count   int
	Types   []string
	Depths  []int
	Samples []string
}

// Profile is the structural summary of a document population. MaxDepth is
// the deepest level any key was observed at, counting top-level keys as
// depth one.
type Profile struct {
	Records  int
	MaxDepth int
	Keys     []KeyProfile
}

// Analyze walks every document and aggregates per-key statistics.
//
// Nesting follows the value structure: keys of a nested mapping sit one
// level below the key holding it, and list elements profile at the level
// of the list value itself. Marker objects ({"$date": ms}, {"$oid": s})
// classify as timestamp and identifier scalars; their internal keys do not
// appear in the profile.
func Analyze(docs []document.Document) Profile {
	st := &state{keys: make(map[string]*keyAgg)}
	for _, doc := range docs {
		st.walkMap(doc, 1)
	}

	names := make([]string, 0, len(st.keys))
	for name := range st.keys {
		names = append(names, name)
	}
	sort.Strings(names)

	out := Profile{Records: len(docs), MaxDepth: st.maxDepth}
	for _, name := range names {
		agg := st.keys[name]
		kp := KeyProfile{
			Key:     name,
			Count:   agg.count,
			Samples: agg.samples,
		}
		for kind := range agg.types {
			kp.Types = append(kp.Types, kind)
		}
		sort.Strings(kp.Types)
		for depth := range agg.depths {
			kp.Depths = append(kp.Depths, depth)
		}
		sort.Ints(kp.Depths)
		out.Keys = append(out.Keys, kp)
	}
	return out
}

type state struct {
	keys     map[string]*keyAgg
	maxDepth int
}

type keyAgg struct {
	count   int
	types   map[string]bool
	depths  map[int]bool
	samples []string
}

func (s *state) walkMap(m map[string]any, level int) {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if level > s.maxDepth {
			s.maxDepth = level
		}
		val := m[name]
		agg := s.agg(name)
		agg.count++
		agg.depths[level] = true

		kind, sample := classify(val)
		agg.types[kind] = true
		if len(agg.samples) < sampleLimit {
			agg.samples = append(agg.samples, sample)
		}

		switch v := val.(type) {
		case map[string]any:
			if !document.IsWrapper(v) {
				s.walkMap(v, level+1)
			}
		case []any:
			s.walkList(v, level+1)
		}
	}
}

func (s *state) walkList(list []any, level int) {
	for _, el := range list {
		switch v := el.(type) {
		case map[string]any:
			if !document.IsWrapper(v) {
				s.walkMap(v, level)
			}
		case []any:
			s.walkList(v, level)
		}
	}
}

func (s *state) agg(name string) *keyAgg {
	agg, ok := s.keys[name]
	if !ok {
		agg = &keyAgg{types: make(map[string]bool), depths: make(map[int]bool)}
		s.keys[name] = agg
	}
	return agg
}

// classify names the value kind and renders a bounded sample of it.
func classify(v any) (kind, sample string) {
	switch val := v.(type) {
	case nil:
		return "null", "null"
	case bool:
		return "bool", strconv.FormatBool(val)
	case string:
		return "string", truncate(strconv.Quote(val))
	case json.Number:
		if _, err := val.Int64(); err == nil {
			return "integer", val.String()
		}
		return "decimal", val.String()
	case float64:
		return "decimal", strconv.FormatFloat(val, 'g', -1, 64)
	case map[string]any:
		if ts, ok := document.WrapperTimestamp(val); ok {
			return "timestamp", ts.Format(time.RFC3339)
		}
		if id, ok := document.WrapperObjectID(val); ok {
			return "identifier", truncate(strconv.Quote(id))
		}
		return "object", truncate(compactJSON(val))
	case []any:
		return "array", truncate(compactJSON(val))
	default:
		return "unknown", truncate(fmt.Sprint(val))
	}
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// truncate caps a sample at maxSampleBytes without splitting a rune.
func truncate(s string) string {
	if len(s) <= maxSampleBytes {
		return s
	}
	cut := maxSampleBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// Format renders the profile as an aligned text block.
func (p Profile) Format() string {
	if p.Records == 0 {
		return "structure: no records"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "structure report:\trecords=%d\tmax_depth=%d\tunique_keys=%d\n",
		p.Records, p.MaxDepth, len(p.Keys))
	fmt.Fprintf(&b, "%-28s\t%-7s\t%-20s\t%-8s\tsamples\n", "key", "count", "types", "depths")
	for _, k := range p.Keys {
		fmt.Fprintf(&b, "%-28s\t%-7d\t%-20s\t%-8s\t%s\n",
			k.Key,
			k.Count,
			strings.Join(k.Types, ","),
			joinInts(k.Depths),
			strings.Join(k.Samples, ", "),
		)
	}
	return strings.TrimRight(b.String(), "\n")
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}
