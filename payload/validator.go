// Package payload tracks the JSON response shape of each handler module
// and flags drift: a field disappearing, a new field appearing, or a
// field's JSON type changing (e.g. a number becoming a string) between
// one invocation and the next. A handler is a compiled artifact the
// operator doesn't otherwise inspect, so an unannounced shape change in
// a redeploy would otherwise surface only as a downstream script
// silently misinterpreting a chained host.call response.
//
// Unlike comparing every response against a single frozen first-sample
// baseline, a Tracker spends its first few invocations building a
// *union* shape: a field that only appears on some calls (an optional
// "error" object, a field only present when a collection is non-empty)
// gets folded into the learned shape rather than causing every other
// call to look like drift. Only once that warmup settles does a Tracker
// start reporting Drift, and only for a genuine regression against the
// union it learned, not for a still-unseen optional field.
//
// # Thread safety
//
// Tracker is safe for concurrent use: a single mutex serializes Observe
// calls, since the shape tree it mutates during warmup cannot safely be
// read and grown from separate goroutines at once.
package payload

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Kind classifies a single detected shape drift.
type Kind string

const (
	// KindFieldRemoved: a field present in the learned shape is absent
	// from the current response.
	KindFieldRemoved Kind = "FIELD_REMOVED"

	// KindFieldAdded: a field not present in the learned shape appeared
	// after warmup had already settled.
	KindFieldAdded Kind = "FIELD_ADDED"

	// KindTypeChanged: a field exists in both but its JSON type differs.
	KindTypeChanged Kind = "TYPE_CHANGED"
)

// Drift describes one structural difference between a module's learned
// response shape and a later response.
type Drift struct {
	Kind Kind
	Path string // dot-separated field path, e.g. "user.address.zip"
	Was  string // JSON type in the learned shape; empty for KindFieldAdded
	Now  string // JSON type in the current response; empty for KindFieldRemoved
}

func (d Drift) String() string {
	switch d.Kind {
	case KindFieldRemoved:
		return fmt.Sprintf("response drift [%s] %q missing (was %s)", d.Kind, d.Path, d.Was)
	case KindFieldAdded:
		return fmt.Sprintf("response drift [%s] %q appeared (type %s)", d.Kind, d.Path, d.Now)
	case KindTypeChanged:
		return fmt.Sprintf("response drift [%s] %q type changed %s -> %s", d.Kind, d.Path, d.Was, d.Now)
	default:
		return fmt.Sprintf("response drift [%s] %q", d.Kind, d.Path)
	}
}

// FormatDrifts renders drifts as one line per entry, suitable for a
// single structured-log call. Returns "" for an empty slice.
func FormatDrifts(drifts []Drift) string {
	if len(drifts) == 0 {
		return ""
	}
	lines := make([]string, len(drifts))
	for i, d := range drifts {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}

// node is one position in a response's shape tree. A leaf has a
// non-empty typ and a nil children map; an object node has typ "object"
// and a populated children map. optional marks a field that was absent
// from at least one warmup sample.
type node struct {
	typ      string
	children map[string]*node
	optional bool
}

func shapeOf(v interface{}) *node {
	switch val := v.(type) {
	case map[string]interface{}:
		n := &node{typ: "object", children: make(map[string]*node, len(val))}
		for k, child := range val {
			n.children[k] = shapeOf(child)
		}
		return n
	case []interface{}:
		return &node{typ: "array"}
	case string:
		return &node{typ: "string"}
	case float64:
		return &node{typ: "number"}
	case bool:
		return &node{typ: "bool"}
	case nil:
		return &node{typ: "null"}
	default:
		return &node{typ: "unknown"}
	}
}

// mergeInto folds src into dst, adding any field dst doesn't already
// have at that path. It never removes a field dst already knows about,
// which is what lets a Tracker's warmup accumulate a union across
// several samples instead of only remembering the most recent one. A
// field missing from either side is marked optional.
func mergeInto(dst, src *node) {
	if dst.typ != "object" || src.typ != "object" {
		return
	}
	for k, existing := range dst.children {
		if _, ok := src.children[k]; !ok {
			existing.optional = true
		}
	}
	for k, child := range src.children {
		if existing, ok := dst.children[k]; ok {
			mergeInto(existing, child)
			continue
		}
		child.optional = true
		dst.children[k] = child
	}
}

// diffAgainst walks baseline and current in lockstep, appending a Drift
// for every non-optional field baseline expects that current lacks, for
// every field whose type disagrees, and for every field current has that
// baseline never learned.
func diffAgainst(baseline, current *node, path string, out *[]Drift) {
	if baseline.typ != "object" || current == nil {
		return
	}
	if current.typ != "object" {
		return
	}
	names := make([]string, 0, len(baseline.children)+len(current.children))
	seen := make(map[string]bool, len(baseline.children))
	for name := range baseline.children {
		names = append(names, name)
		seen[name] = true
	}
	for name := range current.children {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		fieldPath := name
		if path != "" {
			fieldPath = path + "." + name
		}
		want, hadWant := baseline.children[name]
		got, hadGot := current.children[name]
		switch {
		case hadWant && !hadGot:
			if !want.optional {
				*out = append(*out, Drift{Kind: KindFieldRemoved, Path: fieldPath, Was: want.typ})
			}
		case !hadWant && hadGot:
			*out = append(*out, Drift{Kind: KindFieldAdded, Path: fieldPath, Now: got.typ})
		case want.typ != got.typ:
			*out = append(*out, Drift{Kind: KindTypeChanged, Path: fieldPath, Was: want.typ, Now: got.typ})
		default:
			diffAgainst(want, got, fieldPath, out)
		}
	}
}

// Tracker learns the response shape of a single module and flags
// later drift against it.
type Tracker struct {
	mu     sync.Mutex
	shape  *node
	seen   int
	warmup int
}

// defaultWarmup is how many Observe calls build the union shape before
// Tracker starts reporting Drift.
const defaultWarmup = 3

// NewTracker returns a Tracker with no learned shape yet.
func NewTracker() *Tracker {
	return &Tracker{warmup: defaultWarmup}
}

// Ready reports whether warmup has completed and Observe is now
// comparing against a settled shape rather than still building it.
func (t *Tracker) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen >= t.warmup
}

// Observe parses data as a JSON object and folds it into the learned
// shape (during warmup) or diffs it against the learned shape (once
// warmup has completed), returning any drift found. A non-object body
// is reported as an error rather than a drift, since it can never be
// diffed field-by-field.
func (t *Tracker) Observe(data []byte) ([]Drift, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("payload: unmarshal response: %w", err)
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("payload: expected a JSON object response, got %T", raw)
	}
	current := shapeOf(obj)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shape == nil {
		t.shape = current
		t.seen = 1
		return nil, nil
	}
	if t.seen < t.warmup {
		mergeInto(t.shape, current)
		t.seen++
		return nil, nil
	}

	var drifts []Drift
	diffAgainst(t.shape, current, "", &drifts)
	return drifts, nil
}

// Fields returns a sorted, dot-path view of the learned shape for
// introspection and logging. Empty until at least one Observe call has
// run.
func (t *Tracker) Fields() []string {
	t.mu.Lock()
	shape := t.shape
	t.mu.Unlock()
	if shape == nil {
		return nil
	}
	var fields []string
	var walk func(n *node, prefix string)
	walk = func(n *node, prefix string) {
		for name, child := range n.children {
			path := name
			if prefix != "" {
				path = prefix + "." + name
			}
			fields = append(fields, path)
			if child.typ == "object" {
				walk(child, path)
			}
		}
	}
	walk(shape, "")
	sort.Strings(fields)
	return fields
}

// Reset discards the learned shape, restarting warmup from scratch.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.shape = nil
	t.seen = 0
	t.mu.Unlock()
}

// Registry holds one Tracker per module, created lazily, so the
// pipeline can track each handler's response shape independently.
type Registry struct {
	mu       sync.RWMutex
	trackers map[string]*Tracker
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{trackers: make(map[string]*Tracker)}
}

// Get returns the Tracker for module, creating it on first reference.
func (r *Registry) Get(module string) *Tracker {
	r.mu.RLock()
	t, ok := r.trackers[module]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.trackers[module]; ok {
		return t
	}
	t = NewTracker()
	r.trackers[module] = t
	return t
}

// Remove discards module's learned shape, e.g. on an explicit redeploy
// when a shape change is expected and shouldn't be flagged as drift.
func (r *Registry) Remove(module string) {
	r.mu.Lock()
	delete(r.trackers, module)
	r.mu.Unlock()
}
