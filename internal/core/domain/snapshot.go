package domain

import (
	"sort"
	"strings"
)

// Snapshot is the state of a subtree of the signaling channel. Entries are keyed by
// path relative to Path; the empty key holds the value of the node itself.
type Snapshot struct {
	Path    string
	Entries map[string][]byte
}

func (s Snapshot) Exists() bool {
	return len(s.Entries) > 0
}

// Value returns the value stored at the node itself.
func (s Snapshot) Value() ([]byte, bool) {
	v, ok := s.Entries[""]
	return v, ok
}

// Children returns the sorted distinct names of direct children that have any data.
func (s Snapshot) Children() []string {
	seen := make(map[string]struct{})
	for key := range s.Entries {
		if key == "" {
			continue
		}
		name, _, _ := strings.Cut(key, "/")
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Child narrows the snapshot to one direct child.
func (s Snapshot) Child(name string) Snapshot {
	child := Snapshot{Path: JoinPath(s.Path, name), Entries: make(map[string][]byte)}
	prefix := name + "/"
	for key, value := range s.Entries {
		switch {
		case key == name:
			child.Entries[""] = value
		case strings.HasPrefix(key, prefix):
			child.Entries[strings.TrimPrefix(key, prefix)] = value
		}
	}
	return child
}

// Subtree builds a snapshot of everything at or below path from a flat path->value view.
func Subtree(path string, flat map[string][]byte) Snapshot {
	snap := Snapshot{Path: path, Entries: make(map[string][]byte)}
	prefix := path + "/"
	for key, value := range flat {
		switch {
		case key == path:
			snap.Entries[""] = value
		case strings.HasPrefix(key, prefix):
			snap.Entries[strings.TrimPrefix(key, prefix)] = value
		}
	}
	return snap
}

// Covers reports whether a change at changed is visible to a subscription on path.
func Covers(path, changed string) bool {
	return changed == path ||
		strings.HasPrefix(changed, path+"/") ||
		strings.HasPrefix(path, changed+"/")
}

// Depth limits how far below its path a subscription looks. Changes deeper than
// the limit neither trigger a notification nor appear in the snapshot.
type Depth int

const (
	// DepthSubtree delivers the whole subtree.
	DepthSubtree Depth = iota
	// DepthValue delivers only the node's own value.
	DepthValue
	// DepthChildren delivers the node and its direct children.
	DepthChildren
)

func (d Depth) String() string {
	switch d {
	case DepthValue:
		return "value"
	case DepthChildren:
		return "children"
	}
	return "subtree"
}

func (d Depth) Valid() bool {
	return d >= DepthSubtree && d <= DepthChildren
}

// levels is the number of path segments below the node the depth includes, or
// -1 for no limit.
func (d Depth) levels() int {
	switch d {
	case DepthValue:
		return 0
	case DepthChildren:
		return 1
	}
	return -1
}

// includes reports whether a key relative to the subscribed node is within the depth.
func (d Depth) includes(rel string) bool {
	levels := d.levels()
	return levels < 0 || rel == "" || strings.Count(rel, "/") < levels
}

// Sees reports whether a change at changed is visible to a subscription on path.
// Changes at or above path are always visible since they may remove the node.
func (d Depth) Sees(path, changed string) bool {
	if changed == path || strings.HasPrefix(path, changed+"/") {
		return true
	}
	if !strings.HasPrefix(changed, path+"/") {
		return false
	}
	return d.includes(changed[len(path)+1:])
}

// Trim drops the entries a subscription of depth d does not see.
func (s Snapshot) Trim(d Depth) Snapshot {
	if d.levels() < 0 {
		return s
	}
	out := Snapshot{Path: s.Path, Entries: make(map[string][]byte)}
	for key, value := range s.Entries {
		if d.includes(key) {
			out.Entries[key] = value
		}
	}
	return out
}

// SubscribeOptions tune one subscription.
type SubscribeOptions struct {
	Depth Depth
}

type SubscribeOption func(*SubscribeOptions)

// WithDepth limits the subscription to d.
func WithDepth(d Depth) SubscribeOption {
	return func(o *SubscribeOptions) { o.Depth = d }
}

func NewSubscribeOptions(opts ...SubscribeOption) SubscribeOptions {
	var o SubscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
