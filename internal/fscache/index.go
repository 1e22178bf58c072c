package fscache

import (
	"encoding/hex"
	"slices"
	"strings"
)

// PathIndex maps a full path to its node. It is the authoritative existence
// check. Not safe for concurrent use; the Cache lock guards it.
type PathIndex struct {
	nodes map[string]*Node
}

// NewPathIndex creates an empty index.
func NewPathIndex() *PathIndex {
	return &PathIndex{nodes: make(map[string]*Node)}
}

// Get returns the node at p, or nil.
func (idx *PathIndex) Get(p string) *Node {
	return idx.nodes[p]
}

// Put stores n under p, replacing any previous entry.
func (idx *PathIndex) Put(p string, n *Node) {
	idx.nodes[p] = n
}

// Remove deletes the entry at p and returns it, or nil.
func (idx *PathIndex) Remove(p string) *Node {
	n, ok := idx.nodes[p]
	if !ok {
		return nil
	}
	delete(idx.nodes, p)
	return n
}

func (idx *PathIndex) Len() int {
	return len(idx.nodes)
}

// Nodes returns every node in unspecified order.
func (idx *PathIndex) Nodes() []*Node {
	out := make([]*Node, 0, len(idx.nodes))
	for _, n := range idx.nodes {
		out = append(out, n)
	}
	return out
}

// ContentIndex maps a content id to every node that carries it. A content id
// may be visible at many paths. Not safe for concurrent use.
type ContentIndex struct {
	// hex(content id) -> path -> node
	locations map[string]map[string]*Node
}

// NewContentIndex creates an empty index.
func NewContentIndex() *ContentIndex {
	return &ContentIndex{locations: make(map[string]map[string]*Node)}
}

// LocationsOf returns the nodes carrying contentID ordered by path. It returns
// an empty slice for unknown ids.
func (idx *ContentIndex) LocationsOf(contentID []byte) []*Node {
	return idx.locationsOfKey(hex.EncodeToString(contentID))
}

func (idx *ContentIndex) locationsOfKey(key string) []*Node {
	set := idx.locations[key]
	out := make([]*Node, 0, len(set))
	for _, n := range set {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b *Node) int { return strings.Compare(a.path, b.path) })
	return out
}

// Add registers n under its content id. Nodes without one are ignored.
func (idx *ContentIndex) Add(n *Node) {
	if n.contentKey == "" {
		return
	}
	set, ok := idx.locations[n.contentKey]
	if !ok {
		set = make(map[string]*Node)
		idx.locations[n.contentKey] = set
	}
	set[n.path] = n
}

// Remove unregisters n. An entry for the same path held by a different node is
// left untouched.
func (idx *ContentIndex) Remove(n *Node) {
	if n.contentKey == "" {
		return
	}
	set := idx.locations[n.contentKey]
	if set[n.path] != n {
		return
	}
	idx.removeEntry(n.contentKey, n.path)
}

// Has reports whether n is registered under its content id.
func (idx *ContentIndex) Has(n *Node) bool {
	if n.contentKey == "" {
		return false
	}
	return idx.locations[n.contentKey][n.path] == n
}

// Len returns the number of distinct content ids.
func (idx *ContentIndex) Len() int {
	return len(idx.locations)
}

func (idx *ContentIndex) removeEntry(key, p string) {
	set := idx.locations[key]
	delete(set, p)
	if len(set) == 0 {
		delete(idx.locations, key)
	}
}

type contentEntry struct {
	key  string
	path string
	node *Node
}

func (idx *ContentIndex) entries() []contentEntry {
	var out []contentEntry
	for key, set := range idx.locations {
		for p, n := range set {
			out = append(out, contentEntry{key: key, path: p, node: n})
		}
	}
	return out
}
