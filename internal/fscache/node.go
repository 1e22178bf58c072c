package fscache

import (
	"container/list"
	"encoding/hex"
	"path"
	"strings"
	"sync/atomic"
	"time"
)

// Kind identifies what a Node represents in the presented hierarchy.
type Kind int

const (
	KindRoot Kind = iota
	KindDirectory
	KindFile
	KindArchiveDir
	KindArchiveFile
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	case KindArchiveDir:
		return "archive-dir"
	case KindArchiveFile:
		return "archive-file"
	default:
		return "unknown"
	}
}

// IsContainer reports whether nodes of this kind may have children.
func (k Kind) IsContainer() bool {
	return k == KindRoot || k == KindDirectory || k == KindArchiveDir
}

// Node is a single filesystem entry held by a Cache.
//
// Path, kind, content id, size and create time never change after creation.
// Everything else is guarded by the owning cache's lock once the node has been
// added; the exported accessors take that lock.
type Node struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	path       string
	name       string
	kind       Kind
	contentID  []byte
	contentKey string
	size       int64
	createTime time.Time

	// The cache the node was added to. Set once, never cleared.
	owner atomic.Pointer[Cache]

	/////////////////////////
	// Mutable state
	/////////////////////////

	// INVARIANT: accessTime >= createTime
	// INVARIANT: modifyTime >= createTime
	accessTime time.Time // GUARDED_BY(owner.mu)
	modifyTime time.Time // GUARDED_BY(owner.mu)

	complete    bool      // GUARDED_BY(owner.mu)
	lastRefresh time.Time // GUARDED_BY(owner.mu)

	// Path of the parent, resolved through the path index on demand. Empty for
	// the root.
	parentPath string // GUARDED_BY(owner.mu)

	children childSet // GUARDED_BY(owner.mu)

	// Created to backfill a missing ancestor rather than discovered.
	synthetic bool // GUARDED_BY(owner.mu)
}

// NewNode creates a detached node. The path is cleaned; validation happens
// when the node is added to a cache.
func NewNode(p string, kind Kind, contentID []byte, size int64, created time.Time) *Node {
	if p != "" {
		p = path.Clean(p)
	}

	n := &Node{
		path:       p,
		name:       baseName(p),
		kind:       kind,
		size:       size,
		createTime: created,
		accessTime: created,
		modifyTime: created,
	}
	if len(contentID) > 0 {
		n.contentID = append([]byte(nil), contentID...)
		n.contentKey = hex.EncodeToString(contentID)
	}
	return n
}

// NewDirectory creates a detached directory node.
func NewDirectory(p string, created time.Time) *Node {
	return NewNode(p, KindDirectory, nil, 0, created)
}

// NewFile creates a detached file node referencing contentID.
func NewFile(p string, contentID []byte, size int64, created time.Time) *Node {
	return NewNode(p, KindFile, contentID, size, created)
}

func (n *Node) Path() string          { return n.path }
func (n *Node) Name() string          { return n.name }
func (n *Node) Kind() Kind            { return n.kind }
func (n *Node) Size() int64           { return n.size }
func (n *Node) CreateTime() time.Time { return n.createTime }
func (n *Node) IsDir() bool           { return n.kind.IsContainer() }

// ContentID returns a copy of the content id, or nil for directories.
func (n *Node) ContentID() []byte {
	if n.contentID == nil {
		return nil
	}
	return append([]byte(nil), n.contentID...)
}

// ContentKey returns the content id as lowercase hex.
func (n *Node) ContentKey() string { return n.contentKey }

func (n *Node) AccessTime() time.Time {
	defer n.rlock()()
	return n.accessTime
}

func (n *Node) ModifyTime() time.Time {
	defer n.rlock()()
	return n.modifyTime
}

// Complete reports whether every child has been materialized.
func (n *Node) Complete() bool {
	defer n.rlock()()
	return n.complete
}

func (n *Node) LastRefresh() time.Time {
	defer n.rlock()()
	return n.lastRefresh
}

func (n *Node) ParentPath() string {
	defer n.rlock()()
	return n.parentPath
}

func (n *Node) ChildCount() int {
	defer n.rlock()()
	return n.children.len()
}

// Synthetic reports whether the node was created to repair a missing ancestor.
func (n *Node) Synthetic() bool {
	defer n.rlock()()
	return n.synthetic
}

func (n *Node) rlock() func() {
	if c := n.owner.Load(); c != nil {
		c.mu.RLock()
		return c.mu.RUnlock
	}
	return func() {}
}

// touch raises the access time to t, never below the create time and never
// backwards. It returns the resulting access time.
func (n *Node) touch(t time.Time) time.Time {
	n.accessTime = latest(n.accessTime, n.createTime, t)
	return n.accessTime
}

func (n *Node) isStale(now time.Time, window time.Duration) bool {
	return window > 0 && now.Sub(n.lastRefresh) > window
}

func latest(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}

func baseName(p string) string {
	if p == "" || p == "/" {
		return p
	}
	return path.Base(p)
}

func parentOf(p string) string {
	return path.Dir(p)
}

func depthOf(p string) int {
	if p == "/" {
		return 0
	}
	return strings.Count(p, "/")
}

// childSet is an insertion-ordered set of child nodes keyed by path.
type childSet struct {
	order *list.List
	index map[string]*list.Element
}

func (s *childSet) init() {
	if s.order == nil {
		s.order = list.New()
		s.index = make(map[string]*list.Element)
	}
}

func (s *childSet) add(n *Node) bool {
	s.init()
	if _, ok := s.index[n.path]; ok {
		return false
	}
	s.index[n.path] = s.order.PushBack(n)
	return true
}

func (s *childSet) remove(p string) bool {
	if s.index == nil {
		return false
	}
	e, ok := s.index[p]
	if !ok {
		return false
	}
	s.order.Remove(e)
	delete(s.index, p)
	return true
}

func (s *childSet) get(p string) *Node {
	if s.index == nil {
		return nil
	}
	if e, ok := s.index[p]; ok {
		return e.Value.(*Node)
	}
	return nil
}

func (s *childSet) len() int {
	return len(s.index)
}

func (s *childSet) nodes() []*Node {
	if s.order == nil {
		return []*Node{}
	}
	out := make([]*Node, 0, s.order.Len())
	for e := s.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Node))
	}
	return out
}
