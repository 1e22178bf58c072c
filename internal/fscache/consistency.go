package fscache

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Invariant names a structural rule of the cache.
type Invariant string

const (
	// InvariantRoot: the root is always indexed and is the only root node.
	InvariantRoot Invariant = "root"
	// InvariantParentLink: every non-root node's parent is indexed at the
	// node's parent path.
	InvariantParentLink Invariant = "parent-link"
	// InvariantChildLink: a node is in its parent's children iff it is indexed.
	InvariantChildLink Invariant = "child-link"
	// InvariantAccessOrder: a parent is never older than any of its children.
	InvariantAccessOrder Invariant = "access-order"
	// InvariantContentIndex: the content index holds exactly the indexed nodes
	// carrying each content id.
	InvariantContentIndex Invariant = "content-index"
)

// Violation is a single broken invariant found by a scan.
type Violation struct {
	Invariant Invariant `json:"invariant"`
	Path      string    `json:"path"`
	Detail    string    `json:"detail"`
	Repaired  bool      `json:"repaired"`
}

// Report summarizes a CheckAndRepair run.
type Report struct {
	ID           string        `json:"id"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	NodesScanned int           `json:"nodes_scanned"`
	Violations   []Violation   `json:"violations"`
	Repaired     int           `json:"repaired"`
	Unrepaired   int           `json:"unrepaired"`
}

// OK reports whether the cache was consistent once the run finished.
func (r Report) OK() bool {
	return r.Unrepaired == 0
}

// CheckAndRepair scans every node, fixes what it can and re-verifies. Anything
// still broken after the repair pass is reported as unrepaired.
func (c *Cache) CheckAndRepair() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.clock.Now()
	report := Report{
		ID:           uuid.NewString(),
		StartedAt:    start,
		NodesScanned: c.paths.Len(),
	}

	report.Violations = c.scanLocked(true)
	for _, v := range report.Violations {
		if v.Repaired {
			report.Repaired++
		}
	}

	remaining := c.scanLocked(false)
	report.Unrepaired = len(remaining)
	for _, v := range remaining {
		c.log.Error("Invariant violation persists after repair",
			"invariant", v.Invariant,
			"path", v.Path,
			"detail", v.Detail)
	}

	c.violations.Add(uint64(len(report.Violations)))
	c.repairs.Add(uint64(report.Repaired))
	report.Duration = c.clock.Now().Sub(start)

	if len(report.Violations) > 0 {
		c.log.Warn("Consistency check found violations",
			"report_id", report.ID,
			"violations", len(report.Violations),
			"repaired", report.Repaired,
			"unrepaired", report.Unrepaired)
	} else {
		c.log.Debug("Consistency check clean", "report_id", report.ID, "nodes", report.NodesScanned)
	}

	return report
}

// Verify scans the cache without repairing anything.
func (c *Cache) Verify() []Violation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scanLocked(false)
}

// scanLocked checks every invariant over the whole cache. With repair set the
// write lock must be held and each violation is fixed as it is found.
func (c *Cache) scanLocked(repair bool) []Violation {
	var out []Violation
	report := func(inv Invariant, p, detail string) {
		out = append(out, Violation{Invariant: inv, Path: p, Detail: detail, Repaired: repair})
	}

	// Root.
	if c.paths.Get(c.root.path) != c.root {
		report(InvariantRoot, c.root.path, "root missing from path index")
		if repair {
			c.paths.Put(c.root.path, c.root)
		}
	}

	nodes := c.paths.Nodes()
	slices.SortFunc(nodes, func(a, b *Node) int {
		return cmp.Or(cmp.Compare(depthOf(a.path), depthOf(b.path)), strings.Compare(a.path, b.path))
	})

	// Parent and child links, shallowest first so that repaired parents are in
	// place before their children are visited.
	for _, n := range nodes {
		if n == c.root {
			continue
		}
		if n.kind == KindRoot {
			report(InvariantRoot, n.path, "second root node")
			if repair {
				c.removeLocked(n)
			}
			continue
		}

		pp := parentOf(n.path)
		parent := c.getLocked(pp)
		if parent == nil {
			report(InvariantParentLink, n.path, "parent "+pp+" missing")
			if !repair {
				continue
			}
			if _, err := c.backfillLocked(n); err != nil {
				out[len(out)-1].Repaired = false
				c.log.Error("Unable to backfill ancestors", "path", n.path, "error", err)
				continue
			}
			parent = c.getLocked(pp)
		}

		if n.parentPath != pp {
			report(InvariantParentLink, n.path, "parent path "+n.parentPath+" should be "+pp)
			if repair {
				n.parentPath = pp
			}
		}
		if parent.children.get(n.path) != n {
			report(InvariantChildLink, n.path, "missing from parent's children")
			if repair {
				parent.children.remove(n.path)
				parent.children.add(n)
			}
		}
		if n.owner.Load() != c {
			report(InvariantParentLink, n.path, "node owned by another cache")
			if repair {
				n.owner.Store(c)
			}
		}
	}

	// Dangling child entries.
	for _, n := range c.paths.Nodes() {
		for _, child := range n.children.nodes() {
			if c.paths.Get(child.path) == child && parentOf(child.path) == n.path {
				continue
			}
			report(InvariantChildLink, child.path, "dangling entry in children of "+n.path)
			if repair {
				n.children.remove(child.path)
			}
		}
	}

	// Content index, both directions.
	for _, e := range c.contents.entries() {
		if c.paths.Get(e.path) == e.node && e.node.contentKey == e.key {
			continue
		}
		report(InvariantContentIndex, e.path, "stale content index entry "+e.key)
		if repair {
			c.contents.removeEntry(e.key, e.path)
		}
	}
	for _, n := range nodes {
		if n.contentKey == "" || c.contents.Has(n) {
			continue
		}
		if c.paths.Get(n.path) != n {
			continue
		}
		report(InvariantContentIndex, n.path, "missing content index entry "+n.contentKey)
		if repair {
			c.contents.Add(n)
		}
	}

	// Access order, deepest first so that fixes propagate all the way up.
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if n == c.root || c.paths.Get(n.path) != n {
			continue
		}
		parent := c.getLocked(n.parentPath)
		if parent == nil || !parent.accessTime.Before(n.accessTime) {
			continue
		}
		report(InvariantAccessOrder, n.path, "parent "+parent.path+" older than child")
		if repair {
			parent.touch(n.accessTime)
		}
	}

	return out
}

// verifyNodeLocked is the paranoid check after an insert: the chain from n to
// the root and the content entry of n.
func (c *Cache) verifyNodeLocked(op string, n *Node) {
	var found int
	for cur := n; cur != c.root; {
		pp := cur.parentPath
		parent := c.getLocked(pp)
		if c.paths.Get(cur.path) != cur {
			c.warnViolation(op, InvariantChildLink, cur.path, "not indexed")
			c.paths.Put(cur.path, cur)
			found++
		}
		if parent == nil {
			c.warnViolation(op, InvariantParentLink, cur.path, "parent missing")
			if err := c.repairAncestryLocked(op, cur); err != nil {
				c.log.Error("Unable to repair ancestor chain", "path", cur.path, "error", err)
				return
			}
			if parent = c.getLocked(cur.parentPath); parent == nil {
				return
			}
			found++
		}
		if parent.children.get(cur.path) != cur {
			c.warnViolation(op, InvariantChildLink, cur.path, "missing from parent's children")
			parent.children.remove(cur.path)
			parent.children.add(cur)
			found++
		}
		if parent.accessTime.Before(cur.accessTime) {
			c.warnViolation(op, InvariantAccessOrder, cur.path, "parent older than child")
			parent.touch(cur.accessTime)
			found++
		}
		cur = parent
	}

	if n.contentKey != "" && !c.contents.Has(n) {
		c.warnViolation(op, InvariantContentIndex, n.path, "missing content index entry")
		c.contents.Add(n)
		found++
	}

	c.repairs.Add(uint64(found))
}

// verifyRemovedLocked is the paranoid check after a removal: none of the
// removed nodes may remain reachable from an index.
func (c *Cache) verifyRemovedLocked(op string, removed []*Node) {
	var found int
	for _, n := range removed {
		if c.paths.Get(n.path) == n {
			c.warnViolation(op, InvariantChildLink, n.path, "still indexed after removal")
			c.paths.Remove(n.path)
			found++
		}
		if c.contents.Has(n) {
			c.warnViolation(op, InvariantContentIndex, n.path, "content entry survived removal")
			c.contents.Remove(n)
			found++
		}
		if parent := c.getLocked(parentOf(n.path)); parent != nil && parent.children.get(n.path) == n {
			c.warnViolation(op, InvariantChildLink, n.path, "still linked from parent after removal")
			parent.children.remove(n.path)
			found++
		}
	}
	c.repairs.Add(uint64(found))
}

func (c *Cache) warnViolation(op string, inv Invariant, p, detail string) {
	c.violations.Add(1)
	c.log.Warn("Invariant violation repaired",
		"op", op,
		"invariant", inv,
		"path", p,
		"detail", detail)
}
