// Package fscache holds the in-memory filesystem metadata cache: a tree of
// nodes indexed by path and by content id, kept consistent under a single
// cache-wide lock, and trimmed by a background sweeper.
package fscache

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/timeutil"
	"golang.org/x/sync/singleflight"

	cerrors "github.com/javi11/metafs/internal/errors"
)

// Loader materializes the children of a directory node. Implementations add
// the discovered nodes through Cache.Add or Cache.AddAll, ancestors first, and
// finish with Cache.MarkComplete. They are called without the cache lock held.
type Loader interface {
	RefreshChildren(ctx context.Context, n *Node) (int, error)
}

// Config holds the cache configuration.
type Config struct {
	// RootPath is the path of the root node. Its direct children are view roots.
	RootPath string
	// HighWaterMark is the node count above which the sweeper evicts.
	HighWaterMark int
	// LowWaterMark is the node count an eviction cycle aims for.
	LowWaterMark int
	// CoherencyWindow is the maximum age of a directory listing. Zero or
	// negative means listings never go stale.
	CoherencyWindow time.Duration
	// SweepInterval is the period of the background sweeper. Zero or negative
	// disables it.
	SweepInterval time.Duration
	// ParanoidChecking re-verifies the touched part of the tree after every
	// mutation.
	ParanoidChecking bool
	// Clock defaults to the real clock.
	Clock timeutil.Clock
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a default cache configuration.
func DefaultConfig() Config {
	return Config{
		RootPath:         "/",
		HighWaterMark:    100000,
		LowWaterMark:     80000,
		CoherencyWindow:  5 * time.Minute,
		SweepInterval:    time.Minute,
		ParanoidChecking: true,
	}
}

// Cache is the filesystem metadata cache.
type Cache struct {
	// mu guards the indexes, the tree and the mutable state of every node.
	mu sync.RWMutex

	paths    *PathIndex    // GUARDED_BY(mu)
	contents *ContentIndex // GUARDED_BY(mu)
	root     *Node

	highWater       int           // GUARDED_BY(mu)
	lowWater        int           // GUARDED_BY(mu)
	coherencyWindow time.Duration // GUARDED_BY(mu)
	paranoid        bool          // GUARDED_BY(mu)
	loader          Loader        // GUARDED_BY(mu)

	refreshGroup singleflight.Group
	sweeper      *Sweeper
	clock        timeutil.Clock
	log          *slog.Logger

	hits            atomic.Uint64
	misses          atomic.Uint64
	refreshes       atomic.Uint64
	refreshFailures atomic.Uint64
	evicted         atomic.Uint64
	sweeps          atomic.Uint64
	repairs         atomic.Uint64
	violations      atomic.Uint64
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size            int    `json:"size"`
	ContentIDs      int    `json:"content_ids"`
	HighWaterMark   int    `json:"high_water_mark"`
	LowWaterMark    int    `json:"low_water_mark"`
	Hits            uint64 `json:"hits"`
	Misses          uint64 `json:"misses"`
	Refreshes       uint64 `json:"refreshes"`
	RefreshFailures uint64 `json:"refresh_failures"`
	Evicted         uint64 `json:"evicted"`
	Sweeps          uint64 `json:"sweeps"`
	Repairs         uint64 `json:"repairs"`
	Violations      uint64 `json:"violations"`
	SweeperState    string `json:"sweeper_state"`
}

// New creates a cache holding only the root node.
func New(cfg Config) (*Cache, error) {
	if cfg.RootPath == "" {
		cfg.RootPath = "/"
	}
	if !strings.HasPrefix(cfg.RootPath, "/") {
		return nil, cerrors.InvalidArgument("new", cfg.RootPath, "root path must be absolute")
	}
	if err := validateWaterMarks(cfg.HighWaterMark, cfg.LowWaterMark); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cache{
		paths:           NewPathIndex(),
		contents:        NewContentIndex(),
		highWater:       cfg.HighWaterMark,
		lowWater:        cfg.LowWaterMark,
		coherencyWindow: cfg.CoherencyWindow,
		paranoid:        cfg.ParanoidChecking,
		clock:           cfg.Clock,
		log:             cfg.Logger.With("component", "fscache"),
	}

	now := c.clock.Now()
	c.root = NewNode(path.Clean(cfg.RootPath), KindRoot, nil, 0, now)
	c.root.owner.Store(c)
	c.paths.Put(c.root.path, c.root)

	c.sweeper = newSweeper(c, cfg.SweepInterval)

	if !c.paranoid {
		c.log.Warn("Paranoid consistency checking disabled, tree invariants are only verified by explicit checks")
	}

	return c, nil
}

func validateWaterMarks(high, low int) error {
	if high <= 0 {
		return cerrors.InvalidArgument("configure", "", "high water mark must be positive")
	}
	if low < 0 || low >= high {
		return cerrors.InvalidArgument("configure", "", "low water mark must be in [0, high water mark)")
	}
	return nil
}

// Root returns the root node.
func (c *Cache) Root() *Node {
	return c.root
}

// Clock returns the clock the cache stamps access times with.
func (c *Cache) Clock() timeutil.Clock {
	return c.clock
}

// Size returns the number of cached nodes, root included.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paths.Len()
}

// Contains reports whether p is cached, without touching access times.
func (c *Cache) Contains(p string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paths.Get(cleanPath(p)) != nil
}

// IsViewRoot reports whether n is a direct child of the root.
func (c *Cache) IsViewRoot(n *Node) bool {
	return n != c.root && parentOf(n.path) == c.root.path
}

// SetLoader installs the component that refreshes directory listings.
func (c *Cache) SetLoader(l Loader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loader = l
}

// SetWaterMarks changes the eviction thresholds.
func (c *Cache) SetWaterMarks(high, low int) error {
	if err := validateWaterMarks(high, low); err != nil {
		return err
	}

	c.mu.Lock()
	c.highWater, c.lowWater = high, low
	over := c.paths.Len() > high
	c.mu.Unlock()

	if over {
		c.sweeper.Wake()
	}
	return nil
}

// SetCoherencyWindow changes the maximum age of directory listings.
func (c *Cache) SetCoherencyWindow(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coherencyWindow = d
}

// SetParanoid toggles the post-mutation consistency check.
func (c *Cache) SetParanoid(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !enabled && c.paranoid {
		c.log.Warn("Paranoid consistency checking disabled")
	}
	c.paranoid = enabled
}

// Start launches the background sweeper.
func (c *Cache) Start(ctx context.Context) error {
	return c.sweeper.start(ctx)
}

// Close stops the background sweeper and waits for it to exit.
func (c *Cache) Close() error {
	c.sweeper.stop()
	return nil
}

// Sweeper returns the cache's sweeper.
func (c *Cache) Sweeper() *Sweeper {
	return c.sweeper
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	size := c.paths.Len()
	ids := c.contents.Len()
	high, low := c.highWater, c.lowWater
	c.mu.RUnlock()

	return Stats{
		Size:            size,
		ContentIDs:      ids,
		HighWaterMark:   high,
		LowWaterMark:    low,
		Hits:            c.hits.Load(),
		Misses:          c.misses.Load(),
		Refreshes:       c.refreshes.Load(),
		RefreshFailures: c.refreshFailures.Load(),
		Evicted:         c.evicted.Load(),
		Sweeps:          c.sweeps.Load(),
		Repairs:         c.repairs.Load(),
		Violations:      c.violations.Load(),
		SweeperState:    c.sweeper.State().String(),
	}
}

// Lookup returns the node at p and refreshes the access time of the node and
// of every ancestor. A missing ancestor is rebuilt as a synthetic directory.
func (c *Cache) Lookup(p string) (*Node, error) {
	p = cleanPath(p)

	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.paths.Get(p)
	if n == nil {
		c.misses.Add(1)
		return nil, cerrors.NotFound("lookup", p)
	}
	c.hits.Add(1)

	if err := c.repairAncestryLocked("lookup", n); err != nil {
		c.log.Error("Unable to repair ancestor chain", "path", p, "error", err)
	}
	c.touchLocked(n, c.clock.Now())

	return n, nil
}

// Add inserts n below its already cached parent. Adding a path that is already
// cached is a no-op and succeeds without altering any timestamp.
func (c *Cache) Add(n *Node) error {
	c.mu.Lock()
	_, err := c.addLocked(n)
	over := c.paths.Len() > c.highWater
	c.mu.Unlock()

	if over {
		c.sweeper.Wake()
	}
	return err
}

// AddAll inserts nodes in order under a single lock acquisition and returns how
// many were newly inserted. It stops at the first rejected node; the nodes
// inserted before it stay cached.
func (c *Cache) AddAll(nodes []*Node) (int, error) {
	c.mu.Lock()
	inserted := 0
	var err error
	for _, n := range nodes {
		var ok bool
		ok, err = c.addLocked(n)
		if err != nil {
			break
		}
		if ok {
			inserted++
		}
	}
	over := c.paths.Len() > c.highWater
	c.mu.Unlock()

	if over {
		c.sweeper.Wake()
	}
	return inserted, err
}

func (c *Cache) addLocked(n *Node) (bool, error) {
	if n == nil {
		return false, cerrors.InvalidArgument("add", "", "nil node")
	}
	if n.path == "" {
		return false, cerrors.InvalidArgument("add", "", "empty path")
	}
	if n.kind == KindRoot {
		return false, cerrors.InvalidArgument("add", n.path, "root nodes cannot be added")
	}
	if !c.withinRoot(n.path) || n.path == c.root.path {
		return false, cerrors.InvalidArgument("add", n.path, "path outside of the cache root")
	}
	if owner := n.owner.Load(); owner != nil && owner != c {
		return false, cerrors.InvalidArgument("add", n.path, "node belongs to another cache")
	}

	if existing := c.paths.Get(n.path); existing != nil {
		c.log.Debug("Node already cached", "path", n.path)
		return false, nil
	}

	pp := parentOf(n.path)
	parent := c.paths.Get(pp)
	if parent == nil {
		c.log.Warn("Parent not cached, node rejected", "path", n.path, "parent", pp)
		return false, cerrors.New(cerrors.KindNotFound, "add", pp, "parent not cached", nil)
	}
	if !parent.kind.IsContainer() {
		return false, cerrors.InvalidArgument("add", n.path, "parent is not a directory")
	}

	n.owner.Store(c)
	n.parentPath = pp
	c.paths.Put(n.path, n)
	c.contents.Add(n)
	parent.children.add(n)
	c.touchLocked(n, c.clock.Now())

	if c.paranoid {
		c.verifyNodeLocked("add", n)
	}

	return true, nil
}

// ListChildren returns the children of n in insertion order, refreshing them
// first through the loader when the listing is incomplete or stale. When the
// refresh fails the cached children are returned if there are any.
func (c *Cache) ListChildren(ctx context.Context, n *Node) ([]*Node, error) {
	if n == nil {
		return nil, cerrors.InvalidArgument("list", "", "nil node")
	}

	c.mu.RLock()
	if c.paths.Get(n.path) != n {
		c.mu.RUnlock()
		return nil, cerrors.NotFound("list", n.path)
	}
	if !n.kind.IsContainer() {
		c.mu.RUnlock()
		return nil, cerrors.InvalidArgument("list", n.path, "not a directory")
	}
	need := c.needsRefreshLocked(n, c.clock.Now())
	loader := c.loader
	c.mu.RUnlock()

	var refreshErr error
	if need && loader != nil {
		refreshErr = c.refresh(ctx, n, loader)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paths.Get(n.path) != n {
		return nil, cerrors.NotFound("list", n.path)
	}

	children := n.children.nodes()
	if refreshErr != nil {
		if len(children) == 0 {
			return nil, refreshErr
		}
		c.log.Warn("Refresh failed, serving cached children",
			"path", n.path,
			"children", len(children),
			"error", refreshErr)
	}

	c.touchLocked(n, c.clock.Now())
	return children, nil
}

// CachedChildren returns the children of n currently cached, without
// refreshing and without touching access times.
func (c *Cache) CachedChildren(n *Node) []*Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.paths.Get(n.path) != n {
		return []*Node{}
	}
	return n.children.nodes()
}

// refresh runs the loader for n. Concurrent callers for the same path share a
// single loader call. The shared call is detached from the caller's
// cancellation; a caller whose ctx ends stops waiting without failing the
// others. The loader bounds each query with its own timeout.
func (c *Cache) refresh(ctx context.Context, n *Node, loader Loader) error {
	loadCtx := context.WithoutCancel(ctx)
	ch := c.refreshGroup.DoChan(n.path, func() (any, error) {
		// Double-check: another caller may have completed a refresh while we
		// were waiting to enter.
		c.mu.RLock()
		need := c.paths.Get(n.path) == n && c.needsRefreshLocked(n, c.clock.Now())
		c.mu.RUnlock()
		if !need {
			return 0, nil
		}

		c.refreshes.Add(1)
		count, err := loader.RefreshChildren(loadCtx, n)
		if err != nil {
			c.refreshFailures.Add(1)
			if cerrors.KindOf(err) == 0 {
				err = cerrors.QueryFailed("refresh", n.path, err)
			}
			return count, err
		}

		c.log.Debug("Refreshed children", "path", n.path, "discovered", count)
		return count, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.log.Debug("Shared in-flight refresh", "path", n.path)
		}
		return res.Err
	case <-ctx.Done():
		return cerrors.QueryFailed("refresh", n.path, ctx.Err())
	}
}

func (c *Cache) needsRefreshLocked(n *Node, now time.Time) bool {
	return !n.complete || n.isStale(now, c.coherencyWindow)
}

// IsStale reports whether the listing of n has outlived the coherency window.
func (c *Cache) IsStale(n *Node) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return n.isStale(c.clock.Now(), c.coherencyWindow)
}

// MarkComplete records that every child of n has been materialized as of at.
func (c *Cache) MarkComplete(n *Node, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paths.Get(n.path) != n {
		return
	}
	n.complete = true
	n.lastRefresh = at
	n.modifyTime = latest(n.modifyTime, at)
}

// Invalidate clears the complete flag of n so the next listing refreshes it.
func (c *Cache) Invalidate(n *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n.complete = false
}

// Remove deletes n from the cache. A node with children is only removed when
// recursive is set, in which case the whole subtree goes, deepest first. The
// operation is all-or-nothing.
func (c *Cache) Remove(n *Node, recursive bool) error {
	if n == nil {
		return cerrors.InvalidArgument("remove", "", "nil node")
	}
	return c.RemovePath(n.path, recursive)
}

// RemovePath is Remove addressed by path.
func (c *Cache) RemovePath(p string, recursive bool) error {
	p = cleanPath(p)

	c.mu.Lock()
	defer c.mu.Unlock()

	if p == c.root.path {
		return cerrors.InvalidArgument("remove", p, "root cannot be removed")
	}

	n := c.paths.Get(p)
	if n == nil {
		return cerrors.NotFound("remove", p)
	}
	if n.children.len() > 0 && !recursive {
		return cerrors.InvalidArgument("remove", p, "directory not empty")
	}

	victims, err := c.subtreeLocked(n)
	if err != nil {
		return err
	}
	for _, v := range victims {
		c.removeLocked(v)
	}

	if c.paranoid {
		c.verifyRemovedLocked("remove", victims)
	}

	c.log.Debug("Removed", "path", p, "nodes", len(victims))
	return nil
}

// subtreeLocked returns n and all of its descendants in post-order. It fails
// without side effects when a child link is inconsistent.
func (c *Cache) subtreeLocked(n *Node) ([]*Node, error) {
	var out []*Node
	stack := []*Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, cur)

		for _, child := range cur.children.nodes() {
			if c.paths.Get(child.path) != child || child.parentPath != cur.path {
				return nil, cerrors.InvariantViolation("remove", child.path, "dangling child link")
			}
			stack = append(stack, child)
		}
	}

	// Reversed pre-order with children pushed after their parent is a valid
	// post-order: every child precedes its parent.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (c *Cache) removeLocked(n *Node) {
	c.paths.Remove(n.path)
	c.contents.Remove(n)
	if parent := c.paths.Get(n.parentPath); parent != nil {
		parent.children.remove(n.path)
	}
}

// RemoveByContentID removes every node carrying contentID and returns how many
// were removed. It fails without removing anything when a location has
// children.
func (c *Cache) RemoveByContentID(contentID []byte) (int, error) {
	if len(contentID) == 0 {
		return 0, cerrors.InvalidArgument("remove-content", "", "empty content id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	locs := c.contents.LocationsOf(contentID)
	if len(locs) == 0 {
		return 0, cerrors.NotFound("remove-content", "")
	}
	for _, n := range locs {
		if n == c.root {
			return 0, cerrors.InvalidArgument("remove-content", n.path, "root cannot be removed")
		}
		if n.children.len() > 0 {
			return 0, cerrors.InvalidArgument("remove-content", n.path, "location has children")
		}
	}

	for _, n := range locs {
		c.removeLocked(n)
	}

	if c.paranoid {
		c.verifyRemovedLocked("remove-content", locs)
	}

	return len(locs), nil
}

// LocationsOf returns every cached node carrying contentID, ordered by path.
func (c *Cache) LocationsOf(contentID []byte) []*Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.contents.LocationsOf(contentID)
}

// touchLocked raises the access time of n to now and propagates it up the
// ancestor chain so that no parent is older than its child.
func (c *Cache) touchLocked(n *Node, now time.Time) {
	c.propagateLocked(n, n.touch(now))
}

// propagateLocked raises every ancestor of n to at least ts.
func (c *Cache) propagateLocked(n *Node, ts time.Time) {
	for cur := n; cur != c.root; {
		parent := c.paths.Get(cur.parentPath)
		if parent == nil {
			return
		}
		ts = parent.touch(ts)
		cur = parent
	}
}

// repairAncestryLocked rebuilds the chain between n and the root when a link
// is missing. It returns an error when the chain cannot be rebuilt.
func (c *Cache) repairAncestryLocked(op string, n *Node) error {
	for cur := n; cur != c.root; {
		pp := parentOf(cur.path)
		parent := c.getLocked(pp)
		if parent == nil {
			c.violations.Add(1)
			c.log.Warn("Invariant violation: missing ancestor, backfilling",
				"op", op,
				"invariant", InvariantParentLink,
				"path", cur.path,
				"parent", pp)

			created, err := c.backfillLocked(cur)
			if err != nil {
				return err
			}
			c.repairs.Add(uint64(len(created)))
			parent = c.getLocked(pp)
		}

		if cur.parentPath != pp {
			c.violations.Add(1)
			c.repairs.Add(1)
			cur.parentPath = pp
		}
		if parent.children.get(cur.path) != cur {
			c.violations.Add(1)
			c.repairs.Add(1)
			c.log.Warn("Invariant violation: node missing from parent's children, relinking",
				"op", op,
				"invariant", InvariantChildLink,
				"path", cur.path)
			parent.children.remove(cur.path)
			parent.children.add(cur)
		}

		cur = parent
	}
	return nil
}

// backfillLocked creates synthetic directories for every missing ancestor of n
// and returns them, shallowest first.
func (c *Cache) backfillLocked(n *Node) ([]*Node, error) {
	var missing []string
	pp := parentOf(n.path)
	var anchor *Node
	for {
		if !c.withinRoot(pp) {
			return nil, cerrors.InvariantViolation("backfill", n.path, "ancestor chain escapes the cache root")
		}
		if pp == c.root.path {
			anchor = c.root
			break
		}
		if anchor = c.paths.Get(pp); anchor != nil {
			break
		}
		missing = append(missing, pp)
		pp = parentOf(pp)
	}
	if !anchor.kind.IsContainer() {
		return nil, cerrors.InvariantViolation("backfill", n.path, "ancestor is not a directory")
	}

	created := make([]*Node, 0, len(missing))
	parent := anchor
	for i := len(missing) - 1; i >= 0; i-- {
		d := NewDirectory(missing[i], latest(n.createTime, n.accessTime))
		d.synthetic = true
		d.owner.Store(c)
		d.parentPath = parent.path
		c.paths.Put(d.path, d)
		parent.children.add(d)
		created = append(created, d)
		parent = d
	}

	if n.parentPath != parentOf(n.path) {
		n.parentPath = parentOf(n.path)
	}
	parent.children.add(n)
	c.propagateLocked(n, n.accessTime)

	return created, nil
}

// getLocked resolves p through the path index. The root always resolves.
func (c *Cache) getLocked(p string) *Node {
	if p == c.root.path {
		return c.root
	}
	return c.paths.Get(p)
}

func (c *Cache) withinRoot(p string) bool {
	root := c.root.path
	if root == "/" {
		return strings.HasPrefix(p, "/")
	}
	return p == root || strings.HasPrefix(p, root+"/")
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
