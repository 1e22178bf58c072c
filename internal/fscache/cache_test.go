package fscache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/javi11/metafs/internal/errors"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T, mutate ...func(*Config)) (*Cache, *timeutil.SimulatedClock) {
	t.Helper()

	clock := &timeutil.SimulatedClock{}
	clock.SetTime(epoch)

	cfg := DefaultConfig()
	cfg.HighWaterMark = 1000
	cfg.LowWaterMark = 500
	cfg.SweepInterval = 0
	cfg.Clock = clock
	for _, m := range mutate {
		m(&cfg)
	}

	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

func mustAdd(t *testing.T, c *Cache, nodes ...*Node) {
	t.Helper()
	for _, n := range nodes {
		require.NoError(t, c.Add(n), "add %s", n.Path())
	}
}

func assertConsistent(t *testing.T, c *Cache) {
	t.Helper()
	assert.Empty(t, c.Verify())
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "relative root", mutate: func(c *Config) { c.RootPath = "views" }},
		{name: "zero high water", mutate: func(c *Config) { c.HighWaterMark = 0 }},
		{name: "low equals high", mutate: func(c *Config) { c.LowWaterMark = c.HighWaterMark }},
		{name: "negative low", mutate: func(c *Config) { c.LowWaterMark = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			assert.True(t, cerrors.IsInvalidArgument(err), "got %v", err)
		})
	}
}

func TestRootAlwaysPresent(t *testing.T) {
	c, _ := newTestCache(t)

	root, err := c.Lookup("/")
	require.NoError(t, err)
	assert.Equal(t, KindRoot, root.Kind())
	assert.Same(t, c.Root(), root)
	assert.Equal(t, 1, c.Size())

	err = c.Remove(root, true)
	assert.ErrorIs(t, err, cerrors.ErrInvalidArgument)
	assert.Equal(t, 1, c.Size())
}

func TestLookupTouchesAncestorChain(t *testing.T) {
	c, clock := newTestCache(t)

	mustAdd(t, c,
		NewDirectory("/views", epoch),
		NewDirectory("/views/a", epoch),
		NewFile("/views/a/f.txt", []byte("X"), 12, epoch),
	)

	clock.AdvanceTime(time.Hour)
	want := clock.Now()

	n, err := c.Lookup("/views/a/f.txt")
	require.NoError(t, err)
	assert.Equal(t, KindFile, n.Kind())
	assert.Equal(t, "f.txt", n.Name())
	assert.Equal(t, []byte("X"), n.ContentID())

	for _, p := range []string{"/views/a/f.txt", "/views/a", "/views", "/"} {
		node, err := c.Lookup(p)
		require.NoError(t, err)
		assert.Equal(t, want, node.AccessTime(), p)
	}
	assertConsistent(t, c)
}

func TestLookupMiss(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.Lookup("/views/missing")
	assert.True(t, cerrors.IsNotFound(err))
	assert.Equal(t, uint64(1), c.Stats().Misses)
}

func TestLookupRepairsMissingAncestor(t *testing.T) {
	c, _ := newTestCache(t)
	mustAdd(t, c,
		NewDirectory("/views", epoch),
		NewDirectory("/views/a", epoch),
		NewFile("/views/a/f.txt", []byte("X"), 1, epoch),
	)

	// Drop the intermediate directory behind the cache's back.
	c.mu.Lock()
	dir := c.paths.Remove("/views/a")
	c.paths.Get("/views").children.remove(dir.path)
	c.mu.Unlock()

	n, err := c.Lookup("/views/a/f.txt")
	require.NoError(t, err)
	assert.Equal(t, "/views/a/f.txt", n.Path())

	repaired, err := c.Lookup("/views/a")
	require.NoError(t, err)
	assert.True(t, repaired.Synthetic())
	assert.Equal(t, KindDirectory, repaired.Kind())
	assert.Equal(t, 1, repaired.ChildCount())
	assert.NotZero(t, c.Stats().Repairs)
	assertConsistent(t, c)
}

func TestAddIsIdempotent(t *testing.T) {
	c, clock := newTestCache(t)
	mustAdd(t, c, NewDirectory("/views", epoch))

	f := NewFile("/views/f", []byte{1}, 1, epoch)
	require.NoError(t, c.Add(f))
	before := f.AccessTime()
	size := c.Size()

	clock.AdvanceTime(time.Minute)
	require.NoError(t, c.Add(f))
	require.NoError(t, c.Add(NewFile("/views/f", []byte{2}, 2, epoch)))

	assert.Equal(t, size, c.Size())
	assert.Equal(t, before, f.AccessTime())
	assert.Len(t, c.LocationsOf([]byte{1}), 1)
	assert.Empty(t, c.LocationsOf([]byte{2}))

	inserted, err := c.AddAll([]*Node{f, NewFile("/views/g", []byte{3}, 1, epoch)})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
	assertConsistent(t, c)
}

func TestAddRejections(t *testing.T) {
	c, _ := newTestCache(t)
	mustAdd(t, c, NewDirectory("/views", epoch), NewFile("/views/f", []byte{1}, 1, epoch))

	other, _ := newTestCache(t)
	foreign := NewDirectory("/views/foreign", epoch)
	mustAdd(t, other, NewDirectory("/views", epoch), foreign)

	tests := []struct {
		name string
		node *Node
		kind cerrors.Kind
	}{
		{name: "nil", node: nil, kind: cerrors.KindInvalidArgument},
		{name: "empty path", node: NewDirectory("", epoch), kind: cerrors.KindInvalidArgument},
		{name: "root kind", node: NewNode("/views/r", KindRoot, nil, 0, epoch), kind: cerrors.KindInvalidArgument},
		{name: "missing parent", node: NewFile("/views/a/b", []byte{2}, 1, epoch), kind: cerrors.KindNotFound},
		{name: "file parent", node: NewFile("/views/f/x", []byte{3}, 1, epoch), kind: cerrors.KindInvalidArgument},
		{name: "foreign node", node: foreign, kind: cerrors.KindInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size := c.Size()
			err := c.Add(tt.node)
			require.Error(t, err)
			assert.Equal(t, tt.kind, cerrors.KindOf(err))
			assert.Equal(t, size, c.Size())
		})
	}
	assertConsistent(t, c)
}

func TestAddOutsideConfiguredRoot(t *testing.T) {
	c, _ := newTestCache(t, func(cfg *Config) { cfg.RootPath = "/mnt" })

	assert.True(t, cerrors.IsInvalidArgument(c.Add(NewDirectory("/other", epoch))))
	require.NoError(t, c.Add(NewDirectory("/mnt/views", epoch)))
	assert.True(t, c.IsViewRoot(mustLookup(t, c, "/mnt/views")))
}

func mustLookup(t *testing.T, c *Cache, p string) *Node {
	t.Helper()
	n, err := c.Lookup(p)
	require.NoError(t, err)
	return n
}

func TestIndexesAgree(t *testing.T) {
	c, _ := newTestCache(t)
	mustAdd(t, c,
		NewDirectory("/views", epoch),
		NewDirectory("/views/a", epoch),
		NewDirectory("/views/b", epoch),
		NewFile("/views/a/one", []byte{0xaa}, 1, epoch),
		NewFile("/views/b/one", []byte{0xaa}, 1, epoch),
		NewFile("/views/b/two", []byte{0xbb}, 1, epoch),
	)

	locs := c.LocationsOf([]byte{0xaa})
	require.Len(t, locs, 2)
	assert.Equal(t, "/views/a/one", locs[0].Path())
	assert.Equal(t, "/views/b/one", locs[1].Path())
	assert.Empty(t, c.LocationsOf([]byte{0xcc}))
	assert.Equal(t, 2, c.Stats().ContentIDs)

	require.NoError(t, c.RemovePath("/views/a/one", false))
	assert.Len(t, c.LocationsOf([]byte{0xaa}), 1)
	assertConsistent(t, c)
}

func TestRemoveDirectory(t *testing.T) {
	c, _ := newTestCache(t)
	mustAdd(t, c,
		NewDirectory("/views", epoch),
		NewDirectory("/views/a", epoch),
		NewFile("/views/a/f", []byte{1}, 1, epoch),
	)

	err := c.RemovePath("/views/a", false)
	assert.ErrorIs(t, err, cerrors.ErrInvalidArgument)
	assert.True(t, c.Contains("/views/a"))
	assert.True(t, c.Contains("/views/a/f"))

	require.NoError(t, c.RemovePath("/views/a", true))
	assert.False(t, c.Contains("/views/a"))
	assert.False(t, c.Contains("/views/a/f"))
	assert.Empty(t, c.LocationsOf([]byte{1}))
	assert.Equal(t, 0, mustLookup(t, c, "/views").ChildCount())

	assert.True(t, cerrors.IsNotFound(c.RemovePath("/views/a", true)))
	assertConsistent(t, c)
}

func TestRemoveDeepTreeIsIterative(t *testing.T) {
	c, _ := newTestCache(t, func(cfg *Config) {
		cfg.HighWaterMark = 100000
		cfg.LowWaterMark = 1
	})
	mustAdd(t, c, NewDirectory("/views", epoch))

	p := "/views"
	for i := 0; i < 300; i++ {
		p = fmt.Sprintf("%s/d%d", p, i)
		mustAdd(t, c, NewDirectory(p, epoch))
	}

	require.NoError(t, c.RemovePath("/views/d0", true))
	assert.Equal(t, 2, c.Size())
	assertConsistent(t, c)
}

func TestRemoveAbortsOnDanglingChild(t *testing.T) {
	c, _ := newTestCache(t)
	mustAdd(t, c,
		NewDirectory("/views", epoch),
		NewDirectory("/views/a", epoch),
		NewFile("/views/a/f", []byte{1}, 1, epoch),
		NewFile("/views/a/g", []byte{2}, 1, epoch),
	)

	c.mu.Lock()
	c.paths.Remove("/views/a/g")
	c.mu.Unlock()

	err := c.RemovePath("/views/a", true)
	assert.True(t, cerrors.IsInvariantViolation(err))
	assert.True(t, c.Contains("/views/a"))
	assert.True(t, c.Contains("/views/a/f"))
}

func TestRemoveByContentID(t *testing.T) {
	c, _ := newTestCache(t)
	mustAdd(t, c,
		NewDirectory("/views", epoch),
		NewDirectory("/views/a", epoch),
		NewDirectory("/views/b", epoch),
		NewFile("/views/a/x", []byte{0x01}, 1, epoch),
		NewFile("/views/b/x", []byte{0x01}, 1, epoch),
		NewFile("/views/b/y", []byte{0x02}, 1, epoch),
	)

	removed, err := c.RemoveByContentID([]byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Empty(t, c.LocationsOf([]byte{0x01}))
	assert.False(t, c.Contains("/views/a/x"))
	assert.False(t, c.Contains("/views/b/x"))
	assert.True(t, c.Contains("/views/b/y"))

	_, err = c.RemoveByContentID([]byte{0x01})
	assert.True(t, cerrors.IsNotFound(err))

	_, err = c.RemoveByContentID(nil)
	assert.True(t, cerrors.IsInvalidArgument(err))
	assertConsistent(t, c)
}

func TestRemoveByContentIDRejectsLocationWithChildren(t *testing.T) {
	c, _ := newTestCache(t)
	mustAdd(t, c,
		NewDirectory("/views", epoch),
		NewNode("/views/archive", KindArchiveDir, []byte{0x09}, 10, epoch),
		NewNode("/views/archive/member", KindArchiveFile, []byte{0x0a}, 1, epoch),
		NewDirectory("/views/other", epoch),
		NewFile("/views/other/archive", []byte{0x09}, 10, epoch),
	)

	_, err := c.RemoveByContentID([]byte{0x09})
	assert.True(t, cerrors.IsInvalidArgument(err))
	assert.Len(t, c.LocationsOf([]byte{0x09}), 2)
}

type countingLoader struct {
	cache   *Cache
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	err     error
	add     func(n *Node) []*Node
	ctxErr  error
}

func (l *countingLoader) RefreshChildren(ctx context.Context, n *Node) (int, error) {
	l.calls.Add(1)
	if l.entered != nil {
		l.entered <- struct{}{}
	}
	if l.release != nil {
		<-l.release
	}
	l.ctxErr = ctx.Err()
	if l.err != nil {
		return 0, l.err
	}

	var nodes []*Node
	if l.add != nil {
		nodes = l.add(n)
	}
	count, err := l.cache.AddAll(nodes)
	if err != nil {
		return count, err
	}
	l.cache.MarkComplete(n, l.cache.Clock().Now())
	return count, nil
}

func TestListChildrenRefreshesIncompleteDirectory(t *testing.T) {
	c, _ := newTestCache(t)
	view := NewDirectory("/views", epoch)
	mustAdd(t, c, view)

	loader := &countingLoader{cache: c, add: func(n *Node) []*Node {
		return []*Node{
			NewFile(n.Path()+"/b", []byte{2}, 1, epoch),
			NewFile(n.Path()+"/a", []byte{1}, 1, epoch),
		}
	}}
	c.SetLoader(loader)

	children, err := c.ListChildren(context.Background(), view)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "/views/b", children[0].Path())
	assert.Equal(t, "/views/a", children[1].Path())
	assert.True(t, view.Complete())

	_, err = c.ListChildren(context.Background(), view)
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.calls.Load())
}

func TestListChildrenStaleRefresh(t *testing.T) {
	c, clock := newTestCache(t, func(cfg *Config) { cfg.CoherencyWindow = time.Minute })
	view := NewDirectory("/views", epoch)
	mustAdd(t, c, view)

	loader := &countingLoader{cache: c}
	c.SetLoader(loader)

	_, err := c.ListChildren(context.Background(), view)
	require.NoError(t, err)
	assert.False(t, c.IsStale(view))

	clock.AdvanceTime(2 * time.Minute)
	assert.True(t, c.IsStale(view))

	_, err = c.ListChildren(context.Background(), view)
	require.NoError(t, err)
	assert.Equal(t, int32(2), loader.calls.Load())
}

func TestListChildrenRefreshFailure(t *testing.T) {
	c, _ := newTestCache(t)
	view := NewDirectory("/views", epoch)
	mustAdd(t, c, view)

	loader := &countingLoader{cache: c, err: errors.New("engine down")}
	c.SetLoader(loader)

	_, err := c.ListChildren(context.Background(), view)
	assert.True(t, cerrors.IsQueryFailed(err), "got %v", err)

	mustAdd(t, c, NewFile("/views/cached", []byte{1}, 1, epoch))
	children, err := c.ListChildren(context.Background(), view)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "/views/cached", children[0].Path())
	assert.Equal(t, uint64(2), c.Stats().RefreshFailures)
}

func TestListChildrenRejectsFiles(t *testing.T) {
	c, _ := newTestCache(t)
	f := NewFile("/f", []byte{1}, 1, epoch)
	mustAdd(t, c, f)

	_, err := c.ListChildren(context.Background(), f)
	assert.True(t, cerrors.IsInvalidArgument(err))

	_, err = c.ListChildren(context.Background(), NewDirectory("/nope", epoch))
	assert.True(t, cerrors.IsNotFound(err))
}

func TestConcurrentListChildrenSingleRefresh(t *testing.T) {
	c, _ := newTestCache(t)
	view := NewDirectory("/views", epoch)
	mustAdd(t, c, view)

	loader := &countingLoader{
		cache:   c,
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
		add: func(n *Node) []*Node {
			return []*Node{NewFile(n.Path()+"/f", []byte{1}, 1, epoch)}
		},
	}
	c.SetLoader(loader)

	var wg sync.WaitGroup
	results := make([][]*Node, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.ListChildren(context.Background(), view)
		}()
	}

	<-loader.entered
	// Give the second caller time to join the in-flight refresh.
	time.Sleep(50 * time.Millisecond)
	close(loader.release)
	wg.Wait()

	assert.Equal(t, int32(1), loader.calls.Load())
	for i := range 2 {
		require.NoError(t, errs[i])
		assert.Len(t, results[i], 1)
	}
}

func TestListChildrenCancelledCallerDoesNotFailSharedRefresh(t *testing.T) {
	c, _ := newTestCache(t)
	view := NewDirectory("/views", epoch)
	mustAdd(t, c, view)

	loader := &countingLoader{
		cache:   c,
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
		add: func(n *Node) []*Node {
			return []*Node{NewFile(n.Path()+"/f", []byte{1}, 1, epoch)}
		},
	}
	c.SetLoader(loader)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.ListChildren(ctx, view)
		firstErr <- err
	}()
	<-loader.entered

	type result struct {
		children []*Node
		err      error
	}
	second := make(chan result, 1)
	go func() {
		children, err := c.ListChildren(context.Background(), view)
		second <- result{children, err}
	}()
	// Give the second caller time to join the in-flight refresh.
	time.Sleep(50 * time.Millisecond)

	cancel()
	err := <-firstErr
	assert.True(t, cerrors.IsQueryFailed(err), "got %v", err)
	assert.ErrorIs(t, err, context.Canceled)

	close(loader.release)
	res := <-second
	require.NoError(t, res.err)
	assert.Len(t, res.children, 1)
	assert.Equal(t, int32(1), loader.calls.Load())
	assert.NoError(t, loader.ctxErr)
	assert.True(t, view.Complete())
}

func TestAccessOrderHoldsUnderRandomOperations(t *testing.T) {
	c, clock := newTestCache(t, func(cfg *Config) {
		cfg.HighWaterMark = 12
		cfg.LowWaterMark = 6
	})
	mustAdd(t, c, NewDirectory("/views", epoch))

	dirs := []string{"/views"}
	for i := 0; i < 200; i++ {
		clock.AdvanceTime(time.Second)
		switch i % 4 {
		case 0:
			parent := dirs[i%len(dirs)]
			if !c.Contains(parent) {
				continue
			}
			p := fmt.Sprintf("%s/d%d", parent, i)
			if c.Add(NewDirectory(p, clock.Now())) == nil {
				dirs = append(dirs, p)
			}
		case 1:
			parent := dirs[(i*7)%len(dirs)]
			_ = c.Add(NewFile(fmt.Sprintf("%s/f%d", parent, i), []byte{byte(i)}, 1, clock.Now()))
		case 2:
			_, _ = c.Lookup(dirs[(i*3)%len(dirs)])
		case 3:
			_, err := c.Sweep()
			require.NoError(t, err)
		}
		require.Empty(t, c.Verify(), "step %d", i)
	}
}

func TestHotReconfiguration(t *testing.T) {
	c, _ := newTestCache(t)

	require.NoError(t, c.SetWaterMarks(10, 2))
	assert.Equal(t, 10, c.Stats().HighWaterMark)
	assert.True(t, cerrors.IsInvalidArgument(c.SetWaterMarks(2, 10)))
	assert.Equal(t, 10, c.Stats().HighWaterMark)

	c.SetCoherencyWindow(0)
	view := NewDirectory("/views", epoch)
	mustAdd(t, c, view)
	c.MarkComplete(view, epoch)
	assert.False(t, c.IsStale(view))

	c.Invalidate(view)
	assert.False(t, view.Complete())

	c.SetParanoid(false)
	mustAdd(t, c, NewFile("/views/f", []byte{1}, 1, epoch))
	assertConsistent(t, c)
}
