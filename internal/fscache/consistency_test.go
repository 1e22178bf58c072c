package fscache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTree(t *testing.T) *Cache {
	t.Helper()
	c, clock := newTestCache(t)
	mustAdd(t, c,
		NewDirectory("/views", epoch),
		NewDirectory("/views/a", epoch),
		NewDirectory("/views/b", epoch),
	)
	clock.AdvanceTime(time.Minute)
	mustAdd(t, c,
		NewFile("/views/a/x", []byte{0x01}, 1, epoch),
		NewFile("/views/b/x", []byte{0x01}, 1, epoch),
		NewFile("/views/b/y", []byte{0x02}, 1, epoch),
	)
	return c
}

func TestCheckAndRepairCleanCache(t *testing.T) {
	c := buildTree(t)

	report := c.CheckAndRepair()
	assert.True(t, report.OK())
	assert.Empty(t, report.Violations)
	assert.Equal(t, 7, report.NodesScanned)
	assert.NotEmpty(t, report.ID)
}

func TestCheckAndRepair(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(c *Cache)
		want    Invariant
		check   func(t *testing.T, c *Cache)
	}{
		{
			name: "root missing",
			corrupt: func(c *Cache) {
				c.paths.Remove("/")
			},
			want: InvariantRoot,
			check: func(t *testing.T, c *Cache) {
				assert.True(t, c.Contains("/"))
			},
		},
		{
			name: "orphaned subtree",
			corrupt: func(c *Cache) {
				a := c.paths.Remove("/views/a")
				c.paths.Get("/views").children.remove(a.path)
			},
			want: InvariantParentLink,
			check: func(t *testing.T, c *Cache) {
				a := mustLookup(t, c, "/views/a")
				assert.True(t, a.Synthetic())
				assert.Equal(t, 1, a.ChildCount())
			},
		},
		{
			name: "wrong parent path",
			corrupt: func(c *Cache) {
				c.paths.Get("/views/b/y").parentPath = "/views/a"
			},
			want: InvariantParentLink,
			check: func(t *testing.T, c *Cache) {
				assert.Equal(t, "/views/b", mustLookup(t, c, "/views/b/y").ParentPath())
			},
		},
		{
			name: "missing from parent children",
			corrupt: func(c *Cache) {
				c.paths.Get("/views/b").children.remove("/views/b/y")
			},
			want: InvariantChildLink,
			check: func(t *testing.T, c *Cache) {
				assert.Equal(t, 2, mustLookup(t, c, "/views/b").ChildCount())
			},
		},
		{
			name: "dangling child",
			corrupt: func(c *Cache) {
				ghost := NewFile("/views/a/ghost", []byte{0x03}, 1, epoch)
				c.paths.Get("/views/a").children.add(ghost)
			},
			want: InvariantChildLink,
			check: func(t *testing.T, c *Cache) {
				assert.Equal(t, 1, mustLookup(t, c, "/views/a").ChildCount())
			},
		},
		{
			name: "stale content entry",
			corrupt: func(c *Cache) {
				c.contents.Add(NewFile("/views/a/ghost", []byte{0x01}, 1, epoch))
			},
			want: InvariantContentIndex,
			check: func(t *testing.T, c *Cache) {
				assert.Len(t, c.LocationsOf([]byte{0x01}), 2)
			},
		},
		{
			name: "missing content entry",
			corrupt: func(c *Cache) {
				c.contents.Remove(c.paths.Get("/views/b/y"))
			},
			want: InvariantContentIndex,
			check: func(t *testing.T, c *Cache) {
				assert.Len(t, c.LocationsOf([]byte{0x02}), 1)
			},
		},
		{
			name: "parent older than child",
			corrupt: func(c *Cache) {
				c.paths.Get("/views/b").accessTime = epoch
				c.paths.Get("/views").accessTime = epoch
			},
			want: InvariantAccessOrder,
			check: func(t *testing.T, c *Cache) {
				b := mustLookup(t, c, "/views/b")
				assert.False(t, b.AccessTime().Before(epoch.Add(time.Minute)))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := buildTree(t)

			c.mu.Lock()
			tt.corrupt(c)
			c.mu.Unlock()

			require.NotEmpty(t, c.Verify())

			report := c.CheckAndRepair()
			assert.True(t, report.OK(), "unrepaired: %+v", report)
			require.NotEmpty(t, report.Violations)
			assert.Equal(t, len(report.Violations), report.Repaired)

			var kinds []Invariant
			for _, v := range report.Violations {
				kinds = append(kinds, v.Invariant)
			}
			assert.Contains(t, kinds, tt.want)

			assert.Empty(t, c.Verify())
			tt.check(t, c)
		})
	}
}

func TestParanoidAddRepairsChain(t *testing.T) {
	c, _ := newTestCache(t)
	mustAdd(t, c, NewDirectory("/views", epoch), NewDirectory("/views/a", epoch))

	c.mu.Lock()
	c.paths.Get("/views").children.remove("/views/a")
	c.mu.Unlock()

	mustAdd(t, c, NewFile("/views/a/f", []byte{1}, 1, epoch))
	assertConsistent(t, c)
	assert.NotZero(t, c.Stats().Violations)
}
