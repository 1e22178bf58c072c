package fscache

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepEvictsOldestLeaves(t *testing.T) {
	c, clock := newTestCache(t, func(cfg *Config) {
		cfg.HighWaterMark = 3
		cfg.LowWaterMark = 1
	})
	mustAdd(t, c, NewDirectory("/views", epoch), NewDirectory("/views/a", epoch))

	for i := 1; i <= 4; i++ {
		clock.AdvanceTime(time.Second)
		mustAdd(t, c, NewFile(fmt.Sprintf("/views/a/f%d", i), []byte{byte(i)}, 1, epoch))
	}

	result, err := c.Sweep()
	require.NoError(t, err)

	assert.Equal(t, []string{"/views/a/f1", "/views/a/f2"}, result.Evicted)
	assert.Equal(t, 2, result.Target)
	assert.Equal(t, 7, result.SizeBefore)
	assert.Equal(t, 5, result.SizeAfter)
	assert.NotEmpty(t, result.ID)

	assert.True(t, c.Contains("/views/a"))
	assert.True(t, c.Contains("/views/a/f3"))
	assert.True(t, c.Contains("/views/a/f4"))
	assert.False(t, mustLookup(t, c, "/views/a").Complete())
	assert.Equal(t, uint64(2), c.Stats().Evicted)
	assertConsistent(t, c)
}

func TestSweepBelowHighWaterIsNoop(t *testing.T) {
	c, _ := newTestCache(t, func(cfg *Config) {
		cfg.HighWaterMark = 10
		cfg.LowWaterMark = 1
	})
	mustAdd(t, c, NewDirectory("/views", epoch), NewFile("/views/f", []byte{1}, 1, epoch))

	result, err := c.Sweep()
	require.NoError(t, err)
	assert.Empty(t, result.Evicted)
	assert.Equal(t, uint64(0), c.Stats().Sweeps)
}

func TestSweepTieBreakPrefersDeeperPath(t *testing.T) {
	c, _ := newTestCache(t, func(cfg *Config) {
		cfg.HighWaterMark = 4
		cfg.LowWaterMark = 3
	})
	mustAdd(t, c,
		NewDirectory("/views", epoch),
		NewDirectory("/views/foo", epoch),
		NewFile("/views/foo/bar", []byte{1}, 1, epoch),
		NewDirectory("/views/zed", epoch),
	)

	result, err := c.Sweep()
	require.NoError(t, err)
	// All access times are equal: /views/zed sorts after /views/foo/bar.
	assert.Equal(t, []string{"/views/zed"}, result.Evicted)
}

func TestSweepNeverStrandsDescendants(t *testing.T) {
	c, clock := newTestCache(t, func(cfg *Config) {
		cfg.HighWaterMark = 10
		cfg.LowWaterMark = 2
	})
	mustAdd(t, c, NewDirectory("/views", epoch))

	for i := range 4 {
		dir := fmt.Sprintf("/views/d%d", i)
		clock.AdvanceTime(time.Second)
		mustAdd(t, c, NewDirectory(dir, epoch))
		sub := dir + "/sub"
		mustAdd(t, c, NewDirectory(sub, epoch))
		for j := range 3 {
			clock.AdvanceTime(time.Second)
			mustAdd(t, c, NewFile(fmt.Sprintf("%s/f%d", sub, j), []byte{byte(i*10 + j)}, 1, epoch))
		}
	}

	for range 5 {
		result, err := c.Sweep()
		require.NoError(t, err)

		for _, evicted := range result.Evicted {
			c.mu.RLock()
			for _, n := range c.paths.Nodes() {
				assert.False(t, strings.HasPrefix(n.path, evicted+"/"), "%s retained after %s was evicted", n.path, evicted)
			}
			c.mu.RUnlock()
		}
		require.Empty(t, c.Verify())
	}
}

func TestSweepCorrectsAccessInversion(t *testing.T) {
	c, clock := newTestCache(t, func(cfg *Config) {
		cfg.HighWaterMark = 3
		cfg.LowWaterMark = 2
	})
	mustAdd(t, c, NewDirectory("/views", epoch), NewDirectory("/views/a", epoch))
	clock.AdvanceTime(time.Minute)
	mustAdd(t, c, NewFile("/views/a/f", []byte{1}, 1, epoch), NewFile("/views/a/g", []byte{2}, 1, epoch))

	// Make the directory older than its children.
	c.mu.Lock()
	c.paths.Get("/views/a").accessTime = epoch
	c.mu.Unlock()

	result, err := c.Sweep()
	require.NoError(t, err)
	assert.True(t, result.Restarted)
	assert.Len(t, result.Evicted, 1)
	assert.True(t, c.Contains("/views/a"))
	assertConsistent(t, c)
}

func TestSweepNeverEvictsViewRoots(t *testing.T) {
	c, _ := newTestCache(t, func(cfg *Config) {
		cfg.HighWaterMark = 2
		cfg.LowWaterMark = 1
	})
	mustAdd(t, c, NewDirectory("/a", epoch), NewDirectory("/b", epoch), NewDirectory("/c", epoch))

	result, err := c.Sweep()
	require.NoError(t, err)
	assert.Empty(t, result.Evicted)
	assert.Equal(t, 4, c.Size())
}

func TestSweeperDisabled(t *testing.T) {
	c, _ := newTestCache(t)
	require.NoError(t, c.Start(context.Background()))
	assert.False(t, c.Sweeper().IsRunning())
	assert.Equal(t, SweeperIdle, c.Sweeper().State())
}

func TestSweeperWakesOnAdd(t *testing.T) {
	c, _ := newTestCache(t, func(cfg *Config) {
		cfg.HighWaterMark = 4
		cfg.LowWaterMark = 2
		cfg.SweepInterval = time.Hour
	})
	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Sweeper().IsRunning())
	assert.Error(t, c.Start(context.Background()))

	mustAdd(t, c, NewDirectory("/views", epoch))
	for i := range 4 {
		mustAdd(t, c, NewFile(fmt.Sprintf("/views/f%d", i), []byte{byte(i)}, 1, epoch))
	}

	assert.Eventually(t, func() bool {
		return c.Stats().Evicted > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	assert.False(t, c.Sweeper().IsRunning())
}

func TestSweeperConvergesAfterBatchAdd(t *testing.T) {
	c, _ := newTestCache(t, func(cfg *Config) {
		cfg.HighWaterMark = 10
		cfg.LowWaterMark = 5
		cfg.SweepInterval = time.Hour
	})
	require.NoError(t, c.Start(context.Background()))

	nodes := []*Node{NewDirectory("/views", epoch)}
	for i := range 30 {
		nodes = append(nodes, NewFile(fmt.Sprintf("/views/f%02d", i), []byte{byte(i)}, 1, epoch))
	}
	inserted, err := c.AddAll(nodes)
	require.NoError(t, err)
	require.Equal(t, 31, inserted)

	// One cycle evicts at most five nodes; only repeated cycles bring the
	// cache back under the high water mark.
	assert.Eventually(t, func() bool {
		return c.Size() <= 10
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, c.Stats().Sweeps, uint64(5))

	require.NoError(t, c.Close())
	assertConsistent(t, c)
}

func TestSweeperStateString(t *testing.T) {
	assert.Equal(t, "idle", SweeperIdle.String())
	assert.Equal(t, "scanning", SweeperScanning.String())
	assert.Equal(t, "evicting", SweeperEvicting.String())
	assert.Equal(t, "unknown", SweeperState(42).String())
}
