package fscache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	cerrors "github.com/javi11/metafs/internal/errors"
)

// SweeperState is the phase of the sweeper's eviction cycle.
type SweeperState int32

const (
	SweeperIdle SweeperState = iota
	SweeperScanning
	SweeperEvicting
)

func (s SweeperState) String() string {
	switch s {
	case SweeperIdle:
		return "idle"
	case SweeperScanning:
		return "scanning"
	case SweeperEvicting:
		return "evicting"
	default:
		return "unknown"
	}
}

// SweepResult describes one eviction cycle.
type SweepResult struct {
	ID         string        `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	SizeBefore int           `json:"size_before"`
	SizeAfter  int           `json:"size_after"`
	Target     int           `json:"target"`
	Evicted    []string      `json:"evicted"`
	Skipped    int           `json:"skipped"`
	Restarted  bool          `json:"restarted"`
}

// Sweeper evicts least recently used leaves once the cache grows past its high
// water mark. It runs on a timer and whenever an insert pushes the cache over.
type Sweeper struct {
	cache    *Cache
	interval time.Duration
	log      *slog.Logger

	state atomic.Int32
	wake  chan struct{}

	// cycleMu serializes eviction cycles.
	cycleMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newSweeper(c *Cache, interval time.Duration) *Sweeper {
	return &Sweeper{
		cache:    c,
		interval: interval,
		log:      c.log.With("component", "sweeper"),
		wake:     make(chan struct{}, 1),
	}
}

// State returns the current phase.
func (s *Sweeper) State() SweeperState {
	return SweeperState(s.state.Load())
}

// Wake schedules a cycle without blocking. Multiple wakes before the cycle
// starts collapse into one.
func (s *Sweeper) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// IsRunning reports whether the background loop is active.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper already running")
	}
	if s.interval <= 0 {
		s.log.InfoContext(ctx, "Sweeper disabled")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()

	s.log.InfoContext(ctx, "Sweeper started", "interval", s.interval)
	return nil
}

func (s *Sweeper) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("Sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}

		result, err := s.Sweep()
		if err != nil {
			s.log.ErrorContext(ctx, "Sweep cycle aborted", "error", err)
			continue
		}

		// A cycle evicts at most high minus low nodes; keep going while it
		// makes progress and the cache is still above the high water mark.
		s.cache.mu.RLock()
		high := s.cache.highWater
		s.cache.mu.RUnlock()
		if result.SizeAfter > high && len(result.Evicted) > 0 {
			s.Wake()
		}
	}
}

// Sweep runs one eviction cycle synchronously. Nothing is evicted unless the
// cache holds more than the high water mark; a cycle then evicts toward the
// low water mark, never more than high minus low nodes.
func (s *Sweeper) Sweep() (SweepResult, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	c := s.cache
	result := SweepResult{
		ID:        uuid.NewString(),
		StartedAt: c.clock.Now(),
		Evicted:   []string{},
	}
	defer func() {
		s.state.Store(int32(SweeperIdle))
		result.Duration = c.clock.Now().Sub(result.StartedAt)
	}()

	s.state.Store(int32(SweeperScanning))

	c.mu.Lock()
	size := c.paths.Len()
	high, low := c.highWater, c.lowWater
	result.SizeBefore, result.SizeAfter = size, size
	if size <= high {
		c.mu.Unlock()
		return result, nil
	}
	result.Target = min(size-low, high-low)

	candidates, restarted, err := c.evictionCandidatesLocked()
	result.Restarted = restarted
	c.mu.Unlock()

	c.sweeps.Add(1)
	if err != nil {
		return result, err
	}

	s.state.Store(int32(SweeperEvicting))

	for _, cand := range candidates {
		if len(result.Evicted) >= result.Target {
			break
		}

		c.mu.Lock()
		switch {
		case c.paths.Get(cand.node.path) != cand.node:
			// Removed since the scan.
		case !cand.node.accessTime.Equal(cand.accessTime):
			// Touched since the scan.
			result.Skipped++
		case cand.node.children.len() > 0:
			result.Skipped++
		default:
			c.evictLocked(cand.node)
			result.Evicted = append(result.Evicted, cand.node.path)
		}
		c.mu.Unlock()
	}

	c.mu.RLock()
	result.SizeAfter = c.paths.Len()
	c.mu.RUnlock()

	s.log.Debug("Sweep cycle finished",
		"cycle_id", result.ID,
		"size_before", result.SizeBefore,
		"size_after", result.SizeAfter,
		"evicted", len(result.Evicted),
		"skipped", result.Skipped)

	return result, nil
}

type evictionCandidate struct {
	node       *Node
	accessTime time.Time
}

// evictionCandidatesLocked orders every evictable node oldest first. When a
// child sorts before its parent the access times are corrected and the scan
// runs once more; a second inversion aborts the cycle.
func (c *Cache) evictionCandidatesLocked() ([]evictionCandidate, bool, error) {
	restarted := false
	for attempt := 0; attempt < 2; attempt++ {
		var nodes []*Node
		for _, n := range c.paths.Nodes() {
			if n == c.root || c.IsViewRoot(n) {
				continue
			}
			nodes = append(nodes, n)
		}
		slices.SortFunc(nodes, compareEviction)

		inverted := c.accessInversions(nodes)
		if len(inverted) == 0 {
			out := make([]evictionCandidate, len(nodes))
			for i, n := range nodes {
				out[i] = evictionCandidate{node: n, accessTime: n.accessTime}
			}
			return out, restarted, nil
		}

		if attempt == 0 {
			c.violations.Add(uint64(len(inverted)))
			c.repairs.Add(uint64(len(inverted)))
			c.log.Warn("Invariant violation: child sorts before its parent, correcting access times",
				"invariant", InvariantAccessOrder,
				"count", len(inverted),
				"first", inverted[0].path)
			for _, n := range inverted {
				c.propagateLocked(n, n.accessTime)
			}
			restarted = true
		}
	}

	c.violations.Add(1)
	c.log.Error("Invariant violation: access order still inverted after correction, aborting sweep",
		"invariant", InvariantAccessOrder)
	return nil, restarted, cerrors.InvariantViolation("sweep", "", "access order inverted after corrective pass")
}

// accessInversions returns the nodes whose parent sorts ahead of them.
func (c *Cache) accessInversions(sorted []*Node) []*Node {
	pos := make(map[string]int, len(sorted))
	for i, n := range sorted {
		pos[n.path] = i
	}

	var out []*Node
	for i, n := range sorted {
		if p, ok := pos[n.parentPath]; ok && p < i {
			out = append(out, n)
		}
	}
	return out
}

// compareEviction orders by access time ascending, then by path descending so
// that deeper paths go before their ancestors on ties.
func compareEviction(a, b *Node) int {
	if c := a.accessTime.Compare(b.accessTime); c != 0 {
		return c
	}
	return strings.Compare(b.path, a.path)
}

func (c *Cache) evictLocked(n *Node) {
	c.removeLocked(n)
	c.evicted.Add(1)
	if parent := c.getLocked(n.parentPath); parent != nil {
		parent.complete = false
	}
	if c.paranoid {
		c.verifyRemovedLocked("evict", []*Node{n})
	}
}

// Sweep runs one eviction cycle synchronously.
func (c *Cache) Sweep() (SweepResult, error) {
	return c.sweeper.Sweep()
}
