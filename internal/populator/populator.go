// Package populator materializes cache nodes from the metadata engine. It is
// the cache's Loader: listing a directory queries the engine for the records
// bound by the directory's path and adds one child per distinct value.
package populator

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"

	cerrors "github.com/javi11/metafs/internal/errors"
	"github.com/javi11/metafs/internal/fscache"
	"github.com/javi11/metafs/internal/metadata"
)

// Config holds the populator configuration.
type Config struct {
	Views []View
	// QueryTimeout bounds a single query attempt.
	QueryTimeout time.Duration
	// QueryRetries is the number of extra attempts after a failed query.
	QueryRetries uint
	// RetryDelay is the initial backoff between attempts.
	RetryDelay time.Duration
	// PageSize is the number of nodes applied to the cache per lock acquisition.
	PageSize int
	// WarmConcurrency bounds the number of views warmed in parallel.
	WarmConcurrency int
	// NegativeCacheSize and NegativeTTL bound the memory of absent paths.
	NegativeCacheSize int
	NegativeTTL       time.Duration
}

// DefaultConfig returns a default populator configuration.
func DefaultConfig() Config {
	return Config{
		QueryTimeout:      30 * time.Second,
		QueryRetries:      2,
		RetryDelay:        100 * time.Millisecond,
		PageSize:          500,
		WarmConcurrency:   4,
		NegativeCacheSize: 10000,
		NegativeTTL:       30 * time.Second,
	}
}

// Populator loads directory listings from a metadata Source into a Cache.
type Populator struct {
	cache    *fscache.Cache
	source   metadata.Source
	cfg      Config
	views    map[string]View
	negative *expirable.LRU[string, struct{}]
	log      *slog.Logger
}

var _ fscache.Loader = (*Populator)(nil)

// New creates a populator and installs it as the cache's loader.
func New(cache *fscache.Cache, source metadata.Source, cfg Config) (*Populator, error) {
	if err := ValidateViews(cfg.Views); err != nil {
		return nil, cerrors.New(cerrors.KindInvalidArgument, "populator", "", "invalid views", err)
	}

	defaults := DefaultConfig()
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaults.QueryTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaults.PageSize
	}
	if cfg.WarmConcurrency <= 0 {
		cfg.WarmConcurrency = defaults.WarmConcurrency
	}
	if cfg.NegativeCacheSize <= 0 {
		cfg.NegativeCacheSize = defaults.NegativeCacheSize
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}

	views := make(map[string]View, len(cfg.Views))
	for _, v := range cfg.Views {
		views[v.Name] = v
	}

	p := &Populator{
		cache:    cache,
		source:   source,
		cfg:      cfg,
		views:    views,
		negative: expirable.NewLRU[string, struct{}](cfg.NegativeCacheSize, nil, cfg.NegativeTTL),
		log:      slog.Default().With("component", "populator"),
	}
	cache.SetLoader(p)

	return p, nil
}

// Views returns the configured views in declaration order.
func (p *Populator) Views() []View {
	return append([]View(nil), p.cfg.Views...)
}

// level is the position of a directory inside a view.
type level struct {
	view View
	// bound holds the attribute values fixed by the path, one per segment
	// below the view root.
	bound []string
}

func (l level) depth() int { return len(l.bound) }

func (l level) filesNext() bool { return l.depth() == l.view.Depth()-1 }

// locate maps a cached directory to its view level.
func (p *Populator) locate(n *fscache.Node) (level, bool) {
	rootPath := p.cache.Root().Path()
	rel := strings.TrimPrefix(n.Path(), rootPath)
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return level{}, false
	}

	segs := strings.Split(rel, "/")
	v, ok := p.views[segs[0]]
	if !ok {
		return level{}, false
	}

	bound := make([]string, 0, len(segs)-1)
	for _, s := range segs[1:] {
		bound = append(bound, UnescapeSegment(s))
	}
	return level{view: v, bound: bound}, true
}

// RefreshChildren implements fscache.Loader.
func (p *Populator) RefreshChildren(ctx context.Context, n *fscache.Node) (int, error) {
	if n == p.cache.Root() {
		return p.refreshRoot()
	}

	lvl, ok := p.locate(n)
	if !ok {
		return 0, cerrors.InvalidArgument("refresh", n.Path(), "not inside a configured view")
	}
	if lvl.depth() >= lvl.view.Depth() {
		// Below the file level there is nothing to discover.
		p.cache.MarkComplete(n, p.cache.Clock().Now())
		return 0, nil
	}

	start := p.cache.Clock().Now()
	var discovered int
	err := retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
			defer cancel()

			found, err := p.loadLevel(attemptCtx, n, lvl)
			discovered = len(found)
			if err == nil {
				p.prune(ctx, n, found)
			}
			return err
		},
		retry.Attempts(p.cfg.QueryRetries+1),
		retry.Delay(p.cfg.RetryDelay),
		retry.MaxDelay(5*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// Cache-side rejections will not improve on retry.
			return cerrors.KindOf(err) == 0 && ctx.Err() == nil
		}),
		retry.OnRetry(func(attempt uint, err error) {
			p.log.WarnContext(ctx, "Metadata query failed, retrying",
				"path", n.Path(),
				"attempt", attempt+1,
				"error", err)
		}),
		retry.Context(ctx),
	)
	if err != nil {
		if cerrors.KindOf(err) != 0 {
			return discovered, err
		}
		return discovered, cerrors.QueryFailed("refresh", n.Path(), err)
	}

	p.cache.MarkComplete(n, start)
	p.forgetBelow(n.Path())

	p.log.DebugContext(ctx, "Directory refreshed",
		"path", n.Path(),
		"view", lvl.view.Name,
		"depth", lvl.depth(),
		"discovered", discovered)

	return discovered, nil
}

func (p *Populator) refreshRoot() (int, error) {
	root := p.cache.Root()
	now := p.cache.Clock().Now()

	nodes := make([]*fscache.Node, 0, len(p.cfg.Views))
	for _, v := range p.cfg.Views {
		nodes = append(nodes, fscache.NewDirectory(path.Join(root.Path(), v.Name), now))
	}

	if _, err := p.cache.AddAll(nodes); err != nil {
		return 0, err
	}
	p.cache.MarkComplete(root, now)
	p.forgetBelow(root.Path())

	return len(nodes), nil
}

// loadLevel queries the records bound by lvl, adds the children of n and
// returns the content key of every child the engine reported, by path.
// Directories map to an empty key.
// Directory levels are aggregated before being applied so that each
// directory carries the earliest create time of its records; file levels are
// applied page by page as the rows arrive.
func (p *Populator) loadLevel(ctx context.Context, n *fscache.Node, lvl level) (map[string]string, error) {
	names := lvl.view.Names()
	values := make([]*string, len(names))
	for i := range lvl.bound {
		values[i] = &lvl.bound[i]
	}

	it, err := p.source.Query(ctx, names, values)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", lvl.view.Name, err)
	}
	defer it.Close()

	attr := names[lvl.depth()]

	if lvl.filesNext() {
		return p.applyFiles(ctx, it, n, attr)
	}
	return p.applyDirectories(ctx, it, n, attr)
}

// replaceStale drops the cached child at child when it does not carry key, so
// that the discovered node can take its place. Content ids never change on a
// cached node.
func (p *Populator) replaceStale(ctx context.Context, cached map[string]*fscache.Node, child, key string) error {
	old, ok := cached[child]
	if !ok || old.ContentKey() == key {
		return nil
	}
	delete(cached, child)

	if err := p.cache.Remove(old, true); err != nil && !cerrors.IsNotFound(err) {
		return err
	}
	p.log.DebugContext(ctx, "Replaced entry with a different object",
		"path", child,
		"old_content_id", old.ContentKey(),
		"content_id", key)
	return nil
}

func cachedByPath(nodes []*fscache.Node) map[string]*fscache.Node {
	m := make(map[string]*fscache.Node, len(nodes))
	for _, n := range nodes {
		m[n.Path()] = n
	}
	return m
}

func (p *Populator) applyDirectories(ctx context.Context, it metadata.Iterator, n *fscache.Node, attr string) (map[string]string, error) {
	parent := n.Path()
	var order []string
	earliest := make(map[string]time.Time)

	for it.Next() {
		r := it.Record()
		v := r.Attributes[attr]
		if v == "" {
			continue
		}
		seg := EscapeSegment(v)
		if t, ok := earliest[seg]; !ok || r.CreateTime.Before(t) {
			if !ok {
				order = append(order, seg)
			}
			earliest[seg] = r.CreateTime
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cached := cachedByPath(p.cache.CachedChildren(n))
	found := make(map[string]string, len(order))
	page := make([]*fscache.Node, 0, min(p.cfg.PageSize, len(order)))
	for _, seg := range order {
		child := path.Join(parent, seg)
		if err := p.replaceStale(ctx, cached, child, ""); err != nil {
			return found, err
		}
		found[child] = ""
		page = append(page, fscache.NewDirectory(child, earliest[seg]))
		if len(page) == p.cfg.PageSize {
			if _, err := p.cache.AddAll(page); err != nil {
				return found, err
			}
			page = page[:0]
		}
	}
	if len(page) > 0 {
		if _, err := p.cache.AddAll(page); err != nil {
			return found, err
		}
	}

	return found, nil
}

func (p *Populator) applyFiles(ctx context.Context, it metadata.Iterator, n *fscache.Node, attr string) (map[string]string, error) {
	parent := n.Path()
	cached := cachedByPath(p.cache.CachedChildren(n))
	owners := make(map[string]string)
	page := make([]*fscache.Node, 0, p.cfg.PageSize)
	found := make(map[string]string)

	flush := func() error {
		if len(page) == 0 {
			return nil
		}
		_, err := p.cache.AddAll(page)
		page = page[:0]
		return err
	}

	for it.Next() {
		r := it.Record()
		v := r.Attributes[attr]
		if v == "" || len(r.ContentID) == 0 {
			continue
		}

		name := EscapeSegment(v)
		key := r.ContentKey()
		if owner, ok := owners[name]; ok && owner != key {
			// Another object already uses this name in the same directory.
			name = fmt.Sprintf("%s~%s", name, key[:min(len(key), 8)])
		}
		if _, ok := owners[name]; ok {
			continue
		}
		owners[name] = key

		child := path.Join(parent, name)
		if err := p.replaceStale(ctx, cached, child, key); err != nil {
			return found, err
		}
		found[child] = key
		page = append(page, fscache.NewFile(child, r.ContentID, r.Size, r.CreateTime))

		if len(page) == p.cfg.PageSize {
			if err := flush(); err != nil {
				return found, err
			}
			if err := ctx.Err(); err != nil {
				return found, err
			}
		}
	}

	if err := flush(); err != nil {
		return found, err
	}
	if err := it.Err(); err != nil {
		return found, fmt.Errorf("read rows: %w", err)
	}

	return found, nil
}

// prune removes cached children of n the engine no longer reports, or
// reports with another object.
func (p *Populator) prune(ctx context.Context, n *fscache.Node, found map[string]string) {
	for _, child := range p.cache.CachedChildren(n) {
		if key, ok := found[child.Path()]; ok && key == child.ContentKey() {
			continue
		}
		if err := p.cache.Remove(child, true); err != nil && !cerrors.IsNotFound(err) {
			p.log.WarnContext(ctx, "Unable to drop vanished entry", "path", child.Path(), "error", err)
			continue
		}
		p.log.DebugContext(ctx, "Dropped vanished entry", "path", child.Path())
	}
}

// forgetBelow drops negative entries for paths under dir, whose listing has
// just been reloaded.
func (p *Populator) forgetBelow(dir string) {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for _, k := range p.negative.Keys() {
		if strings.HasPrefix(k, prefix) {
			p.negative.Remove(k)
		}
	}
}
