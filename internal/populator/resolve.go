package populator

import (
	"context"
	"path"
	"strings"
	"sync/atomic"

	concpool "github.com/sourcegraph/conc/pool"

	cerrors "github.com/javi11/metafs/internal/errors"
	"github.com/javi11/metafs/internal/fscache"
)

// Resolve returns the node at p, loading every missing level from the
// metadata engine on the way down. Paths found absent are remembered for the
// negative TTL.
func (p *Populator) Resolve(ctx context.Context, name string) (*fscache.Node, error) {
	name = cleanPath(name)

	if n, err := p.cache.Lookup(name); err == nil {
		return n, nil
	}
	if p.negative.Contains(name) {
		return nil, cerrors.NotFound("resolve", name)
	}

	rootPath := p.cache.Root().Path()
	if name != rootPath && !strings.HasPrefix(name, strings.TrimSuffix(rootPath, "/")+"/") {
		return nil, cerrors.NotFound("resolve", name)
	}

	rel := strings.Trim(strings.TrimPrefix(name, rootPath), "/")
	cur := p.cache.Root()
	for _, seg := range strings.Split(rel, "/") {
		if seg == "" {
			continue
		}
		target := path.Join(cur.Path(), seg)

		if n, err := p.cache.Lookup(target); err == nil {
			cur = n
			continue
		}
		if !cur.IsDir() {
			return nil, cerrors.NotFound("resolve", name)
		}

		children, err := p.cache.ListChildren(ctx, cur)
		if err != nil {
			return nil, err
		}

		var next *fscache.Node
		for _, child := range children {
			if child.Path() == target {
				next = child
				break
			}
		}
		if next == nil {
			p.negative.Add(target, struct{}{})
			if target != name {
				p.negative.Add(name, struct{}{})
			}
			return nil, cerrors.NotFound("resolve", name)
		}
		cur = next
	}

	return p.cache.Lookup(cur.Path())
}

// Warm lists the root and then the first depth levels of every view, views in
// parallel. It returns the number of directories listed.
func (p *Populator) Warm(ctx context.Context, depth int) (int, error) {
	root := p.cache.Root()
	views, err := p.cache.ListChildren(ctx, root)
	if err != nil {
		return 0, err
	}

	var listed atomic.Int64
	listed.Add(1)

	pl := concpool.New().WithContext(ctx).WithFirstError().WithMaxGoroutines(p.cfg.WarmConcurrency)
	for _, v := range views {
		if !v.IsDir() {
			continue
		}
		pl.Go(func(ctx context.Context) error {
			return p.warmView(ctx, v, depth, &listed)
		})
	}

	err = pl.Wait()
	p.log.InfoContext(ctx, "Cache warmed",
		"views", len(views),
		"depth", depth,
		"directories", listed.Load())

	return int(listed.Load()), err
}

func (p *Populator) warmView(ctx context.Context, view *fscache.Node, depth int, listed *atomic.Int64) error {
	current := []*fscache.Node{view}
	for d := 0; d < depth && len(current) > 0; d++ {
		var next []*fscache.Node
		for _, dir := range current {
			if err := ctx.Err(); err != nil {
				return err
			}
			children, err := p.cache.ListChildren(ctx, dir)
			if err != nil {
				if cerrors.IsNotFound(err) {
					// Evicted while warming.
					continue
				}
				return err
			}
			listed.Add(1)
			for _, child := range children {
				if child.IsDir() {
					next = append(next, child)
				}
			}
		}
		current = next
	}
	return nil
}

func cleanPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
