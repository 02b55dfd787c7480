// Package enumerate walks every exact tiling of the half grid by dataset
// placements and compresses the results into a bucket store.
//
// The search runs root by root. Each root keeps a frontier of partial
// fillings keyed by occupied mask and boundary code; fillings that share
// both are interchangeable for the rest of the walk, so only their count is
// carried forward.
package enumerate

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/districts/bucket"
	"github.com/hupe1980/districts/dataset"
	"github.com/hupe1980/districts/resource"
)

// ErrInternal reports a broken search invariant.
var ErrInternal = errors.New("enumerate: internal error")

// chunksPerWorker splits a root's frontier finer than the worker count so
// uneven chunks balance out.
const chunksPerWorker = 4

// Config controls a run.
type Config struct {
	// Workers bounds parallel frontier chunks. If 0, the governor's worker
	// count is used.
	Workers int

	// Governor is ticked once per expanded state and sampled after every
	// root. May be nil.
	Governor *resource.Controller

	// OnRoot is called after each root is vacated.
	OnRoot func(RootProgress)

	// DisablePruning keeps stranded states alive. Only useful to verify
	// that pruning does not change the result.
	DisablePruning bool
}

// RootProgress describes the state of the walk after one root.
type RootProgress struct {
	Root     int
	Roots    int
	Expanded uint64 // states expanded at this root
	Live     int    // states waiting at later roots
	Buckets  int    // distinct population keys completed so far
	RSS      uint64 // last resident set sample
}

// Stats summarizes a run.
type Stats struct {
	Roots        int
	Expanded     uint64
	Pruned       uint64
	Completed    uint64
	PeakFrontier int
}

// frontier maps an occupied mask to the weight of each boundary code.
type frontier map[uint64]map[bucket.Code]uint64

func (f frontier) states() int {
	n := 0
	for _, codes := range f {
		n += len(codes)
	}
	return n
}

// Run enumerates ds and returns the bucket store of all complete half
// fillings. Any error, including a governor abort, discards all partial
// state.
func Run(ctx context.Context, ds *dataset.Dataset, cfg Config) (*bucket.Store, Stats, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = cfg.Governor.MaxWorkers()
	}

	roots := ds.NumRoots()
	frontiers := make([]frontier, roots)
	frontiers[0] = frontier{0: {bucket.Code{}: 1}}
	live := 1
	done := bucket.NewBuilder()

	var st Stats
	st.PeakFrontier = live

	for root := 0; root < roots; root++ {
		if err := ctx.Err(); err != nil {
			return nil, st, err
		}
		if err := cfg.Governor.Err(); err != nil {
			return nil, st, err
		}

		f := frontiers[root]
		frontiers[root] = nil
		live -= f.states()

		var expanded uint64
		if len(f) > 0 {
			parts, err := expandRoot(ctx, ds, root, f, workers, cfg)
			if err != nil {
				return nil, st, err
			}
			for _, p := range parts {
				added, err := merge(frontiers, p.next)
				if err != nil {
					return nil, st, err
				}
				live += added
				if err := done.Merge(p.done); err != nil {
					return nil, st, err
				}
				expanded += p.expanded
				st.Pruned += p.pruned
				st.Completed += p.completed
			}
		}
		st.Roots++
		st.Expanded += expanded
		st.PeakFrontier = max(st.PeakFrontier, live)

		if err := cfg.Governor.Sample(); err != nil {
			return nil, st, err
		}
		if cfg.OnRoot != nil {
			cfg.OnRoot(RootProgress{
				Root:     root,
				Roots:    roots,
				Expanded: expanded,
				Live:     live,
				Buckets:  done.Len(),
				RSS:      cfg.Governor.Stats().LastRSS,
			})
		}
	}

	if live != 0 {
		return nil, st, fmt.Errorf("%w: %d states left after the last root", ErrInternal, live)
	}
	return done.Build(ds.N), st, nil
}

// expandRoot splits the frontier of root into contiguous mask ranges and
// expands them in parallel, each into a private partial result.
func expandRoot(ctx context.Context, ds *dataset.Dataset, root int, f frontier, workers int, cfg Config) ([]*partial, error) {
	masks := make([]uint64, 0, len(f))
	for m := range f {
		masks = append(masks, m)
	}
	slices.Sort(masks)

	chunks := min(len(masks), workers*chunksPerWorker)
	parts := make([]*partial, chunks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for c := 0; c < chunks; c++ {
		lo, hi := c*len(masks)/chunks, (c+1)*len(masks)/chunks
		g.Go(func() error {
			if err := cfg.Governor.AcquireWorker(gctx); err != nil {
				return err
			}
			defer cfg.Governor.ReleaseWorker()

			p := &partial{next: make(map[int]frontier), done: bucket.NewBuilder()}
			parts[c] = p
			return p.expand(gctx, ds, root, masks[lo:hi], f, cfg)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return parts, nil
}

// move is one placement applied to one mask.
type move struct {
	next     uint64
	dest     int // -1 when next fills the half
	jtype    uint16
	crossing bool
}

// partial is the private output of one chunk.
type partial struct {
	next      map[int]frontier
	done      *bucket.Builder
	expanded  uint64
	pruned    uint64
	completed uint64
}

func (p *partial) expand(ctx context.Context, ds *dataset.Dataset, root int, masks []uint64, f frontier, cfg Config) error {
	geo := ds.Geometry()
	half := geo.HalfMask()
	placements := ds.PlacementsAt(root)
	prunable := !cfg.DisablePruning && root < ds.NumRoots()-ds.N

	moves := make([]move, 0, len(placements))
	for _, mask := range masks {
		if err := ctx.Err(); err != nil {
			return err
		}

		moves = moves[:0]
		for _, pl := range placements {
			if mask&pl.Mask != 0 {
				continue
			}
			next := mask | pl.Mask
			if prunable && geo.Stranded(next) {
				p.pruned++
				continue
			}
			mv := move{next: next, dest: -1, jtype: pl.JType, crossing: int(pl.Pop) < ds.N}
			if next != half {
				dest, _ := geo.NextRoot(next)
				if dest <= root {
					return fmt.Errorf("%w: placement %#x at root %d leads back to root %d", ErrInternal, pl.Mask, root, dest)
				}
				mv.dest = dest
			}
			moves = append(moves, mv)
		}

		for code, w := range f[mask] {
			if err := cfg.Governor.Tick(); err != nil {
				return err
			}
			p.expanded++

			for _, mv := range moves {
				c := code
				if mv.crossing {
					var err error
					if c, err = code.Insert(mv.jtype); err != nil {
						return fmt.Errorf("%w: root %d code %v: %w", ErrInternal, root, code, err)
					}
				}
				if mv.dest < 0 {
					p.completed++
					if err := p.done.Add(bucket.KeyOf(c, ds.JTypePop), c, w); err != nil {
						return err
					}
					continue
				}
				if err := p.add(mv.dest, mv.next, c, w); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (p *partial) add(dest int, mask uint64, c bucket.Code, w uint64) error {
	f := p.next[dest]
	if f == nil {
		f = make(frontier)
		p.next[dest] = f
	}
	codes := f[mask]
	if codes == nil {
		codes = make(map[bucket.Code]uint64)
		f[mask] = codes
	}
	s, err := bucket.AddWeight(codes[c], w)
	if err != nil {
		return err
	}
	codes[c] = s
	return nil
}

// merge folds a partial's frontiers into the global ones and returns the
// number of states that did not exist before.
func merge(frontiers []frontier, next map[int]frontier) (int, error) {
	added := 0
	for dest, src := range next {
		dst := frontiers[dest]
		if dst == nil {
			frontiers[dest] = src
			added += src.states()
			continue
		}
		for mask, codes := range src {
			into := dst[mask]
			if into == nil {
				dst[mask] = codes
				added += len(codes)
				continue
			}
			for c, w := range codes {
				old, ok := into[c]
				if !ok {
					added++
				}
				s, err := bucket.AddWeight(old, w)
				if err != nil {
					return 0, err
				}
				into[c] = s
			}
		}
	}
	return added, nil
}
