// Package match pairs complementary buckets of two half-grid stores and sums
// the number of ways their crossing districts join.
//
// A left row r1 and a right row r2 contribute w1·w2·M(r1, r2), where M is
// the number of perfect matchings between their j-type ids under the
// compatibility relation. Only buckets with complementary population keys
// can produce a perfect matching, so the work splits into independent
// bucket pairs.
package match

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/districts/bucket"
	"github.com/hupe1980/districts/internal/weight"
	"github.com/hupe1980/districts/resource"
)

// ErrStoreMismatch is returned when the two stores describe different grids.
var ErrStoreMismatch = errors.New("match: stores have different grid sizes")

// shardRows is the number of left rows one task handles.
const shardRows = 2048

// Relation is the compatibility relation between left and right j-types.
type Relation interface {
	Compatible(j, x uint16) bool
	Partners(j uint16) *roaring.Bitmap
}

// Config controls a run.
type Config struct {
	// Workers bounds parallel tasks. If 0, the governor's worker count is used.
	Workers int

	// Governor provides worker slots. May be nil.
	Governor *resource.Controller

	// OnPair is called once per bucket pair, in left key order, after all
	// tasks finished.
	OnPair func(PairResult)
}

// PairResult is the contribution of one bucket pair.
type PairResult struct {
	Left       bucket.PopKey
	Right      bucket.PopKey
	Factor     int
	LeftRows   int
	RightRows  int
	Candidates uint64   // row pairs that passed the bitmap filter
	Matched    uint64   // row pairs with at least one perfect matching
	Sum        *big.Int // contribution including Factor
}

// Result is the outcome of a match.
type Result struct {
	Total *big.Int
	Pairs []PairResult
}

// pair is one (left bucket, right bucket) combination.
type pair struct {
	left, right *bucket.Bucket
	factor      int
	index       func() rowIndex
}

// task is a range of left rows of one pair.
type task struct {
	pair   int
	lo, hi int
	cost   int
}

type taskResult struct {
	sum        weight.Sum
	candidates uint64
	matched    uint64
}

// Match sums the joins between left and right. Passing the same store for
// both sides counts each unordered pair of distinct keys once and doubles
// it, which relies on rel being symmetric.
func Match(ctx context.Context, left, right *bucket.Store, rel Relation, cfg Config) (*Result, error) {
	if left.N() != right.N() {
		return nil, fmt.Errorf("%w: %d and %d", ErrStoreMismatch, left.N(), right.N())
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = cfg.Governor.MaxWorkers()
	}

	pairs := plan(left, right)
	tasks := shard(pairs)
	results := make([]taskResult, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, t := range tasks {
		g.Go(func() error {
			if err := cfg.Governor.AcquireWorker(gctx); err != nil {
				return err
			}
			defer cfg.Governor.ReleaseWorker()

			return pairs[t.pair].run(gctx, rel, t.lo, t.hi, &results[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Single-threaded reduction.
	sums := make([]weight.Sum, len(pairs))
	out := &Result{Pairs: make([]PairResult, len(pairs))}
	for i, p := range pairs {
		out.Pairs[i] = PairResult{
			Left:      p.left.Key,
			Right:     p.right.Key,
			Factor:    p.factor,
			LeftRows:  p.left.Len(),
			RightRows: p.right.Len(),
		}
	}
	for i, t := range tasks {
		r := &results[i]
		for k := 0; k < pairs[t.pair].factor; k++ {
			sums[t.pair].Merge(r.sum)
		}
		out.Pairs[t.pair].Candidates += r.candidates
		out.Pairs[t.pair].Matched += r.matched
	}

	var total weight.Sum
	for i := range pairs {
		total.Merge(sums[i])
		out.Pairs[i].Sum = sums[i].Big()
		if cfg.OnPair != nil {
			cfg.OnPair(out.Pairs[i])
		}
	}
	out.Total = total.Big()
	return out, nil
}

// plan lists the bucket pairs in left key order.
func plan(left, right *bucket.Store) []*pair {
	same := left == right
	n := left.N()

	var pairs []*pair
	buckets := left.Buckets()
	for i := range buckets {
		lb := &buckets[i]
		ck := lb.Key.Complement(n)
		rb, ok := right.Lookup(ck)
		if !ok {
			continue
		}
		factor := 1
		if same {
			switch c := lb.Key.Compare(ck); {
			case c > 0:
				continue
			case c < 0:
				factor = 2
			}
		}
		pairs = append(pairs, &pair{
			left:   lb,
			right:  rb,
			factor: factor,
			index:  sync.OnceValue(func() rowIndex { return buildIndex(rb) }),
		})
	}
	return pairs
}

// shard splits pairs into tasks, heaviest first.
func shard(pairs []*pair) []task {
	var tasks []task
	for i, p := range pairs {
		rows := p.left.Len()
		for lo := 0; lo < rows; lo += shardRows {
			hi := min(lo+shardRows, rows)
			tasks = append(tasks, task{pair: i, lo: lo, hi: hi, cost: (hi - lo) * p.right.Len()})
		}
	}
	slices.SortStableFunc(tasks, func(a, b task) int { return b.cost - a.cost })
	return tasks
}

// rowIndex maps a j-type id to the rows of a bucket that contain it.
type rowIndex map[uint16]*roaring.Bitmap

func buildIndex(b *bucket.Bucket) rowIndex {
	idx := make(rowIndex)
	for r, c := range b.Codes {
		for i := 0; i < c.Len(); i++ {
			id := c.At(i)
			bm := idx[id]
			if bm == nil {
				bm = roaring.New()
				idx[id] = bm
			}
			bm.Add(uint32(r))
		}
	}
	for _, bm := range idx {
		bm.RunOptimize()
	}
	return idx
}

func (p *pair) run(ctx context.Context, rel Relation, lo, hi int, out *taskResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.left.Key.Len() == 0 {
		// Empty codes join trivially.
		for r1 := lo; r1 < hi; r1++ {
			for r2 := range p.right.Codes {
				out.sum.AddProduct(p.left.Weights[r1], p.right.Weights[r2], 1)
				out.candidates++
				out.matched++
			}
		}
		return nil
	}

	idx := p.index()
	unions := make(map[uint16]*roaring.Bitmap)
	adj := make([]uint16, p.left.Key.Len())

	for r1 := lo; r1 < hi; r1++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		c1 := p.left.Codes[r1]

		cand := candidates(c1, rel, idx, unions)
		if cand == nil || cand.IsEmpty() {
			continue
		}
		out.candidates += cand.GetCardinality()

		w1 := p.left.Weights[r1]
		it := cand.Iterator()
		for it.HasNext() {
			r2 := it.Next()
			c2 := p.right.Codes[r2]
			if m := matchings(c1, c2, rel, adj); m > 0 {
				out.sum.AddProduct(w1, p.right.Weights[r2], m)
				out.matched++
			}
		}
	}
	return nil
}

// candidates returns the right rows in which every id of c has at least one
// compatible partner.
func candidates(c bucket.Code, rel Relation, idx rowIndex, unions map[uint16]*roaring.Bitmap) *roaring.Bitmap {
	var cand *roaring.Bitmap
	for i := 0; i < c.Len(); i++ {
		j := c.At(i)
		u, ok := unions[j]
		if !ok {
			var bms []*roaring.Bitmap
			it := rel.Partners(j).Iterator()
			for it.HasNext() {
				if bm := idx[uint16(it.Next())]; bm != nil {
					bms = append(bms, bm)
				}
			}
			u = roaring.FastOr(bms...)
			unions[j] = u
		}
		if cand == nil {
			cand = u.Clone()
		} else {
			cand.And(u)
		}
		if cand.IsEmpty() {
			return nil
		}
	}
	return cand
}

// matchings counts the perfect matchings between the ids of a and b.
// adj must have room for a.Len() entries.
func matchings(a, b bucket.Code, rel Relation, adj []uint16) uint64 {
	n := a.Len()
	if n != b.Len() {
		return 0
	}
	adj = adj[:n]
	for i := 0; i < n; i++ {
		adj[i] = 0
		for k := 0; k < n; k++ {
			if rel.Compatible(a.At(i), b.At(k)) {
				adj[i] |= 1 << k
			}
		}
		if adj[i] == 0 {
			return 0
		}
	}
	return countMatchings(adj, 0, 0)
}

func countMatchings(adj []uint16, i int, used uint16) uint64 {
	if i == len(adj) {
		return 1
	}
	var n uint64
	for free := adj[i] &^ used; free != 0; free &= free - 1 {
		n += countMatchings(adj, i+1, used|free&-free)
	}
	return n
}
