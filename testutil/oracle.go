package testutil

import (
	"math/bits"

	"github.com/hupe1980/districts/dataset"
)

// board is the full n×n grid with cell (x, y) at bit x*n+y.
type board struct {
	n      int
	full   uint64
	top    uint64
	bottom uint64
}

func newBoard(n int) board {
	b := board{n: n, full: uint64(1)<<uint(n*n) - 1}
	for x := 0; x < n; x++ {
		b.top |= uint64(1) << uint(x*n+n-1)
		b.bottom |= uint64(1) << uint(x*n)
	}
	return b
}

func (b board) neighbors(m uint64) uint64 {
	return ((m&^b.top)<<1 | (m&^b.bottom)>>1 | m>>uint(b.n) | m<<uint(b.n)) & b.full
}

func (b board) fill(seed, domain uint64) uint64 {
	var comp uint64
	for f := seed & domain; f != 0; f = b.neighbors(f) & domain &^ comp {
		comp |= f
	}
	return comp
}

// dead reports whether some empty region cannot be tiled by size-n districts.
func (b board) dead(filled uint64) bool {
	empty := b.full &^ filled
	for empty != 0 {
		c := b.fill(empty&-empty, empty)
		if bits.OnesCount64(c)%b.n != 0 {
			return true
		}
		empty &^= c
	}
	return false
}

// districts returns the connected n-cell subsets of avail containing root.
func (b board) districts(root int, avail uint64) []uint64 {
	level := map[uint64]struct{}{uint64(1) << uint(root): {}}
	for size := 1; size < b.n; size++ {
		next := make(map[uint64]struct{}, len(level)*2)
		for s := range level {
			grow := b.neighbors(s) & avail &^ s
			for grow != 0 {
				c := grow & -grow
				grow &^= c
				next[s|c] = struct{}{}
			}
		}
		level = next
	}
	out := make([]uint64, 0, len(level))
	for s := range level {
		out = append(out, s)
	}
	return out
}

// CountPartitions counts the partitions of the n×n grid into n connected
// districts of n cells each by direct search. It supports n <= 6.
func CountPartitions(n int) uint64 {
	if n < 1 || n*n > 63 {
		return 0
	}
	b := newBoard(n)
	memo := make(map[uint64]uint64)
	var count func(filled uint64) uint64
	count = func(filled uint64) uint64 {
		if filled == b.full {
			return 1
		}
		if v, ok := memo[filled]; ok {
			return v
		}
		root := bits.TrailingZeros64(b.full &^ filled)
		var total uint64
		for _, d := range b.districts(root, b.full&^filled) {
			if next := filled | d; !b.dead(next) {
				total += count(next)
			}
		}
		memo[filled] = total
		return total
	}
	return count(0)
}

// CountHalfFillings counts the ways the placements of ds tile the half grid
// exactly. It equals the total weight of a correct bucket store.
func CountHalfFillings(ds *dataset.Dataset) uint64 {
	half := ds.Geometry().HalfMask()
	memo := make(map[uint64]uint64)
	var count func(filled uint64) uint64
	count = func(filled uint64) uint64 {
		if filled == half {
			return 1
		}
		if v, ok := memo[filled]; ok {
			return v
		}
		root := bits.TrailingZeros64(half &^ filled)
		var total uint64
		for _, p := range ds.PlacementsAt(root) {
			if p.Mask&filled == 0 {
				total += count(filled | p.Mask)
			}
		}
		memo[filled] = total
		return total
	}
	return count(0)
}
