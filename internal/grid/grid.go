// Package grid implements bit-board geometry for one half of an N×N grid.
//
// The half has N/2 columns of N cells. Cell (x, y) is bit x*N+y, so a column
// is a run of N consecutive bits and the cut column is the highest one.
package grid

import (
	"fmt"
	"math/bits"
)

// MaxN is the largest grid whose half fits in a uint64.
const MaxN = 10

// Geometry holds the precomputed masks for one grid size.
type Geometry struct {
	n      int
	cols   int
	half   uint64
	cut    uint64
	top    uint64
	bottom uint64
}

// New returns the geometry for an even n in [2, MaxN].
func New(n int) (Geometry, error) {
	if n < 2 || n > MaxN || n%2 != 0 {
		return Geometry{}, fmt.Errorf("grid: size %d must be even and in [2, %d]", n, MaxN)
	}
	g := Geometry{n: n, cols: n / 2}
	cells := n * g.cols
	g.half = uint64(1)<<uint(cells) - 1
	g.cut = g.ColumnMask(g.cols - 1)
	for x := 0; x < g.cols; x++ {
		g.top |= uint64(1) << uint(x*n+n-1)
		g.bottom |= uint64(1) << uint(x*n)
	}
	return g, nil
}

// N returns the grid size.
func (g Geometry) N() int { return g.n }

// Cols returns the number of columns in the half.
func (g Geometry) Cols() int { return g.cols }

// Cells returns the number of cells (and roots) in the half.
func (g Geometry) Cells() int { return g.n * g.cols }

// HalfMask has every cell of the half set.
func (g Geometry) HalfMask() uint64 { return g.half }

// CutMask has every cell of the cut column set.
func (g Geometry) CutMask() uint64 { return g.cut }

// ColumnMask has every cell of column x set.
func (g Geometry) ColumnMask(x int) uint64 {
	return (uint64(1)<<uint(g.n) - 1) << uint(x*g.n)
}

// Cell returns the bit index of (x, y).
func (g Geometry) Cell(x, y int) int { return x*g.n + y }

// Coords is the inverse of Cell.
func (g Geometry) Coords(cell int) (x, y int) { return cell / g.n, cell % g.n }

// Neighbors returns the 4-neighbourhood of mask restricted to the half.
func (g Geometry) Neighbors(mask uint64) uint64 {
	up := (mask &^ g.top) << 1
	down := (mask &^ g.bottom) >> 1
	left := mask >> uint(g.n)
	right := mask << uint(g.n)
	return (up | down | left | right) & g.half
}

// FloodFill returns the component of domain reachable from seed.
func (g Geometry) FloodFill(seed, domain uint64) uint64 {
	var comp uint64
	frontier := seed & domain
	for frontier != 0 {
		comp |= frontier
		frontier = g.Neighbors(frontier) & domain &^ comp
	}
	return comp
}

// Components splits mask into its connected components, lowest cell first.
func (g Geometry) Components(mask uint64) []uint64 {
	var out []uint64
	for mask != 0 {
		c := g.FloodFill(mask&-mask, mask)
		out = append(out, c)
		mask &^= c
	}
	return out
}

// Connected reports whether mask is a single non-empty component.
func (g Geometry) Connected(mask uint64) bool {
	return mask != 0 && g.FloodFill(mask&-mask, mask) == mask
}

// Stranded reports whether filled leaves an empty region that can never be
// covered: one that does not reach the cut column and whose size is not a
// multiple of N.
func (g Geometry) Stranded(filled uint64) bool {
	empty := g.half &^ filled
	for empty != 0 {
		c := g.FloodFill(empty&-empty, empty)
		empty &^= c
		if c&g.cut != 0 {
			continue
		}
		if bits.OnesCount64(c)%g.n != 0 {
			return true
		}
	}
	return false
}

// NextRoot returns the lowest empty cell, or false when the half is full.
func (g Geometry) NextRoot(filled uint64) (int, bool) {
	empty := g.half &^ filled
	if empty == 0 {
		return 0, false
	}
	return bits.TrailingZeros64(empty), true
}

// CutRows returns the rows of mask that lie in the cut column, bit y for row y.
func (g Geometry) CutRows(mask uint64) uint16 {
	return uint16((mask & g.cut) >> uint((g.cols-1)*g.n))
}
