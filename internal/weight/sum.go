// Package weight provides an exact accumulator for sums of products of
// 64-bit counts.
//
// A Sum keeps 192 bits in fixed words: a 128-bit low part and a 64-bit high
// word. One product a*b*m of three uint64 values always fits there. Carries
// out of the high word are counted in a big.Int in units of 2^192, so the
// total stays exact however many products are added.
package weight

import (
	"math/big"
	"math/bits"

	"lukechampine.com/uint128"
)

// Sum is an unsigned accumulator of unbounded width. The zero value is
// ready to use.
type Sum struct {
	lo uint128.Uint128
	hi uint64
	// over counts wraps of the 192-bit words. It is replaced, never
	// mutated, so copies of a Sum stay independent.
	over *big.Int
}

// Add adds v.
func (s *Sum) Add(v uint64) {
	s.add(uint128.From64(v), 0)
}

// AddProduct adds a*b*m exactly.
func (s *Sum) AddProduct(a, b, m uint64) {
	hi1, lo1 := bits.Mul64(a, b)
	x1, x0 := bits.Mul64(lo1, m)
	y1, y0 := bits.Mul64(hi1, m)
	mid, c := bits.Add64(x1, y0, 0)
	// a*b*m < 2^192, so y1+c cannot wrap.
	s.add(uint128.New(x0, mid), y1+c)
}

// Merge adds o into s.
func (s *Sum) Merge(o Sum) {
	s.add(o.lo, o.hi)
	if o.over != nil && o.over.Sign() != 0 {
		s.spill(o.over)
	}
}

func (s *Sum) add(lo uint128.Uint128, hi uint64) {
	l, c := bits.Add64(s.lo.Lo, lo.Lo, 0)
	m, c := bits.Add64(s.lo.Hi, lo.Hi, c)
	h, c := bits.Add64(s.hi, hi, c)
	s.lo = uint128.New(l, m)
	s.hi = h
	if c != 0 {
		s.spill(big.NewInt(1))
	}
}

func (s *Sum) spill(n *big.Int) {
	v := new(big.Int).Set(n)
	if s.over != nil {
		v.Add(v, s.over)
	}
	s.over = v
}

// IsZero reports whether nothing but zeros was added.
func (s Sum) IsZero() bool {
	return s.hi == 0 && s.lo.IsZero() && (s.over == nil || s.over.Sign() == 0)
}

// Big returns the value as a new big.Int.
func (s Sum) Big() *big.Int {
	v := new(big.Int)
	if s.over != nil {
		v.Lsh(s.over, 64)
	}
	v.Add(v, new(big.Int).SetUint64(s.hi))
	v.Lsh(v, 128)
	return v.Add(v, s.lo.Big())
}

// String formats the value in decimal.
func (s Sum) String() string {
	return s.Big().String()
}
