package dataset

import (
	"fmt"
	"math/bits"

	"github.com/RoaringBitmap/roaring/v2"
)

// CompatSource records where a compatibility relation came from.
type CompatSource string

const (
	// CompatFromTables means the archive carried explicit compat_p* tables.
	CompatFromTables CompatSource = "tables"
	// CompatDerived means the relation was derived from jbt_ref_comps.
	CompatDerived CompatSource = "derived"
	// CompatNone means neither was available; the relation is empty.
	CompatNone CompatSource = "none"
)

// Compat is a symmetric relation over j-type ids: j and x are compatible
// when a left district of class j and a mirrored right district of class x
// join into one complete district.
type Compat struct {
	partners []*roaring.Bitmap
	pairs    uint64
}

// NewCompat returns an empty relation over m j-types.
func NewCompat(m int) *Compat {
	c := &Compat{partners: make([]*roaring.Bitmap, m)}
	for i := range c.partners {
		c.partners[i] = roaring.New()
	}
	return c
}

// Add records that j and x are compatible (in both directions).
func (c *Compat) Add(j, x uint16) {
	if c.partners[j].CheckedAdd(uint32(x)) {
		c.pairs++
	}
	if j != x && c.partners[x].CheckedAdd(uint32(j)) {
		c.pairs++
	}
}

// Compatible reports whether j and x are related.
func (c *Compat) Compatible(j, x uint16) bool {
	if int(j) >= len(c.partners) {
		return false
	}
	return c.partners[j].Contains(uint32(x))
}

// Partners returns the ids compatible with j. Callers must not modify it.
func (c *Compat) Partners(j uint16) *roaring.Bitmap {
	if int(j) >= len(c.partners) {
		return roaring.New()
	}
	return c.partners[j]
}

// Size returns the number of j-types the relation covers.
func (c *Compat) Size() int { return len(c.partners) }

// NumPairs returns the number of ordered compatible pairs.
func (c *Compat) NumPairs() uint64 { return c.pairs }

// Pairs returns the compatible pairs (j, x) with pop(j) == p, ordered by j then x.
func (c *Compat) Pairs(pop []uint8, p int) (key1, key2 []int32) {
	for j := range c.partners {
		if int(pop[j]) != p {
			continue
		}
		it := c.partners[j].Iterator()
		for it.HasNext() {
			key1 = append(key1, int32(j))
			key2 = append(key2, int32(it.Next()))
		}
	}
	return key1, key2
}

// contiguousOverlap reports whether a&b is one non-empty run of set bits.
func contiguousOverlap(a, b uint16) bool {
	o := uint32(a & b)
	if o == 0 {
		return false
	}
	s := o >> bits.TrailingZeros32(o)
	return s&(s+1) == 0
}

// componentsCompatible applies the joining rules for cut-row component
// masks. Zero entries are unused slots.
func componentsCompatible(c1, c2 [3]uint16) bool {
	a := nonZero(c1)
	b := nonZero(c2)
	if len(a) > len(b) {
		a, b = b, a
	}
	switch {
	case len(a) == 1 && len(b) == 1:
		return contiguousOverlap(a[0], b[0])
	case len(a) == 1 && len(b) == 2:
		return contiguousOverlap(a[0], b[1]) && contiguousOverlap(a[0], b[0])
	case len(a) == 1 && len(b) == 3:
		return contiguousOverlap(a[0], b[2]) && contiguousOverlap(a[0], b[1]) && contiguousOverlap(a[0], b[0])
	case len(a) == 2 && len(b) == 2:
		if !contiguousOverlap(a[1], b[1]) || !contiguousOverlap(a[0], b[0]) {
			return false
		}
		return contiguousOverlap(a[1], b[0]) != contiguousOverlap(a[0], b[1])
	default:
		return false
	}
}

func nonZero(c [3]uint16) []uint16 {
	out := make([]uint16, 0, 3)
	for _, v := range c {
		if v != 0 {
			out = append(out, v)
		}
	}
	return out
}

// DeriveCompat builds the relation from cut-row component masks for grid
// size n. Only pairs whose populations sum to n are considered.
func DeriveCompat(n int, pop []uint8, comps [][3]uint16) (*Compat, error) {
	if len(comps) != len(pop) {
		return nil, fmt.Errorf("derive compat: %d component rows for %d j-types", len(comps), len(pop))
	}
	byPop := make([][]uint16, n+1)
	for j, p := range pop {
		if int(p) < n {
			byPop[p] = append(byPop[p], uint16(j))
		}
	}

	c := NewCompat(len(pop))
	for p := 1; p <= n/2; p++ {
		for _, j := range byPop[p] {
			for _, x := range byPop[n-p] {
				if componentsCompatible(comps[j], comps[x]) {
					c.Add(j, x)
				}
			}
		}
	}
	return c, nil
}
