package bucket

import (
	"fmt"
	"slices"
	"strings"
)

// PopKey is a partial-population vector: the populations of the crossing
// districts in ascending order. The zero value is the empty key.
type PopKey struct {
	n    uint8
	pops [MaxCrossing]uint8
}

// KeyFromPops builds a key from populations in any order.
func KeyFromPops(pops ...uint8) (PopKey, error) {
	if len(pops) > MaxCrossing {
		return PopKey{}, fmt.Errorf("%w: %d populations", ErrTooManyCrossing, len(pops))
	}
	var k PopKey
	k.n = uint8(len(pops))
	copy(k.pops[:], pops)
	slices.Sort(k.pops[:k.n])
	return k, nil
}

// KeyOf returns the key of code given the population of every j-type.
func KeyOf(c Code, pop []uint8) PopKey {
	var k PopKey
	k.n = c.n
	for i := 0; i < int(c.n); i++ {
		k.pops[i] = pop[c.ids[i]]
	}
	slices.Sort(k.pops[:k.n])
	return k
}

// Complement returns the key a matching half must have for grid size n.
func (k PopKey) Complement(n int) PopKey {
	c := k
	for i := 0; i < int(k.n); i++ {
		c.pops[i] = uint8(n) - k.pops[i]
	}
	slices.Sort(c.pops[:c.n])
	return c
}

// Len returns the number of crossing districts.
func (k PopKey) Len() int { return int(k.n) }

// Pops returns a copy of the populations.
func (k PopKey) Pops() []uint8 { return slices.Clone(k.pops[:k.n]) }

// Compare orders keys by length, then lexicographically.
func (k PopKey) Compare(o PopKey) int {
	if k.n != o.n {
		return int(k.n) - int(o.n)
	}
	return slices.Compare(k.pops[:k.n], o.pops[:o.n])
}

func (k PopKey) String() string {
	parts := make([]string, k.n)
	for i := range parts {
		parts[i] = fmt.Sprint(k.pops[i])
	}
	return "(" + strings.Join(parts, ",") + ")"
}
