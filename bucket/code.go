// Package bucket holds the intermediate result of a half-grid enumeration:
// exact weights per (partial-population vector, j-type code) pair.
package bucket

import (
	"errors"
	"fmt"
	"math/bits"
	"slices"
	"strings"
)

// MaxCrossing bounds the number of districts that may cross the cut at once.
const MaxCrossing = 10

var (
	// ErrDuplicateJType is returned when a code would hold the same j-type twice.
	ErrDuplicateJType = errors.New("bucket: duplicate j-type in code")
	// ErrTooManyCrossing is returned when a code would exceed MaxCrossing ids.
	ErrTooManyCrossing = errors.New("bucket: too many crossing districts")
	// ErrWeightOverflow is returned when an exact weight leaves the uint64 range.
	ErrWeightOverflow = errors.New("bucket: weight overflow")
)

// Code is a sorted set of j-type ids. The zero value is the empty code.
// Codes are comparable and can be used as map keys.
type Code struct {
	n   uint8
	ids [MaxCrossing]uint16
}

// CodeOf builds a code from ids in any order.
func CodeOf(ids ...uint16) (Code, error) {
	var c Code
	for _, j := range ids {
		var err error
		if c, err = c.Insert(j); err != nil {
			return Code{}, err
		}
	}
	return c, nil
}

// Insert returns c with j added.
func (c Code) Insert(j uint16) (Code, error) {
	ids := c.ids[:c.n]
	i, found := slices.BinarySearch(ids, j)
	if found {
		return c, fmt.Errorf("%w: %d in %s", ErrDuplicateJType, j, c)
	}
	if int(c.n) == MaxCrossing {
		return c, fmt.Errorf("%w: inserting %d into %s", ErrTooManyCrossing, j, c)
	}
	copy(c.ids[i+1:c.n+1], c.ids[i:c.n])
	c.ids[i] = j
	c.n++
	return c, nil
}

// Len returns the number of ids.
func (c Code) Len() int { return int(c.n) }

// At returns the i-th smallest id.
func (c Code) At(i int) uint16 { return c.ids[i] }

// IDs returns a copy of the ids in ascending order.
func (c Code) IDs() []uint16 {
	return slices.Clone(c.ids[:c.n])
}

// Compare orders codes lexicographically, shorter prefixes first.
func (c Code) Compare(o Code) int {
	return slices.Compare(c.ids[:c.n], o.ids[:o.n])
}

func (c Code) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i := 0; i < int(c.n); i++ {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%d", c.ids[i])
	}
	sb.WriteByte(']')
	return sb.String()
}

// AddWeight adds two weights, failing instead of wrapping.
func AddWeight(a, b uint64) (uint64, error) {
	s, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrWeightOverflow
	}
	return s, nil
}
