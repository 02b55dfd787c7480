package bucket

import (
	"errors"
	"fmt"
	"math/big"
	"slices"
)

// ErrInvalidStore is returned by NewStore for malformed bucket data.
var ErrInvalidStore = errors.New("bucket: invalid store")

// Bucket holds the rows of one partial-population vector, sorted by code.
type Bucket struct {
	Key     PopKey
	Codes   []Code
	Weights []uint64
}

// Len returns the number of rows.
func (b *Bucket) Len() int { return len(b.Codes) }

// TotalWeight sums the weights of all rows.
func (b *Bucket) TotalWeight() *big.Int {
	total := new(big.Int)
	var w big.Int
	for _, x := range b.Weights {
		total.Add(total, w.SetUint64(x))
	}
	return total
}

// Store is an immutable set of buckets for one half-grid enumeration.
type Store struct {
	n       int
	buckets []Bucket
	index   map[PopKey]int
}

// NewStore validates buckets and wraps them. Buckets must be sorted by key,
// rows sorted by code, and every weight positive.
func NewStore(n int, buckets []Bucket) (*Store, error) {
	s := &Store{n: n, buckets: buckets, index: make(map[PopKey]int, len(buckets))}
	for i := range buckets {
		b := &buckets[i]
		if i > 0 && buckets[i-1].Key.Compare(b.Key) >= 0 {
			return nil, fmt.Errorf("%w: bucket %s out of order", ErrInvalidStore, b.Key)
		}
		if len(b.Codes) != len(b.Weights) {
			return nil, fmt.Errorf("%w: bucket %s has %d codes and %d weights",
				ErrInvalidStore, b.Key, len(b.Codes), len(b.Weights))
		}
		for r := range b.Codes {
			if r > 0 && b.Codes[r-1].Compare(b.Codes[r]) >= 0 {
				return nil, fmt.Errorf("%w: bucket %s row %d out of order", ErrInvalidStore, b.Key, r)
			}
			if b.Codes[r].Len() != b.Key.Len() {
				return nil, fmt.Errorf("%w: bucket %s row %d has %d ids",
					ErrInvalidStore, b.Key, r, b.Codes[r].Len())
			}
			if b.Weights[r] == 0 {
				return nil, fmt.Errorf("%w: bucket %s row %d has zero weight", ErrInvalidStore, b.Key, r)
			}
		}
		s.index[b.Key] = i
	}
	return s, nil
}

// N returns the grid size the store was built for.
func (s *Store) N() int { return s.n }

// Buckets returns the buckets in key order. Callers must not modify them.
func (s *Store) Buckets() []Bucket { return s.buckets }

// Lookup returns the bucket with key k.
func (s *Store) Lookup(k PopKey) (*Bucket, bool) {
	i, ok := s.index[k]
	if !ok {
		return nil, false
	}
	return &s.buckets[i], true
}

// Len returns the number of buckets.
func (s *Store) Len() int { return len(s.buckets) }

// NumRows returns the number of rows over all buckets.
func (s *Store) NumRows() int {
	n := 0
	for i := range s.buckets {
		n += s.buckets[i].Len()
	}
	return n
}

// TotalWeight sums every weight in the store.
func (s *Store) TotalWeight() *big.Int {
	total := new(big.Int)
	for i := range s.buckets {
		total.Add(total, s.buckets[i].TotalWeight())
	}
	return total
}

// Equal reports whether both stores hold identical keys, codes and weights.
func (s *Store) Equal(o *Store) bool {
	if s.n != o.n || len(s.buckets) != len(o.buckets) {
		return false
	}
	for i := range s.buckets {
		a, b := &s.buckets[i], &o.buckets[i]
		if a.Key != b.Key ||
			!slices.Equal(a.Codes, b.Codes) ||
			!slices.Equal(a.Weights, b.Weights) {
			return false
		}
	}
	return true
}

// Builder accumulates weights during enumeration. It is not safe for
// concurrent use; workers own one Builder each and merge at the end.
type Builder struct {
	buckets map[PopKey]map[Code]uint64
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{buckets: make(map[PopKey]map[Code]uint64)}
}

// Add adds w to the row (k, c).
func (b *Builder) Add(k PopKey, c Code, w uint64) error {
	if w == 0 {
		return nil
	}
	rows, ok := b.buckets[k]
	if !ok {
		rows = make(map[Code]uint64)
		b.buckets[k] = rows
	}
	sum, err := AddWeight(rows[c], w)
	if err != nil {
		return fmt.Errorf("%w: bucket %s code %s", err, k, c)
	}
	rows[c] = sum
	return nil
}

// Merge adds every row of o into b.
func (b *Builder) Merge(o *Builder) error {
	for k, rows := range o.buckets {
		for c, w := range rows {
			if err := b.Add(k, c, w); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len returns the number of rows accumulated so far.
func (b *Builder) Len() int {
	n := 0
	for _, rows := range b.buckets {
		n += len(rows)
	}
	return n
}

// Build sorts the accumulated rows into a Store.
func (b *Builder) Build(n int) *Store {
	keys := make([]PopKey, 0, len(b.buckets))
	for k := range b.buckets {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, PopKey.Compare)

	s := &Store{n: n, buckets: make([]Bucket, len(keys)), index: make(map[PopKey]int, len(keys))}
	for i, k := range keys {
		rows := b.buckets[k]
		codes := make([]Code, 0, len(rows))
		for c := range rows {
			codes = append(codes, c)
		}
		slices.SortFunc(codes, Code.Compare)

		weights := make([]uint64, len(codes))
		for r, c := range codes {
			weights[r] = rows[c]
		}
		s.buckets[i] = Bucket{Key: k, Codes: codes, Weights: weights}
		s.index[k] = i
	}
	return s
}
