package testutil

import (
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"slices"

	"github.com/hupe1980/districts/dataset"
	"github.com/hupe1980/districts/internal/grid"
)

// MaxFixtureN is the largest grid BuildDataset enumerates.
const MaxFixtureN = 6

type jkey struct {
	pop   uint8
	comps [3]uint16
}

func compareJKey(a, b jkey) int {
	if a.pop != b.pop {
		return int(a.pop) - int(b.pop)
	}
	return slices.Compare(a.comps[:], b.comps[:])
}

// BuildDataset enumerates every legal placement of the left half of an n×n
// grid and the exact compatibility relation between the resulting j-types.
//
// A complete placement is a connected set of n cells. A crossing placement
// has fewer than n cells and every component touches the cut column. Its
// j-type is its population plus the cut rows of each component; two j-types
// are compatible when their populations sum to n and the components join
// into one region across the cut.
func BuildDataset(n int) (*dataset.Dataset, error) {
	if n > MaxFixtureN {
		return nil, fmt.Errorf("testutil: fixture size %d exceeds %d", n, MaxFixtureN)
	}
	geo, err := grid.New(n)
	if err != nil {
		return nil, err
	}

	cells := geo.Cells()
	roots := make([][]dataset.Placement, cells)
	type crossing struct {
		root int
		mask uint64
		key  jkey
	}
	var pending []crossing
	seen := make(map[jkey]struct{})

	for s := uint64(1); s <= geo.HalfMask(); s++ {
		pop := bits.OnesCount64(s)
		if pop > n {
			continue
		}
		root := bits.TrailingZeros64(s)
		comps := geo.Components(s)
		if pop == n {
			if len(comps) == 1 {
				roots[root] = append(roots[root], dataset.Placement{Mask: s, Pop: uint8(n)})
			}
			continue
		}
		if len(comps) > 3 {
			continue
		}
		k := jkey{pop: uint8(pop)}
		rows := make([]uint16, 0, 3)
		touches := true
		for _, c := range comps {
			r := geo.CutRows(c)
			if r == 0 {
				touches = false
				break
			}
			rows = append(rows, r)
		}
		if !touches {
			continue
		}
		slices.Sort(rows)
		copy(k.comps[:], rows)
		seen[k] = struct{}{}
		pending = append(pending, crossing{root: root, mask: s, key: k})
	}

	keys := make([]jkey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareJKey)
	ids := make(map[jkey]uint16, len(keys))
	pop := make([]uint8, len(keys))
	comps := make([][3]uint16, len(keys))
	for i, k := range keys {
		ids[k] = uint16(i)
		pop[i] = k.pop
		comps[i] = k.comps
	}
	for _, c := range pending {
		roots[c.root] = append(roots[c.root], dataset.Placement{
			Mask:  c.mask,
			Pop:   c.key.pop,
			JType: ids[c.key],
		})
	}
	for _, ps := range roots {
		slices.SortFunc(ps, func(a, b dataset.Placement) int {
			switch {
			case a.Mask < b.Mask:
				return -1
			case a.Mask > b.Mask:
				return 1
			}
			return 0
		})
	}

	return dataset.New(n, roots, pop, comps, ExactCompat(n, pop, comps))
}

// ExactCompat joins j-types whose populations sum to n and whose cut-row
// components form a connected overlap graph.
func ExactCompat(n int, pop []uint8, comps [][3]uint16) *dataset.Compat {
	c := dataset.NewCompat(len(pop))
	for j := range pop {
		for x := j; x < len(pop); x++ {
			if int(pop[j])+int(pop[x]) != n {
				continue
			}
			if joins(comps[j], comps[x]) {
				c.Add(uint16(j), uint16(x))
			}
		}
	}
	return c
}

// joins reports whether the bipartite graph of overlapping rows between the
// left components a and the right components b is connected.
func joins(a, b [3]uint16) bool {
	var nodes []uint16
	var left int
	for _, v := range a {
		if v != 0 {
			nodes = append(nodes, v)
			left++
		}
	}
	for _, v := range b {
		if v != 0 {
			nodes = append(nodes, v)
		}
	}
	if left == 0 || left == len(nodes) {
		return false
	}

	reached := 1 // bit i: node i reached
	for changed := true; changed; {
		changed = false
		for i := range nodes {
			if reached&(1<<i) == 0 {
				continue
			}
			for k := range nodes {
				if reached&(1<<k) != 0 || (i < left) == (k < left) {
					continue
				}
				if nodes[i]&nodes[k] != 0 {
					reached |= 1 << k
					changed = true
				}
			}
		}
	}
	return reached == 1<<len(nodes)-1
}

// WriteDataset stores ds as dataset_n{N}.npz in dir and returns the path.
func WriteDataset(dir string, ds *dataset.Dataset, opts ...dataset.WriteOption) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("dataset_n%d.npz", ds.N))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := dataset.Write(f, ds, opts...); err != nil {
		_ = f.Close()
		return "", err
	}
	return path, f.Close()
}
