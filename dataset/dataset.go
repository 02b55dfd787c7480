// Package dataset loads the precomputed legality and compatibility tables
// that drive the half-grid enumeration and the matcher.
//
// A dataset archive is a NumPy .npz file. Placements are stored in CSR
// form per root cell; each placement is a set of cells covering either a
// complete district (population N) or the part of a district that crosses
// the cut, tagged with its j-type.
package dataset

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/bits"

	"github.com/hupe1980/districts/internal/grid"
	"github.com/hupe1980/districts/internal/npz"
	"github.com/hupe1980/districts/persistence"
)

// MaxJTypes is the number of distinct j-type ids a code can address.
const MaxJTypes = 1 << 16

// ErrInvalidDataset is wrapped by every LoadError.
var ErrInvalidDataset = errors.New("invalid dataset")

// LoadError reports a missing or malformed dataset archive.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type LoadError struct {
	Path  string
	cause error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("dataset: %v", e.cause)
	}
	return fmt.Sprintf("dataset %s: %v", e.Path, e.cause)
}

func (e *LoadError) Unwrap() error { return e.cause }

// Is makes every LoadError match ErrInvalidDataset.
func (e *LoadError) Is(target error) bool { return target == ErrInvalidDataset }

// Placement is one legal move at a root: the cells it covers, how many there
// are, and the boundary class when the district is not complete.
type Placement struct {
	Mask  uint64
	Pop   uint8
	JType uint16
}

// Dataset is the immutable, validated content of an archive.
type Dataset struct {
	// N is the grid size and the population of every district.
	N int
	// JTypePop is the population of each j-type.
	JTypePop []uint8
	// JTypeComps holds the cut-row component masks, or nil when absent.
	JTypeComps [][3]uint16
	// Compat is the compatibility relation (never nil).
	Compat *Compat
	// CompatSource tells how Compat was obtained.
	CompatSource CompatSource
	// Version is the hex SHA-256 of the archive bytes; empty for datasets
	// assembled in memory.
	Version string

	geo        grid.Geometry
	offsets    []int
	placements []Placement
}

// New assembles and validates a dataset from per-root placement lists.
// A nil compat is derived from comps when present, otherwise left empty.
func New(n int, roots [][]Placement, jtypePop []uint8, comps [][3]uint16, compat *Compat) (*Dataset, error) {
	ds := &Dataset{N: n, JTypePop: jtypePop, JTypeComps: comps, Compat: compat}
	ds.offsets = make([]int, 1, len(roots)+1)
	for _, ps := range roots {
		ds.placements = append(ds.placements, ps...)
		ds.offsets = append(ds.offsets, len(ds.placements))
	}
	if err := ds.finish(); err != nil {
		return nil, &LoadError{cause: err}
	}
	return ds, nil
}

// Load reads and validates the archive at path.
func Load(ctx context.Context, path string) (*Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := persistence.ReadFile(nil, path)
	if err != nil {
		return nil, &LoadError{Path: path, cause: err}
	}
	sum := sha256.Sum256(raw)
	ds, err := Decode(bytes.NewReader(raw), int64(len(raw)), hex.EncodeToString(sum[:]))
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.Path = path
			return nil, le
		}
		return nil, &LoadError{Path: path, cause: err}
	}
	return ds, nil
}

// Decode parses an archive. version is recorded as the dataset version.
func Decode(r io.ReaderAt, size int64, version string) (*Dataset, error) {
	zr, err := npz.NewReader(r, size)
	if err != nil {
		return nil, &LoadError{cause: err}
	}
	ds, err := decode(zr)
	if err != nil {
		return nil, &LoadError{cause: err}
	}
	ds.Version = version
	return ds, nil
}

func decode(zr *npz.Reader) (*Dataset, error) {
	n, err := npz.Scalar[int64](zr, "N")
	if err != nil {
		return nil, err
	}
	m, err := npz.Scalar[int64](zr, "M")
	if err != nil {
		return nil, err
	}
	if m < 0 || m > MaxJTypes {
		return nil, fmt.Errorf("M=%d outside [0, %d]", m, MaxJTypes)
	}
	if n < 2 || n > grid.MaxN {
		return nil, fmt.Errorf("N=%d outside [2, %d]", n, grid.MaxN)
	}

	masks, _, err := npz.Get[uint64](zr, "pre_masks")
	if err != nil {
		return nil, err
	}
	pops, _, err := npz.Get[uint8](zr, "pre_pops")
	if err != nil {
		return nil, err
	}
	jidx, _, err := npz.Get[uint32](zr, "pre_jidx")
	if err != nil {
		return nil, err
	}
	offs, _, err := npz.Get[int64](zr, "pre_offsets")
	if err != nil {
		return nil, err
	}
	jpop, _, err := npz.Get[uint8](zr, "jbt_ref_pop")
	if err != nil {
		return nil, err
	}
	if int64(len(jpop)) != m {
		return nil, fmt.Errorf("jbt_ref_pop has %d entries, want M=%d", len(jpop), m)
	}
	if len(pops) != len(masks) || len(jidx) != len(masks) {
		return nil, fmt.Errorf("pre_* arrays have mismatched lengths: masks=%d pops=%d jidx=%d",
			len(masks), len(pops), len(jidx))
	}

	ds := &Dataset{N: int(n), JTypePop: jpop}
	ds.offsets = make([]int, len(offs))
	for i, o := range offs {
		if o < 0 || o > int64(len(masks)) {
			return nil, fmt.Errorf("pre_offsets[%d]=%d outside [0, %d]", i, o, len(masks))
		}
		ds.offsets[i] = int(o)
	}
	ds.placements = make([]Placement, len(masks))
	for i := range masks {
		p := Placement{Mask: masks[i], Pop: pops[i]}
		if int(p.Pop) < ds.N {
			if jidx[i] >= uint32(m) {
				return nil, fmt.Errorf("placement %d: j-type %d outside [0, %d)", i, jidx[i], m)
			}
			p.JType = uint16(jidx[i])
		}
		ds.placements[i] = p
	}

	if zr.Has("jbt_ref_comps") {
		raw, shape, err := npz.Get[uint16](zr, "jbt_ref_comps")
		if err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if len(shape) != 2 || shape[1] != 3 || int64(shape[0]) != m {
				return nil, fmt.Errorf("jbt_ref_comps has shape %v, want (%d, 3)", shape, m)
			}
			ds.JTypeComps = make([][3]uint16, m)
			for j := range ds.JTypeComps {
				copy(ds.JTypeComps[j][:], raw[3*j:3*j+3])
			}
		}
	}

	if zr.Has("meta_compat_pops") {
		ds.Compat, err = decodeCompat(zr, ds.N, jpop)
		if err != nil {
			return nil, err
		}
		ds.CompatSource = CompatFromTables
	}

	if err := ds.finish(); err != nil {
		return nil, err
	}
	return ds, nil
}

func decodeCompat(zr *npz.Reader, n int, jpop []uint8) (*Compat, error) {
	cpops, _, err := npz.Get[int32](zr, "meta_compat_pops")
	if err != nil {
		return nil, err
	}
	c := NewCompat(len(jpop))
	for _, p := range cpops {
		k1, _, err := npz.Get[int32](zr, fmt.Sprintf("compat_p%d_key1", p))
		if err != nil {
			return nil, err
		}
		k2, _, err := npz.Get[int32](zr, fmt.Sprintf("compat_p%d_key2", p))
		if err != nil {
			return nil, err
		}
		if len(k1) != len(k2) {
			return nil, fmt.Errorf("compat_p%d: key1 has %d entries, key2 has %d", p, len(k1), len(k2))
		}
		for i := range k1 {
			j, x := k1[i], k2[i]
			if j < 0 || int(j) >= len(jpop) || x < 0 || int(x) >= len(jpop) {
				return nil, fmt.Errorf("compat_p%d[%d]: pair (%d, %d) outside [0, %d)", p, i, j, x, len(jpop))
			}
			if int(jpop[j]) != int(p) || int(jpop[j])+int(jpop[x]) != n {
				return nil, fmt.Errorf("compat_p%d[%d]: pair (%d, %d) has populations (%d, %d)",
					p, i, j, x, jpop[j], jpop[x])
			}
			c.Add(uint16(j), uint16(x))
		}
	}
	return c, nil
}

// finish validates the dataset and resolves the compatibility relation.
func (ds *Dataset) finish() error {
	geo, err := grid.New(ds.N)
	if err != nil {
		return err
	}
	ds.geo = geo

	if len(ds.JTypePop) > MaxJTypes {
		return fmt.Errorf("%d j-types exceed the limit of %d", len(ds.JTypePop), MaxJTypes)
	}
	for j, p := range ds.JTypePop {
		if int(p) >= ds.N {
			return fmt.Errorf("j-type %d has population %d, want less than %d", j, p, ds.N)
		}
	}
	if ds.JTypeComps != nil && len(ds.JTypeComps) != len(ds.JTypePop) {
		return fmt.Errorf("%d component rows for %d j-types", len(ds.JTypeComps), len(ds.JTypePop))
	}

	roots := geo.Cells()
	if len(ds.offsets) != roots+1 {
		return fmt.Errorf("pre_offsets has %d entries, want %d", len(ds.offsets), roots+1)
	}
	if ds.offsets[0] != 0 || ds.offsets[roots] != len(ds.placements) {
		return fmt.Errorf("pre_offsets must span [0, %d], got [%d, %d]",
			len(ds.placements), ds.offsets[0], ds.offsets[roots])
	}
	for root := 0; root < roots; root++ {
		lo, hi := ds.offsets[root], ds.offsets[root+1]
		if lo > hi {
			return fmt.Errorf("pre_offsets decreases at root %d", root)
		}
		for i := lo; i < hi; i++ {
			if err := ds.checkPlacement(root, ds.placements[i]); err != nil {
				return fmt.Errorf("placement %d: %w", i, err)
			}
		}
	}

	if ds.Compat == nil {
		switch {
		case ds.JTypeComps != nil:
			ds.Compat, err = DeriveCompat(ds.N, ds.JTypePop, ds.JTypeComps)
			if err != nil {
				return err
			}
			ds.CompatSource = CompatDerived
		default:
			ds.Compat = NewCompat(len(ds.JTypePop))
			ds.CompatSource = CompatNone
		}
	} else if ds.CompatSource == "" {
		ds.CompatSource = CompatFromTables
	}
	if ds.Compat.Size() != len(ds.JTypePop) {
		return fmt.Errorf("compat covers %d j-types, want %d", ds.Compat.Size(), len(ds.JTypePop))
	}
	return nil
}

func (ds *Dataset) checkPlacement(root int, p Placement) error {
	switch {
	case p.Mask&^ds.geo.HalfMask() != 0:
		return fmt.Errorf("mask %#x leaves the half grid", p.Mask)
	case p.Mask&(uint64(1)<<uint(root)) == 0 || bits.TrailingZeros64(p.Mask) != root:
		return fmt.Errorf("mask %#x is not rooted at cell %d", p.Mask, root)
	case bits.OnesCount64(p.Mask) != int(p.Pop):
		return fmt.Errorf("mask %#x has %d cells, population says %d", p.Mask, bits.OnesCount64(p.Mask), p.Pop)
	case p.Pop == 0 || int(p.Pop) > ds.N:
		return fmt.Errorf("population %d outside [1, %d]", p.Pop, ds.N)
	case int(p.Pop) < ds.N && int(p.JType) >= len(ds.JTypePop):
		return fmt.Errorf("j-type %d outside [0, %d)", p.JType, len(ds.JTypePop))
	case int(p.Pop) < ds.N && ds.JTypePop[p.JType] != p.Pop:
		return fmt.Errorf("population %d disagrees with j-type %d (population %d)",
			p.Pop, p.JType, ds.JTypePop[p.JType])
	case int(p.Pop) == ds.N && !ds.geo.Connected(p.Mask):
		return fmt.Errorf("district %#x is not connected", p.Mask)
	}
	if int(p.Pop) == ds.N {
		return nil
	}

	// A crossing district may be split on the half, but every piece must
	// reach the cut column to be joined on the other side.
	comps := ds.geo.Components(p.Mask)
	if len(comps) > 3 {
		return fmt.Errorf("mask %#x has %d pieces, at most 3 allowed", p.Mask, len(comps))
	}
	for _, c := range comps {
		if c&ds.geo.CutMask() == 0 {
			return fmt.Errorf("piece %#x of mask %#x does not reach the cut column", c, p.Mask)
		}
	}
	return nil
}

// Geometry returns the half-grid geometry for N.
func (ds *Dataset) Geometry() grid.Geometry { return ds.geo }

// NumRoots returns the number of root cells.
func (ds *Dataset) NumRoots() int { return len(ds.offsets) - 1 }

// NumPlacements returns the total number of placements.
func (ds *Dataset) NumPlacements() int { return len(ds.placements) }

// NumJTypes returns M.
func (ds *Dataset) NumJTypes() int { return len(ds.JTypePop) }

// PlacementsAt returns the placements rooted at cell root. Callers must not modify them.
func (ds *Dataset) PlacementsAt(root int) []Placement {
	return ds.placements[ds.offsets[root]:ds.offsets[root+1]]
}
