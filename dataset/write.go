package dataset

import (
	"fmt"
	"io"

	"github.com/hupe1980/districts/internal/npz"
)

// WriteOption configures Write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	method      npz.Method
	compatTable bool
}

// WithCompression selects the archive entry compression (default deflate).
func WithCompression(m npz.Method) WriteOption {
	return func(o *writeOptions) { o.method = m }
}

// WithoutCompatTables omits the compat_p* tables, leaving readers to derive
// the relation from jbt_ref_comps.
func WithoutCompatTables() WriteOption {
	return func(o *writeOptions) { o.compatTable = false }
}

// Write serializes ds in the archive layout that Decode reads.
func Write(w io.Writer, ds *Dataset, opts ...WriteOption) error {
	o := writeOptions{method: npz.Deflate, compatTable: true}
	for _, fn := range opts {
		fn(&o)
	}

	zw := npz.NewWriter(w, o.method)
	if err := writeArrays(zw, ds, o); err != nil {
		return fmt.Errorf("write dataset: %w", err)
	}
	return zw.Close()
}

func writeArrays(zw *npz.Writer, ds *Dataset, o writeOptions) error {
	masks := make([]uint64, len(ds.placements))
	pops := make([]uint8, len(ds.placements))
	jidx := make([]uint32, len(ds.placements))
	for i, p := range ds.placements {
		masks[i], pops[i], jidx[i] = p.Mask, p.Pop, uint32(p.JType)
	}
	offs := make([]int64, len(ds.offsets))
	for i, v := range ds.offsets {
		offs[i] = int64(v)
	}
	jpop := make([]int32, len(ds.JTypePop))
	for i, p := range ds.JTypePop {
		jpop[i] = int32(p)
	}

	if err := npz.Put(zw, "N", []int32{int32(ds.N)}); err != nil {
		return err
	}
	if err := npz.Put(zw, "M", []int32{int32(len(ds.JTypePop))}); err != nil {
		return err
	}
	if err := npz.Put(zw, "pre_masks", masks); err != nil {
		return err
	}
	if err := npz.Put(zw, "pre_pops", pops); err != nil {
		return err
	}
	if err := npz.Put(zw, "pre_jidx", jidx); err != nil {
		return err
	}
	if err := npz.Put(zw, "pre_offsets", offs); err != nil {
		return err
	}
	if err := npz.Put(zw, "jbt_ref_pop", jpop); err != nil {
		return err
	}
	if ds.JTypeComps != nil {
		flat := make([]uint16, 0, 3*len(ds.JTypeComps))
		for _, c := range ds.JTypeComps {
			flat = append(flat, c[:]...)
		}
		if err := npz.Put(zw, "jbt_ref_comps", flat, len(ds.JTypeComps), 3); err != nil {
			return err
		}
	}
	if o.compatTable {
		return WriteCompatTables(zw, ds.N, ds.JTypePop, ds.Compat)
	}
	return nil
}

// WriteCompatTables stores c as meta_compat_pops plus compat_p{p}_key1/key2
// for p in [1, n/2].
func WriteCompatTables(zw *npz.Writer, n int, pop []uint8, c *Compat) error {
	cpops := make([]int32, 0, n/2)
	for p := 1; p <= n/2; p++ {
		cpops = append(cpops, int32(p))
	}
	if err := npz.Put(zw, "meta_compat_pops", cpops); err != nil {
		return err
	}
	for _, p := range cpops {
		k1, k2 := c.Pairs(pop, int(p))
		if err := npz.Put(zw, fmt.Sprintf("compat_p%d_key1", p), k1); err != nil {
			return err
		}
		if err := npz.Put(zw, fmt.Sprintf("compat_p%d_key2", p), k2); err != nil {
			return err
		}
	}
	return nil
}

// ReadCompatTables is the inverse of WriteCompatTables.
func ReadCompatTables(zr *npz.Reader, n int, pop []uint8) (*Compat, error) {
	return decodeCompat(zr, n, pop)
}
