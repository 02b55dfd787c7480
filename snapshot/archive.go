package snapshot

import (
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/districts/bucket"
	"github.com/hupe1980/districts/codec"
	"github.com/hupe1980/districts/dataset"
	"github.com/hupe1980/districts/internal/npz"
)

const (
	metaEntry   = "meta.json"
	rightPrefix = "right_"
)

// errCorrupt marks archives that decode but contradict themselves.
var errCorrupt = errors.New("corrupt snapshot")

// Encode writes s as an npz archive with entries compressed by method.
// Meta.Compression is overwritten with the method name.
func Encode(w io.Writer, s *Snapshot, method npz.Method) error {
	if err := s.check(); err != nil {
		return err
	}
	meta := s.Meta
	meta.Compression = method.String()
	doc, err := codec.Default.Marshal(meta)
	if err != nil {
		return fmt.Errorf("snapshot: encode meta: %w", err)
	}

	zw := npz.NewWriter(w, method)
	if err := npz.Put(zw, "meta_N", []int32{int32(meta.N)}); err != nil {
		return err
	}
	jpop := make([]int32, len(s.JTypePop))
	for i, p := range s.JTypePop {
		jpop[i] = int32(p)
	}
	if err := npz.Put(zw, "meta_jbt_ref_pop", jpop); err != nil {
		return err
	}
	if err := writeStore(zw, "", s.Left); err != nil {
		return err
	}
	if s.Right != nil {
		if err := writeStore(zw, rightPrefix, s.Right); err != nil {
			return err
		}
	}
	if s.Compat != nil {
		if err := dataset.WriteCompatTables(zw, meta.N, s.JTypePop, s.Compat); err != nil {
			return err
		}
	}
	if err := zw.WriteRaw(metaEntry, doc); err != nil {
		return err
	}
	return zw.Close()
}

func (s *Snapshot) check() error {
	if s.Left == nil {
		return errors.New("snapshot: missing left store")
	}
	if s.Left.N() != s.Meta.N || (s.Right != nil && s.Right.N() != s.Meta.N) {
		return fmt.Errorf("snapshot: store grid size does not match meta n=%d", s.Meta.N)
	}
	if want := 1 + btoi(s.Right != nil); len(s.Meta.Halves) != want {
		return fmt.Errorf("snapshot: meta describes %d halves, have %d stores", len(s.Meta.Halves), want)
	}
	return nil
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

func writeStore(zw *npz.Writer, prefix string, st *bucket.Store) error {
	buckets := st.Buckets()
	keysData := make([]uint8, 0, len(buckets)*2)
	keysIndptr := make([]int64, 1, len(buckets)+1)
	for i := range buckets {
		keysData = append(keysData, buckets[i].Key.Pops()...)
		keysIndptr = append(keysIndptr, int64(len(keysData)))
	}
	if err := npz.Put(zw, prefix+"meta_bucket_keys_data", keysData); err != nil {
		return err
	}
	if err := npz.Put(zw, prefix+"meta_bucket_keys_indptr", keysIndptr); err != nil {
		return err
	}

	for i := range buckets {
		b := &buckets[i]
		data := make([]int32, 0, b.Len()*b.Key.Len())
		indptr := make([]int64, 1, b.Len()+1)
		for _, c := range b.Codes {
			for k := 0; k < c.Len(); k++ {
				data = append(data, int32(c.At(k)))
			}
			indptr = append(indptr, int64(len(data)))
		}
		name := fmt.Sprintf("%sb%d_", prefix, i)
		if err := npz.Put(zw, name+"key", b.Key.Pops()); err != nil {
			return err
		}
		if err := npz.Put(zw, name+"rows_data", data); err != nil {
			return err
		}
		if err := npz.Put(zw, name+"rows_indptr", indptr); err != nil {
			return err
		}
		if err := npz.Put(zw, name+"weights", b.Weights); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads an archive written by Encode. Malformed archives yield an
// *IOError; an unsupported format version yields a *VersionMismatchError.
func Decode(r io.ReaderAt, size int64) (*Snapshot, error) {
	s, err := decode(r, size)
	if err != nil {
		var vm *VersionMismatchError
		if errors.As(err, &vm) {
			return nil, vm
		}
		return nil, &IOError{Op: OpDecode, Err: err}
	}
	return s, nil
}

func decode(r io.ReaderAt, size int64) (*Snapshot, error) {
	zr, err := npz.NewReader(r, size)
	if err != nil {
		return nil, err
	}

	doc, err := zr.Raw(metaEntry)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := codec.Default.Unmarshal(doc, &s.Meta); err != nil {
		return nil, fmt.Errorf("%w: meta.json: %w", errCorrupt, err)
	}
	if s.Meta.FormatVersion != FormatVersion {
		return nil, &VersionMismatchError{
			Field:    "format_version",
			Snapshot: fmt.Sprint(s.Meta.FormatVersion),
			Current:  fmt.Sprint(FormatVersion),
		}
	}
	if s.Meta.WeightEncoding != WeightEncoding {
		return nil, fmt.Errorf("%w: weight encoding %q", errCorrupt, s.Meta.WeightEncoding)
	}

	n, err := npz.Scalar[int64](zr, "meta_N")
	if err != nil {
		return nil, err
	}
	if int(n) != s.Meta.N {
		return nil, fmt.Errorf("%w: meta_N=%d but meta.json n=%d", errCorrupt, n, s.Meta.N)
	}
	if s.JTypePop, _, err = npz.Get[uint8](zr, "meta_jbt_ref_pop"); err != nil {
		return nil, err
	}

	if s.Left, err = readStore(zr, "", s.Meta.N, s.JTypePop); err != nil {
		return nil, err
	}
	if s.Meta.Reflection == ReflectionRerun {
		if s.Right, err = readStore(zr, rightPrefix, s.Meta.N, s.JTypePop); err != nil {
			return nil, err
		}
	}
	if len(s.Meta.Halves) != 1+btoi(s.Right != nil) {
		return nil, fmt.Errorf("%w: meta.json describes %d halves", errCorrupt, len(s.Meta.Halves))
	}
	for i, st := range []*bucket.Store{s.Left, s.Right}[:len(s.Meta.Halves)] {
		if got := describe(st); got != s.Meta.Halves[i] {
			return nil, fmt.Errorf("%w: half %d holds %+v, meta.json says %+v", errCorrupt, i, got, s.Meta.Halves[i])
		}
	}

	if zr.Has("meta_compat_pops") {
		if s.Compat, err = dataset.ReadCompatTables(zr, s.Meta.N, s.JTypePop); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

func readStore(zr *npz.Reader, prefix string, n int, jpop []uint8) (*bucket.Store, error) {
	keysData, _, err := npz.Get[uint8](zr, prefix+"meta_bucket_keys_data")
	if err != nil {
		return nil, err
	}
	keysIndptr, _, err := npz.Get[int64](zr, prefix+"meta_bucket_keys_indptr")
	if err != nil {
		return nil, err
	}
	if err := checkIndptr(keysIndptr, len(keysData)); err != nil {
		return nil, fmt.Errorf("%smeta_bucket_keys_indptr: %w", prefix, err)
	}

	buckets := make([]bucket.Bucket, len(keysIndptr)-1)
	for i := range buckets {
		name := fmt.Sprintf("%sb%d_", prefix, i)
		key, err := bucket.KeyFromPops(keysData[keysIndptr[i]:keysIndptr[i+1]]...)
		if err != nil {
			return nil, fmt.Errorf("%w: %skey: %w", errCorrupt, name, err)
		}
		if own, _, err := npz.Get[uint8](zr, name+"key"); err != nil {
			return nil, err
		} else if k, err := bucket.KeyFromPops(own...); err != nil || k != key {
			return nil, fmt.Errorf("%w: %skey disagrees with the key index", errCorrupt, name)
		}

		data, _, err := npz.Get[int32](zr, name+"rows_data")
		if err != nil {
			return nil, err
		}
		indptr, _, err := npz.Get[int64](zr, name+"rows_indptr")
		if err != nil {
			return nil, err
		}
		weights, _, err := npz.Get[uint64](zr, name+"weights")
		if err != nil {
			return nil, err
		}
		if err := checkIndptr(indptr, len(data)); err != nil {
			return nil, fmt.Errorf("%srows_indptr: %w", name, err)
		}
		if len(weights) != len(indptr)-1 {
			return nil, fmt.Errorf("%w: %sweights has %d entries for %d rows", errCorrupt, name, len(weights), len(indptr)-1)
		}

		b := bucket.Bucket{Key: key, Codes: make([]bucket.Code, len(weights)), Weights: weights}
		ids := make([]uint16, 0, bucket.MaxCrossing)
		for r := range b.Codes {
			ids = ids[:0]
			for _, j := range data[indptr[r]:indptr[r+1]] {
				if j < 0 || int(j) >= len(jpop) {
					return nil, fmt.Errorf("%w: %srows_data row %d: j-type %d outside [0, %d)", errCorrupt, name, r, j, len(jpop))
				}
				ids = append(ids, uint16(j))
			}
			c, err := bucket.CodeOf(ids...)
			if err != nil {
				return nil, fmt.Errorf("%w: %srows_data row %d: %w", errCorrupt, name, r, err)
			}
			if bucket.KeyOf(c, jpop) != key {
				return nil, fmt.Errorf("%w: %srows_data row %d: code %s does not belong to key %s", errCorrupt, name, r, c, key)
			}
			b.Codes[r] = c
		}
		buckets[i] = b
	}

	st, err := bucket.NewStore(n, buckets)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCorrupt, err)
	}
	return st, nil
}

func checkIndptr(indptr []int64, size int) error {
	if len(indptr) == 0 || indptr[0] != 0 || indptr[len(indptr)-1] != int64(size) {
		return fmt.Errorf("%w: offsets must run from 0 to %d", errCorrupt, size)
	}
	for i := 1; i < len(indptr); i++ {
		if indptr[i] < indptr[i-1] {
			return fmt.Errorf("%w: offsets decrease at %d", errCorrupt, i)
		}
	}
	return nil
}
