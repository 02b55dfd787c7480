package snapshot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/districts/blobstore"
	"github.com/hupe1980/districts/bucket"
	"github.com/hupe1980/districts/dataset"
	"github.com/hupe1980/districts/internal/enumerate"
	"github.com/hupe1980/districts/internal/fs"
	"github.com/hupe1980/districts/internal/npz"
	"github.com/hupe1980/districts/persistence"
	"github.com/hupe1980/districts/resource"
	"github.com/hupe1980/districts/testutil"
)

func phase1(t *testing.T, n int) (*dataset.Dataset, *bucket.Store) {
	t.Helper()
	ds, err := testutil.BuildDataset(n)
	require.NoError(t, err)
	ds.Version = "fixture-v1"
	store, _, err := enumerate.Run(context.Background(), ds, enumerate.Config{Workers: 2})
	require.NoError(t, err)
	return ds, store
}

func encode(t *testing.T, s *Snapshot, m npz.Method) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, s, m))
	return buf.Bytes()
}

func decodeBytes(raw []byte) (*Snapshot, error) {
	return Decode(bytes.NewReader(raw), int64(len(raw)))
}

func TestRoundTrip(t *testing.T) {
	ds, store := phase1(t, 4)

	for _, m := range []npz.Method{npz.Store, npz.Deflate, npz.Zstd, npz.LZ4} {
		t.Run(m.String(), func(t *testing.T) {
			snap, err := New(ds, ReflectionReuse, store, nil)
			require.NoError(t, err)

			got, err := decodeBytes(encode(t, snap, m))
			require.NoError(t, err)

			assert.True(t, store.Equal(got.Left))
			assert.Nil(t, got.Right)
			assert.Equal(t, ds.JTypePop, got.JTypePop)
			require.NotNil(t, got.Compat)
			assert.True(t, compatEqual(ds.Compat, got.Compat))

			assert.Equal(t, m.String(), got.Meta.Compression)
			assert.Equal(t, snap.Meta.RunID, got.Meta.RunID)
			assert.True(t, snap.Meta.CreatedAt.Equal(got.Meta.CreatedAt))
			assert.Equal(t, snap.Meta.Halves, got.Meta.Halves)
			assert.Equal(t, store.TotalWeight().String(), got.Meta.Halves[0].TotalWeight)
			assert.NoError(t, got.Verify(ds, ReflectionReuse))
		})
	}
}

func TestRoundTrip_Rerun(t *testing.T) {
	ds, left := phase1(t, 4)
	_, right := phase1(t, 4)

	snap, err := New(ds, ReflectionRerun, left, right)
	require.NoError(t, err)
	got, err := decodeBytes(encode(t, snap, npz.Deflate))
	require.NoError(t, err)

	assert.True(t, left.Equal(got.Left))
	require.NotNil(t, got.Right)
	assert.True(t, right.Equal(got.Right))
	assert.Len(t, got.Meta.Halves, 2)
	assert.NoError(t, got.Verify(ds, ReflectionRerun))
}

func TestRoundTrip_ExactLargeWeights(t *testing.T) {
	k, err := bucket.KeyFromPops(1, 1)
	require.NoError(t, err)
	c, err := bucket.CodeOf(0, 1)
	require.NoError(t, err)
	store, err := bucket.NewStore(2, []bucket.Bucket{
		{Key: bucket.PopKey{}, Codes: []bucket.Code{{}}, Weights: []uint64{1<<64 - 1}},
		{Key: k, Codes: []bucket.Code{c}, Weights: []uint64{1<<53 + 1}},
	})
	require.NoError(t, err)
	ds, err := testutil.BuildDataset(2)
	require.NoError(t, err)

	snap, err := New(ds, ReflectionReuse, store, nil)
	require.NoError(t, err)
	got, err := decodeBytes(encode(t, snap, npz.Zstd))
	require.NoError(t, err)
	assert.True(t, store.Equal(got.Left))
	assert.Equal(t, "18446744073709551615", got.Left.Buckets()[0].TotalWeight().String())
}

func TestNew_Validation(t *testing.T) {
	ds, store := phase1(t, 2)

	_, err := New(ds, ReflectionReuse, nil, nil)
	assert.Error(t, err)
	_, err = New(ds, ReflectionReuse, store, store)
	assert.Error(t, err)
	_, err = New(ds, ReflectionRerun, store, nil)
	assert.Error(t, err)
}

func TestVerify_Mismatch(t *testing.T) {
	ds, store := phase1(t, 4)
	snap, err := New(ds, ReflectionReuse, store, nil)
	require.NoError(t, err)
	got, err := decodeBytes(encode(t, snap, npz.Deflate))
	require.NoError(t, err)

	small, err := testutil.BuildDataset(2)
	require.NoError(t, err)

	cases := map[string]struct {
		ds         func() *dataset.Dataset
		reflection Reflection
		field      string
	}{
		"n": {
			ds:         func() *dataset.Dataset { return small },
			reflection: ReflectionReuse,
			field:      "n",
		},
		"dataset version": {
			ds: func() *dataset.Dataset {
				other := *ds
				other.Version = "fixture-v2"
				return &other
			},
			reflection: ReflectionReuse,
			field:      "dataset_version",
		},
		"reflection": {
			ds:         func() *dataset.Dataset { return ds },
			reflection: ReflectionRerun,
			field:      "reflection",
		},
		"jbt_ref_pop": {
			ds: func() *dataset.Dataset {
				other := *ds
				other.JTypePop = slices.Clone(ds.JTypePop)
				other.JTypePop[0]++
				return &other
			},
			reflection: ReflectionReuse,
			field:      "jbt_ref_pop",
		},
		"compat": {
			ds: func() *dataset.Dataset {
				other := *ds
				other.Compat = dataset.NewCompat(len(ds.JTypePop))
				return &other
			},
			reflection: ReflectionReuse,
			field:      "compat",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := got.Verify(tc.ds(), tc.reflection)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrVersionMismatch)

			var vm *VersionMismatchError
			require.True(t, errors.As(err, &vm))
			assert.Equal(t, tc.field, vm.Field)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	ds, store := phase1(t, 2)

	t.Run("not an archive", func(t *testing.T) {
		_, err := decodeBytes([]byte("definitely not a zip"))
		assert.ErrorIs(t, err, ErrSnapshotIO)
	})

	t.Run("meta disagrees with buckets", func(t *testing.T) {
		snap, err := New(ds, ReflectionReuse, store, nil)
		require.NoError(t, err)
		snap.Meta.Halves[0].TotalWeight = "12345"
		_, err = decodeBytes(encode(t, snap, npz.Deflate))
		assert.ErrorIs(t, err, ErrSnapshotIO)
		assert.ErrorIs(t, err, errCorrupt)
	})

	t.Run("future format", func(t *testing.T) {
		snap, err := New(ds, ReflectionReuse, store, nil)
		require.NoError(t, err)
		snap.Meta.FormatVersion = FormatVersion + 1
		_, err = decodeBytes(encode(t, snap, npz.Deflate))
		assert.ErrorIs(t, err, ErrVersionMismatch)
	})

	t.Run("missing meta", func(t *testing.T) {
		var buf bytes.Buffer
		zw := npz.NewWriter(&buf, npz.Deflate)
		require.NoError(t, npz.Put(zw, "meta_N", []int32{2}))
		require.NoError(t, zw.Close())
		_, err := decodeBytes(buf.Bytes())
		assert.ErrorIs(t, err, ErrSnapshotIO)
		assert.ErrorIs(t, err, npz.ErrMissing)
	})
}

func TestParseReflection(t *testing.T) {
	r, err := ParseReflection("")
	require.NoError(t, err)
	assert.Equal(t, ReflectionReuse, r)
	r, err = ParseReflection("rerun")
	require.NoError(t, err)
	assert.Equal(t, ReflectionRerun, r)
	_, err = ParseReflection("mirror")
	assert.Error(t, err)
}

func TestController_SaveLoad(t *testing.T) {
	ds, store := phase1(t, 4)
	path := filepath.Join(t.TempDir(), "runs", "n4_snapshot.npz")

	gov := resource.NewController(resource.Config{IOLimitBytesPerSec: 64 << 20})
	c := NewController(WithCompression(npz.Zstd), WithGovernor(gov))
	snap, err := New(ds, ReflectionReuse, store, nil)
	require.NoError(t, err)

	info, err := c.Save(context.Background(), path, snap)
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(raw)), info.Size)
	assert.NoError(t, persistence.VerifyChecksum(raw, info.CRC32))

	got, err := c.Load(context.Background(), path, ds, ReflectionReuse)
	require.NoError(t, err)
	assert.True(t, store.Equal(got.Left))
	assert.Equal(t, "zstd", got.Meta.Compression)

	_, err = c.Load(context.Background(), path, ds, ReflectionRerun)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestController_MissingFile(t *testing.T) {
	ds, _ := phase1(t, 2)
	path := filepath.Join(t.TempDir(), "missing.npz")

	_, err := NewController().Load(context.Background(), path, ds, ReflectionReuse)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSnapshotIO)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestController_FailedWriteKeepsPreviousSnapshot(t *testing.T) {
	ds, store := phase1(t, 4)
	dir := t.TempDir()
	path := filepath.Join(dir, "n4_snapshot.npz")

	require.NoError(t, os.WriteFile(path, []byte("previous"), 0o644))

	cases := map[string]fs.Fault{
		"write":  {FailAfterBytes: 100},
		"sync":   {FailAfterBytes: -1, FailOnSync: true},
		"rename": {FailAfterBytes: -1, FailOnRename: true},
	}
	for name, fault := range cases {
		t.Run(name, func(t *testing.T) {
			faulty := fs.NewFaultyFS(nil)
			faulty.AddRule(".tmp-", fault)

			snap, err := New(ds, ReflectionReuse, store, nil)
			require.NoError(t, err)
			_, err = NewController(WithFileSystem(faulty)).Save(context.Background(), path, snap)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSnapshotIO)
			assert.ErrorIs(t, err, fs.ErrInjected)

			var ioe *IOError
			require.True(t, errors.As(err, &ioe))
			assert.Equal(t, OpWrite, ioe.Op)

			got, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, "previous", string(got))

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestController_RemoteMirror(t *testing.T) {
	ds, store := phase1(t, 4)
	remote := blobstore.NewMemoryStore()
	path := filepath.Join(t.TempDir(), "n4_snapshot.npz")
	c := NewController(WithRemote(remote))
	ctx := context.Background()

	snap, err := New(ds, ReflectionReuse, store, nil)
	require.NoError(t, err)
	_, err = c.Save(ctx, path, snap)
	require.NoError(t, err)

	names, err := remote.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"n4_snapshot.npz", "n4_snapshot.npz.crc32"}, names)

	// Local copy lost: the next load fetches the mirror.
	require.NoError(t, os.Remove(path))
	got, err := c.Load(ctx, path, ds, ReflectionReuse)
	require.NoError(t, err)
	assert.True(t, store.Equal(got.Left))
	assert.FileExists(t, path)
}

func TestController_RemoteChecksumMismatch(t *testing.T) {
	ds, store := phase1(t, 2)
	remote := blobstore.NewMemoryStore()
	path := filepath.Join(t.TempDir(), "n2_snapshot.npz")
	c := NewController(WithRemote(remote))
	ctx := context.Background()

	snap, err := New(ds, ReflectionReuse, store, nil)
	require.NoError(t, err)
	_, err = c.Save(ctx, path, snap)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	raw, ok := remote.Bytes("n2_snapshot.npz")
	require.True(t, ok)
	raw[len(raw)/2] ^= 0xff
	require.NoError(t, remote.Put(ctx, "n2_snapshot.npz", bytes.NewReader(raw)))

	_, err = c.Load(ctx, path, ds, ReflectionReuse)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSnapshotIO)

	var mismatch *persistence.ChecksumMismatchError
	assert.True(t, errors.As(err, &mismatch))
	assert.NoFileExists(t, path)
}

func TestController_MirrorFailureKeepsLocalFile(t *testing.T) {
	ds, store := phase1(t, 2)
	path := filepath.Join(t.TempDir(), "n2_snapshot.npz")

	snap, err := New(ds, ReflectionReuse, store, nil)
	require.NoError(t, err)
	_, err = NewController(WithRemote(failingStore{})).Save(context.Background(), path, snap)
	require.Error(t, err)

	var ioe *IOError
	require.True(t, errors.As(err, &ioe))
	assert.Equal(t, OpMirror, ioe.Op)
	assert.FileExists(t, path)
}

type failingStore struct{ blobstore.Store }

func (failingStore) Put(context.Context, string, io.Reader) error {
	return errors.New("remote unavailable")
}
