package npz

import (
	"bytes"
	"math"
	"testing"

	"github.com/sbinet/npyio/npy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeArray_HeaderAlignment(t *testing.T) {
	for _, shape := range [][]int{{2, 3}, {0, 3}, {}} {
		n := 1
		for _, d := range shape {
			n *= d
		}
		raw, err := EncodeArray(make([]int32, n), shape...)
		require.NoError(t, err)

		hlen := int(raw[8]) | int(raw[9])<<8
		assert.Zero(t, (10+hlen)%64, "shape %v", shape)
		assert.Equal(t, byte('\n'), raw[10+hlen-1])
		assert.Len(t, raw, 10+hlen+4*n)
	}
}

func TestEncodeArray_ReadableByNpy(t *testing.T) {
	raw, err := EncodeArray([]uint16{7, 8, 9})
	require.NoError(t, err)

	var got []uint16
	require.NoError(t, npy.Read(bytes.NewReader(raw), &got))
	assert.Equal(t, []uint16{7, 8, 9}, got)

	r, err := npy.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, []int{3}, r.Header.Descr.Shape)
}

func TestValues_WidensAcrossDtypes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, npy.Write(&buf, []int8{-128, 0, 127}))
	a, err := DecodeArray("narrow", buf.Bytes())
	require.NoError(t, err)

	wide, err := Values[int64](a)
	require.NoError(t, err)
	assert.Equal(t, []int64{-128, 0, 127}, wide)

	_, err = Values[uint64](a)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestEncodeArray_ShapeMismatch(t *testing.T) {
	_, err := EncodeArray([]uint8{1, 2, 3}, 2, 2)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestDecodeArray_NumpyHeader(t *testing.T) {
	// Header exactly as numpy 1.x writes it for np.array([1, -2], dtype='<i8').
	dict := "{'descr': '<i8', 'fortran_order': False, 'shape': (2,), }"
	pad := 64 - (10+len(dict)+1)%64
	hdr := dict + string(bytes.Repeat([]byte{' '}, pad)) + "\n"

	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY\x01\x00")
	buf.WriteByte(byte(len(hdr)))
	buf.WriteByte(byte(len(hdr) >> 8))
	buf.WriteString(hdr)
	buf.Write([]byte{1, 0, 0, 0, 0, 0, 0, 0})
	buf.Write([]byte{0xfe, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})

	a, err := DecodeArray("x", buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []int{2}, a.Shape)

	v, err := Values[int32](a)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, -2}, v)

	_, err = Values[uint32](a)
	assert.ErrorIs(t, err, ErrFormat, "negative values must not convert to unsigned")
}

func TestValues_Conversions(t *testing.T) {
	raw, err := EncodeArray([]uint64{0, 255, 256})
	require.NoError(t, err)
	a, err := DecodeArray("u", raw)
	require.NoError(t, err)

	v16, err := Values[uint16](a)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 255, 256}, v16)

	_, err = Values[uint8](a)
	assert.ErrorIs(t, err, ErrFormat)

	raw, err = EncodeArray([]int64{math.MinInt64, math.MaxInt64})
	require.NoError(t, err)
	a, err = DecodeArray("i", raw)
	require.NoError(t, err)
	v64, err := Values[int64](a)
	require.NoError(t, err)
	assert.Equal(t, []int64{math.MinInt64, math.MaxInt64}, v64)
}

func TestDecodeArray_Rejects(t *testing.T) {
	_, err := DecodeArray("bad", []byte("not numpy"))
	assert.ErrorIs(t, err, ErrFormat)

	raw := encodeHeader("<f8", []int{1})
	raw = append(raw, make([]byte, 8)...)
	_, err = DecodeArray("float", raw)
	assert.ErrorIs(t, err, ErrFormat)

	raw = encodeHeader(">i4", []int{1})
	raw = append(raw, make([]byte, 4)...)
	_, err = DecodeArray("bigendian", raw)
	assert.ErrorIs(t, err, ErrFormat)

	raw = encodeHeader("<i4", []int{4})
	_, err = DecodeArray("short", raw)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestArchive_RoundTrip(t *testing.T) {
	for _, m := range []Method{Store, Deflate, Zstd, LZ4} {
		t.Run(m.String(), func(t *testing.T) {
			var buf bytes.Buffer
			w := NewWriter(&buf, m)
			require.NoError(t, Put(w, "N", []int32{4}))
			require.NoError(t, Put(w, "masks", []uint64{1, 1 << 40, math.MaxUint64}))
			require.NoError(t, Put(w, "comps", []uint16{1, 2, 3, 4, 5, 6}, 2, 3))
			require.NoError(t, w.WriteRaw("meta.json", []byte(`{"n":4}`)))
			require.Error(t, Put(w, "N", []int32{5}), "duplicate entries are rejected")
			require.NoError(t, w.Close())

			r, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
			require.NoError(t, err)

			assert.Equal(t, []string{"N", "comps", "masks"}, r.Names())
			assert.True(t, r.Has("masks"))
			assert.False(t, r.Has("meta.json"))

			n, err := Scalar[int64](r, "N")
			require.NoError(t, err)
			assert.Equal(t, int64(4), n)

			masks, _, err := Get[uint64](r, "masks")
			require.NoError(t, err)
			assert.Equal(t, []uint64{1, 1 << 40, math.MaxUint64}, masks)

			comps, shape, err := Get[uint16](r, "comps")
			require.NoError(t, err)
			assert.Equal(t, []int{2, 3}, shape)
			assert.Equal(t, []uint16{1, 2, 3, 4, 5, 6}, comps)

			meta, err := r.Raw("meta.json")
			require.NoError(t, err)
			assert.JSONEq(t, `{"n":4}`, string(meta))

			_, err = r.Array("missing")
			assert.ErrorIs(t, err, ErrMissing)
		})
	}
}

func TestParseMethod(t *testing.T) {
	for name, want := range map[string]Method{"": Deflate, "deflate": Deflate, "store": Store, "ZSTD": Zstd, "lz4": LZ4} {
		got, err := ParseMethod(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMethod("brotli")
	assert.Error(t, err)
}
