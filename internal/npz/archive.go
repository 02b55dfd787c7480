package npz

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Method selects how archive entries are compressed.
type Method uint16

const (
	// Store writes entries uncompressed (numpy.savez).
	Store Method = Method(zip.Store)
	// Deflate is the numpy.savez_compressed layout and the default.
	Deflate Method = Method(zip.Deflate)
	// Zstd uses the WinZip zstd method id.
	Zstd Method = Method(zstd.ZipMethodWinZip)
	// LZ4 uses a private method id; such archives are only readable here.
	LZ4 Method = 0x4c34
)

// ParseMethod maps a configuration name to a Method.
func ParseMethod(name string) (Method, error) {
	switch strings.ToLower(name) {
	case "", "deflate":
		return Deflate, nil
	case "store", "none":
		return Store, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	default:
		return 0, fmt.Errorf("npz: unknown compression %q", name)
	}
}

func (m Method) String() string {
	switch m {
	case Store:
		return "store"
	case Deflate:
		return "deflate"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("method(%d)", uint16(m))
	}
}

func lz4Compressor(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

func lz4Decompressor(r io.Reader) io.ReadCloser {
	return io.NopCloser(lz4.NewReader(r))
}

// Writer appends arrays to a zip archive.
type Writer struct {
	zw     *zip.Writer
	method Method
	names  map[string]struct{}
}

// NewWriter returns a Writer that compresses entries with method.
func NewWriter(w io.Writer, method Method) *Writer {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(uint16(Zstd), zstd.ZipCompressor())
	zw.RegisterCompressor(uint16(LZ4), lz4Compressor)
	return &Writer{zw: zw, method: method, names: make(map[string]struct{})}
}

// WriteRaw stores data under the exact entry name.
func (w *Writer) WriteRaw(name string, data []byte) error {
	if _, dup := w.names[name]; dup {
		return fmt.Errorf("npz: duplicate entry %q", name)
	}
	w.names[name] = struct{}{}

	f, err := w.zw.CreateHeader(&zip.FileHeader{Name: name, Method: uint16(w.method)})
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

// Close finishes the central directory. It does not close the underlying writer.
func (w *Writer) Close() error {
	return w.zw.Close()
}

// Put writes data as name.npy with the given shape (default: one dimension).
func Put[T Element](w *Writer, name string, data []T, shape ...int) error {
	raw, err := EncodeArray(data, shape...)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return w.WriteRaw(name+".npy", raw)
}

// Reader gives random access to the entries of an archive.
type Reader struct {
	files map[string]*zip.File
}

// NewReader indexes the archive held by r.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("npz: %w", err)
	}
	zr.RegisterDecompressor(uint16(Zstd), zstd.ZipDecompressor())
	zr.RegisterDecompressor(uint16(LZ4), lz4Decompressor)

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}
	return &Reader{files: files}, nil
}

// Has reports whether the array name exists.
func (r *Reader) Has(name string) bool {
	_, ok := r.files[name+".npy"]
	return ok
}

// Names lists the arrays in the archive in sorted order.
func (r *Reader) Names() []string {
	names := make([]string, 0, len(r.files))
	for n := range r.files {
		if s, ok := strings.CutSuffix(n, ".npy"); ok {
			names = append(names, s)
		}
	}
	sort.Strings(names)
	return names
}

// Raw returns the decompressed bytes of the exact entry name.
func (r *Reader) Raw(name string) ([]byte, error) {
	f, ok := r.files[name]
	if !ok {
		return nil, fmt.Errorf("npz: entry %q: %w", name, ErrMissing)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("npz: entry %q: %w", name, err)
	}
	defer rc.Close()

	buf := bytes.NewBuffer(make([]byte, 0, int(min(f.UncompressedSize64, 1<<30))))
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, fmt.Errorf("npz: entry %q: %w", name, err)
	}
	return buf.Bytes(), nil
}

// Array decodes name.npy.
func (r *Reader) Array(name string) (*Array, error) {
	raw, err := r.Raw(name + ".npy")
	if err != nil {
		return nil, err
	}
	return DecodeArray(name, raw)
}

// Get decodes name.npy and converts it to T.
func Get[T Element](r *Reader, name string) ([]T, []int, error) {
	a, err := r.Array(name)
	if err != nil {
		return nil, nil, err
	}
	v, err := Values[T](a)
	if err != nil {
		return nil, nil, err
	}
	return v, a.Shape, nil
}

// Scalar decodes a rank 0 or single-element array.
func Scalar[T Element](r *Reader, name string) (T, error) {
	v, _, err := Get[T](r, name)
	if err != nil {
		return 0, err
	}
	if len(v) != 1 {
		return 0, fmt.Errorf("%w: %s holds %d values, want 1", ErrFormat, name, len(v))
	}
	return v[0], nil
}
