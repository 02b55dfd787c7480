// Package npz reads and writes NumPy .npy arrays and .npz archives.
//
// Arrays go through github.com/sbinet/npyio. This package adds the zip
// container, range-checked conversion between integer dtypes and rank-2
// headers. Only C-ordered little-endian integer arrays of rank 0, 1 or 2
// are accepted.
package npz

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sbinet/npyio/npy"
)

var npyMagic = []byte("\x93NUMPY")

var (
	// ErrFormat is returned for malformed or unsupported array data.
	ErrFormat = errors.New("npz: unsupported or malformed array")
	// ErrMissing is returned when an archive lacks a requested entry.
	ErrMissing = errors.New("entry not found")
)

// Element is the set of Go types that map to NumPy integer dtypes.
type Element interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64
}

// Array is a decoded .npy file, widened to 64 bits.
type Array struct {
	Name  string
	Descr string
	Shape []int

	signed bool
	ints   []int64
	uints  []uint64
}

// Len returns the number of elements.
func (a *Array) Len() int {
	if a.signed {
		return len(a.ints)
	}
	return len(a.uints)
}

func descrOf[T Element]() string {
	var zero T
	switch any(zero).(type) {
	case int8:
		return "|i1"
	case int16:
		return "<i2"
	case int32:
		return "<i4"
	case int64:
		return "<i8"
	case uint8:
		return "|u1"
	case uint16:
		return "<u2"
	case uint32:
		return "<u4"
	default:
		return "<u8"
	}
}

// encodeHeader builds a version 1 header. npy.Write only emits shape
// (len,) for integer slices, so rank 0 and rank 2 arrays need their own.
func encodeHeader(descr string, shape []int) []byte {
	var sb strings.Builder
	sb.WriteString("{'descr': '")
	sb.WriteString(descr)
	sb.WriteString("', 'fortran_order': False, 'shape': (")
	for i, d := range shape {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(strconv.Itoa(d))
	}
	if len(shape) == 1 {
		sb.WriteString(",")
	}
	sb.WriteString("), }")

	dict := sb.String()
	// magic(6) + version(2) + length(2) + dict + '\n', padded to 64 bytes.
	total := len(npyMagic) + 4 + len(dict) + 1
	pad := (64 - total%64) % 64
	hlen := len(dict) + pad + 1

	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(hlen))
	buf.WriteString(dict)
	buf.WriteString(strings.Repeat(" ", pad))
	buf.WriteByte('\n')
	return buf.Bytes()
}

// EncodeArray serializes data as a complete .npy file.
func EncodeArray[T Element](data []T, shape ...int) ([]byte, error) {
	if len(shape) == 0 {
		shape = []int{len(data)}
	}
	if len(shape) > 2 {
		return nil, fmt.Errorf("%w: rank %d", ErrFormat, len(shape))
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative dimension %d", ErrFormat, d)
		}
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v does not hold %d elements", ErrFormat, shape, len(data))
	}

	var buf bytes.Buffer
	if len(shape) == 1 {
		if err := npy.Write(&buf, data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		return buf.Bytes(), nil
	}
	buf.Write(encodeHeader(descrOf[T](), shape))
	if err := binary.Write(&buf, binary.LittleEndian, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeArray parses a complete .npy file.
func DecodeArray(name string, raw []byte) (*Array, error) {
	r, err := npy.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFormat, name, err)
	}
	hdr := r.Header.Descr
	a := &Array{Name: name, Descr: hdr.Type, Shape: hdr.Shape}
	if len(a.Shape) > 2 {
		return nil, fmt.Errorf("%w: %s: rank %d", ErrFormat, name, len(a.Shape))
	}
	// Rank <= 1 arrays have the same layout in either order.
	if hdr.Fortran && len(a.Shape) == 2 {
		return nil, fmt.Errorf("%w: %s: fortran order", ErrFormat, name)
	}

	d := a.Descr
	if len(d) < 3 || !strings.ContainsRune("<|=", rune(d[0])) {
		return nil, fmt.Errorf("%w: %s: dtype %q", ErrFormat, name, d)
	}
	switch d[1:] {
	case "i1":
		err = readSigned[int8](r, a)
	case "i2":
		err = readSigned[int16](r, a)
	case "i4":
		err = readSigned[int32](r, a)
	case "i8":
		err = readSigned[int64](r, a)
	case "u1":
		err = readUnsigned[uint8](r, a)
	case "u2":
		err = readUnsigned[uint16](r, a)
	case "u4":
		err = readUnsigned[uint32](r, a)
	case "u8":
		err = readUnsigned[uint64](r, a)
	case "b1":
		var v []bool
		if err = r.Read(&v); err == nil {
			a.uints = make([]uint64, len(v))
			for i, b := range v {
				if b {
					a.uints[i] = 1
				}
			}
		}
	default:
		return nil, fmt.Errorf("%w: %s: dtype %q is not an integer type", ErrFormat, name, d)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFormat, name, err)
	}
	if want := shapeLen(a.Shape); a.Len() != want {
		return nil, fmt.Errorf("%w: %s: %d values, want %d", ErrFormat, name, a.Len(), want)
	}
	return a, nil
}

func shapeLen(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func readSigned[T int8 | int16 | int32 | int64](r *npy.Reader, a *Array) error {
	var v []T
	if err := r.Read(&v); err != nil {
		return err
	}
	a.signed = true
	a.ints = make([]int64, len(v))
	for i, x := range v {
		a.ints[i] = int64(x)
	}
	return nil
}

func readUnsigned[T uint8 | uint16 | uint32 | uint64](r *npy.Reader, a *Array) error {
	var v []T
	if err := r.Read(&v); err != nil {
		return err
	}
	a.uints = make([]uint64, len(v))
	for i, x := range v {
		a.uints[i] = uint64(x)
	}
	return nil
}

// Values converts the array into T, failing when a value does not fit.
func Values[T Element](a *Array) ([]T, error) {
	descr := descrOf[T]()
	signed := descr[1] == 'i'
	width, _ := strconv.Atoi(descr[2:])
	width *= 8

	var maxPos uint64 = math.MaxUint64
	var minNeg int64
	if signed {
		maxPos = 1<<(width-1) - 1
		minNeg = -1 << (width - 1)
	} else if width < 64 {
		maxPos = 1<<width - 1
	}

	out := make([]T, a.Len())
	for i := range out {
		if a.signed {
			v := a.ints[i]
			if v < minNeg || (v >= 0 && uint64(v) > maxPos) {
				return nil, fmt.Errorf("%w: %s[%d] does not fit %s", ErrFormat, a.Name, i, descr)
			}
			out[i] = T(v)
			continue
		}
		if v := a.uints[i]; v > maxPos {
			return nil, fmt.Errorf("%w: %s[%d] does not fit %s", ErrFormat, a.Name, i, descr)
		}
		out[i] = T(a.uints[i])
	}
	return out, nil
}
