package persistence

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/hupe1980/districts/internal/fs"
)

// FileInfo describes a file written by SaveToFile.
type FileInfo struct {
	Size  int64
	CRC32 uint32
}

// SaveToFile atomically replaces filename with the bytes produced by writeFunc.
func SaveToFile(fsys fs.FileSystem, filename string, writeFunc func(io.Writer) error) (FileInfo, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	dir := filepath.Dir(filename)
	base := filepath.Base(filename)

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return FileInfo{}, err
	}

	// Write to a temp file in the same directory to ensure rename is atomic.
	tmpName := filepath.Join(dir, "."+base+".tmp-"+uuid.NewString())
	tmp, err := fsys.OpenFile(tmpName, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return FileInfo{}, err
	}
	closed := false
	defer func() {
		if !closed {
			_ = tmp.Close()
		}
		if tmpName != "" {
			_ = fsys.Remove(tmpName)
		}
	}()

	cw := NewChecksumWriter(tmp)
	buf := bufio.NewWriterSize(cw, 256*1024) // 256KB buffer
	if err := writeFunc(buf); err != nil {
		return FileInfo{}, err
	}
	if err := buf.Flush(); err != nil {
		return FileInfo{}, err
	}
	if err := tmp.Sync(); err != nil {
		return FileInfo{}, err
	}
	closed = true
	if err := tmp.Close(); err != nil {
		return FileInfo{}, err
	}

	// Atomically replace target.
	if err := fsys.Rename(tmpName, filename); err != nil {
		return FileInfo{}, err
	}
	tmpName = ""

	// Best-effort: fsync the directory so the rename is durable on POSIX.
	if d, err := fsys.OpenFile(dir, os.O_RDONLY, 0); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	return FileInfo{Size: cw.Size(), CRC32: cw.Sum()}, nil
}

// ReadFile returns the content of filename.
func ReadFile(fsys fs.FileSystem, filename string) ([]byte, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(filename, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(bufio.NewReaderSize(f, 256*1024))
}
