package persistence

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/districts/internal/fs"
)

func writeString(s string) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

func tempFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSaveToFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	path := filepath.Join(dir, "snap.npz")

	info, err := SaveToFile(nil, path, writeString("hello world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.Size)
	assert.Equal(t, CalculateChecksum([]byte("hello world")), info.CRC32)

	got, err := ReadFile(nil, path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
	assert.Equal(t, []string{"snap.npz"}, tempFiles(t, dir))

	// Overwrite replaces the content atomically.
	_, err = SaveToFile(fs.Default, path, writeString("v2"))
	require.NoError(t, err)
	got, err = ReadFile(fs.Default, path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestSaveToFile_FailuresKeepPreviousFile(t *testing.T) {
	boom := errors.New("boom")
	cases := map[string]struct {
		fault fs.Fault
		write func(io.Writer) error
	}{
		"write":  {fault: fs.Fault{FailAfterBytes: 4}, write: writeString("0123456789")},
		"sync":   {fault: fs.Fault{FailAfterBytes: -1, FailOnSync: true}, write: writeString("new")},
		"close":  {fault: fs.Fault{FailAfterBytes: -1, FailOnClose: true}, write: writeString("new")},
		"rename": {fault: fs.Fault{FailAfterBytes: -1, FailOnRename: true}, write: writeString("new")},
		"func":   {fault: fs.Fault{FailAfterBytes: -1}, write: func(io.Writer) error { return boom }},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "snap.npz")
			require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

			ffs := fs.NewFaultyFS(nil)
			ffs.AddRule(".tmp-", tc.fault)

			_, err := SaveToFile(ffs, path, tc.write)
			require.Error(t, err)

			got, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, "old", string(got))
			assert.Equal(t, []string{"snap.npz"}, tempFiles(t, dir), "temp file removed")
		})
	}
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile(nil, filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestVerifyChecksum(t *testing.T) {
	data := []byte("payload")
	require.NoError(t, VerifyChecksum(data, CalculateChecksum(data)))

	err := VerifyChecksum(data, 1)
	var cm *ChecksumMismatchError
	require.True(t, errors.As(err, &cm))
	assert.Equal(t, uint32(1), cm.Expected)
}
