package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hupe1980/districts/blobstore"
	"github.com/hupe1980/districts/dataset"
	"github.com/hupe1980/districts/internal/fs"
	"github.com/hupe1980/districts/internal/npz"
	"github.com/hupe1980/districts/persistence"
	"github.com/hupe1980/districts/resource"
)

// checksumSuffix names the CRC32 sidecar stored next to mirrored archives.
const checksumSuffix = ".crc32"

// Controller saves and loads snapshot files.
type Controller struct {
	fsys     fs.FileSystem
	remote   blobstore.Store
	method   npz.Method
	governor *resource.Controller
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithFileSystem replaces the local file system (tests inject faults here).
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(c *Controller) { c.fsys = fsys }
}

// WithRemote mirrors saved snapshots to store and falls back to it when a
// local snapshot is missing.
func WithRemote(store blobstore.Store) Option {
	return func(c *Controller) { c.remote = store }
}

// WithCompression selects the entry compression (default deflate).
func WithCompression(m npz.Method) Option {
	return func(c *Controller) { c.method = m }
}

// WithGovernor throttles snapshot IO through the governor's rate limiter.
func WithGovernor(g *resource.Controller) Option {
	return func(c *Controller) { c.governor = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController returns a Controller writing deflate archives to the local
// file system.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		fsys:   fs.Default,
		method: npz.Deflate,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Save writes s to path atomically and mirrors it when a remote store is
// configured. A mirror failure is reported as an *IOError with Op OpMirror;
// the local file is complete in that case.
func (c *Controller) Save(ctx context.Context, path string, s *Snapshot) (persistence.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return persistence.FileInfo{}, err
	}
	info, err := persistence.SaveToFile(c.fsys, path, func(w io.Writer) error {
		return Encode(resource.NewRateLimitedWriter(ctx, w, c.governor), s, c.method)
	})
	if err != nil {
		return persistence.FileInfo{}, &IOError{Op: OpWrite, Path: path, Err: err}
	}
	c.logger.Info("snapshot written",
		slog.String("path", path),
		slog.Int64("bytes", info.Size),
		slog.String("crc32", fmt.Sprintf("%08x", info.CRC32)),
		slog.String("compression", c.method.String()),
	)

	if c.remote != nil {
		if err := c.mirror(ctx, path, info); err != nil {
			return info, &IOError{Op: OpMirror, Path: path, Err: err}
		}
	}
	return info, nil
}

func (c *Controller) mirror(ctx context.Context, path string, info persistence.FileInfo) error {
	f, err := c.fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	name := filepath.Base(path)
	if err := c.remote.Put(ctx, name, resource.NewRateLimitedReader(ctx, f, c.governor)); err != nil {
		return err
	}
	// The sidecar goes last so a reader never trusts an incomplete upload.
	sum := strconv.FormatUint(uint64(info.CRC32), 16)
	if err := c.remote.Put(ctx, name+checksumSuffix, strings.NewReader(sum)); err != nil {
		return err
	}
	c.logger.Info("snapshot mirrored", slog.String("name", name))
	return nil
}

// Open reads and decodes the snapshot at path without checking it against
// a dataset. A missing local file is fetched from the remote store first.
func (c *Controller) Open(ctx context.Context, path string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ok, err := fs.Exists(c.fsys, path)
	if err != nil {
		return nil, &IOError{Op: OpRead, Path: path, Err: err}
	}
	if !ok && c.remote != nil {
		if err := c.fetch(ctx, path); err != nil {
			return nil, &IOError{Op: OpFetch, Path: path, Err: err}
		}
	}

	f, err := c.fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, &IOError{Op: OpRead, Path: path, Err: err}
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, &IOError{Op: OpRead, Path: path, Err: err}
	}
	s, err := Decode(f, st.Size())
	if err != nil {
		var ioe *IOError
		if errors.As(err, &ioe) {
			ioe.Path = path
		}
		return nil, err
	}
	return s, nil
}

// Load opens the snapshot at path and verifies it against ds and reflection.
func (c *Controller) Load(ctx context.Context, path string, ds *dataset.Dataset, reflection Reflection) (*Snapshot, error) {
	s, err := c.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := s.Verify(ds, reflection); err != nil {
		return nil, err
	}
	c.logger.Info("snapshot loaded",
		slog.String("path", path),
		slog.String("run_id", s.Meta.RunID),
		slog.Time("created_at", s.Meta.CreatedAt),
	)
	return s, nil
}

// fetch downloads the mirrored archive into path, verifying its sidecar
// checksum before the file becomes visible.
func (c *Controller) fetch(ctx context.Context, path string) error {
	name := filepath.Base(path)
	want, err := c.remoteChecksum(ctx, name)
	if err != nil {
		return err
	}

	rc, err := c.remote.Get(ctx, name)
	if err != nil {
		return err
	}
	defer rc.Close()

	c.logger.Info("fetching snapshot from remote", slog.String("name", name), slog.String("path", path))
	_, err = persistence.SaveToFile(c.fsys, path, func(w io.Writer) error {
		cw := persistence.NewChecksumWriter(w)
		if _, err := io.Copy(cw, resource.NewRateLimitedReader(ctx, rc, c.governor)); err != nil {
			return err
		}
		if cw.Sum() != want {
			return &persistence.ChecksumMismatchError{Expected: want, Actual: cw.Sum()}
		}
		return nil
	})
	return err
}

func (c *Controller) remoteChecksum(ctx context.Context, name string) (uint32, error) {
	rc, err := c.remote.Get(ctx, name+checksumSuffix)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(io.LimitReader(rc, 64))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", name, checksumSuffix, err)
	}
	return uint32(v), nil
}
