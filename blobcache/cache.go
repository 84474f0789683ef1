// Package blobcache keeps downloaded blobs in a local directory, one file
// per digest, so that repeated pulls of the same layer stay off the
// network.
//
// Cached content is verified against its digest when it is read back. A
// file that fails verification is removed. Files are written to a
// temporary name and renamed into place, so readers never observe a
// partially written blob.
package blobcache

import (
	"context"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/twopence/twopence/internal/dcontext"
)

// ErrDigestMismatch is returned when blob content does not hash to the
// digest it is stored under.
var ErrDigestMismatch = errors.New("blob content does not match digest")

// Cache is a blob cache rooted at a directory.
type Cache struct {
	root string
}

// New returns a cache rooted at root. The directory is created on the
// first write.
func New(root string) *Cache {
	return &Cache{root: root}
}

// Root returns the cache directory.
func (c *Cache) Root() string {
	return c.root
}

// Handle returns the cache entry for dgst.
func (c *Cache) Handle(dgst digest.Digest) (*Handle, error) {
	if err := dgst.Validate(); err != nil {
		return nil, fmt.Errorf("blob cache: %w", err)
	}
	return &Handle{
		digest: dgst,
		dir:    filepath.Join(c.root, dgst.Algorithm().String()),
		path:   filepath.Join(c.root, dgst.Algorithm().String(), dgst.Encoded()),
	}, nil
}

// Open returns the cached content of dgst. On a miss, fetch is called
// and its content is stored in the cache before being returned.
func (c *Cache) Open(ctx context.Context, dgst digest.Digest, fetch func(context.Context) (io.ReadCloser, error)) (io.ReadCloser, error) {
	h, err := c.Handle(dgst)
	if err != nil {
		return nil, err
	}

	logger := dcontext.GetLoggerWithField(ctx, "digest", dgst)
	if rc, err := h.Open(); err == nil {
		logger.Debugf("Using cached blob %s", h.Path())
		recordHit()
		return rc, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	recordMiss()

	src, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	n, err := h.Put(src)
	if err != nil {
		return nil, err
	}
	logger.Debugf("Cached %d bytes in %s", n, h.Path())
	return h.Open()
}

// Handle is the cache entry of one digest.
type Handle struct {
	digest digest.Digest
	dir    string
	path   string
}

// Digest returns the digest of the entry.
func (h *Handle) Digest() digest.Digest {
	return h.digest
}

// Path returns the location of the cached file.
func (h *Handle) Path() string {
	return h.path
}

// Exists reports whether the entry has been written.
func (h *Handle) Exists() bool {
	fi, err := os.Stat(h.path)
	return err == nil && fi.Mode().IsRegular()
}

// Open opens the cached file for reading. The returned reader fails with
// ErrDigestMismatch at end of file if the content does not match the
// digest, and the entry is removed. A missing entry yields an error
// satisfying errors.Is(err, os.ErrNotExist).
func (h *Handle) Open() (io.ReadCloser, error) {
	f, err := os.Open(h.path)
	if err != nil {
		return nil, err
	}
	return &verifyingReader{
		h:        h,
		f:        f,
		verifier: h.digest.Verifier(),
	}, nil
}

// Put drains r into the cache. The content is verified before it
// becomes visible under the entry's path.
func (h *Handle) Put(r io.Reader) (int64, error) {
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(h.dir, ".tmp-"+h.digest.Encoded()+"-*")
	if err != nil {
		return 0, err
	}
	defer func() {
		if tmp != nil {
			tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	verifier := h.digest.Verifier()
	n, err := io.Copy(io.MultiWriter(tmp, verifier), r)
	if err != nil {
		return n, fmt.Errorf("blob cache: writing %s: %w", h.digest, err)
	}
	if !verifier.Verified() {
		return n, fmt.Errorf("blob cache: %s: %w", h.digest, ErrDigestMismatch)
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := os.Rename(tmp.Name(), h.path); err != nil {
		return n, err
	}
	tmp = nil

	recordPut(n)
	return n, nil
}

// Remove deletes the entry. Removing a missing entry is not an error.
func (h *Handle) Remove() error {
	if err := os.Remove(h.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type verifyingReader struct {
	h        *Handle
	f        *os.File
	verifier digest.Verifier
	err      error
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	n, err := r.f.Read(p)
	if n > 0 {
		r.verifier.Write(p[:n])
	}
	if err == io.EOF && !r.verifier.Verified() {
		recordCorrupt()
		_ = r.h.Remove()
		r.err = fmt.Errorf("blob cache: %s: %w", r.h.digest, ErrDigestMismatch)
		return n, r.err
	}
	return n, err
}

func (r *verifyingReader) Close() error {
	return r.f.Close()
}
