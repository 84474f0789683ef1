package ociarchive

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
)

// archiveWriter writes a new archive next to its final path. Each member
// is spooled to a temporary file first, since the tar header needs the
// size before the content.
type archiveWriter struct {
	path string
	f    *os.File
	tw   *tar.Writer

	// last is the digest of the blob written last.
	last digest.Digest
}

func newArchiveWriter(path string) (*archiveWriter, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, err
	}
	return &archiveWriter{path: path, f: f, tw: tar.NewWriter(f)}, nil
}

// add appends a regular file called name with the content of r.
func (w *archiveWriter) add(name string, r io.Reader) error {
	spool, err := os.CreateTemp("", "twopence-member-*")
	if err != nil {
		return err
	}
	defer func() {
		spool.Close()
		_ = os.Remove(spool.Name())
	}()

	size, err := io.Copy(spool, r)
	if err != nil {
		return err
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return err
	}

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     size,
		Mode:     0o644,
		Uname:    "root",
		Gname:    "root",
		ModTime:  time.Now(),
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(w.tw, spool)
	return err
}

// commit finishes the archive and moves it into place.
func (w *archiveWriter) commit() error {
	if err := w.tw.Close(); err != nil {
		w.abort()
		return err
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return err
	}
	if err := os.Chmod(w.f.Name(), 0o644); err != nil {
		os.Remove(w.f.Name())
		return err
	}
	return os.Rename(w.f.Name(), w.path)
}

// abort drops the partial archive.
func (w *archiveWriter) abort() {
	w.f.Close()
	os.Remove(w.f.Name())
}
