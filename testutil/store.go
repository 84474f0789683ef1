package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/twopence/twopence/imageformat"
	"github.com/twopence/twopence/manifest"
)

// Store is a read-only image store serving an Image from memory.
type Store struct {
	img  *Image
	spec string

	mu     sync.Mutex
	opened map[digest.Digest]int
}

// NewStore returns a store named spec holding img.
func NewStore(spec string, img *Image) *Store {
	return &Store{img: img, spec: spec, opened: make(map[digest.Digest]int)}
}

func (s *Store) Spec() string { return s.spec }

func (s *Store) Load(ctx context.Context) (*imageformat.Image, error) {
	return imageformat.NewImage("test", "latest", s.img.Manifest, s), nil
}

func (s *Store) BlobExists(ctx context.Context, d manifest.Descriptor) (bool, error) {
	_, ok := s.img.Blobs[d.Digest]
	return ok, nil
}

func (s *Store) OpenBlob(ctx context.Context, d manifest.Descriptor) (io.ReadCloser, error) {
	b, ok := s.img.Blobs[d.Digest]
	if !ok {
		return nil, fmt.Errorf("%s: blob %s not found", s.spec, d.Digest)
	}
	s.mu.Lock()
	s.opened[d.Digest]++
	s.mu.Unlock()
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *Store) Save(ctx context.Context, img *imageformat.Image) error {
	return errors.New("test store is read-only")
}

// Opened counts how often the blob dgst was opened.
func (s *Store) Opened(dgst digest.Digest) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened[dgst]
}
