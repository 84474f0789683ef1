package blobcache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
)

func countingFetch(content []byte, calls *int) func(context.Context) (io.ReadCloser, error) {
	return func(context.Context) (io.ReadCloser, error) {
		*calls++
		return io.NopCloser(bytes.NewReader(content)), nil
	}
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("unexpected error reading blob: %v", err)
	}
	return b
}

func TestOpenFetchesOnce(t *testing.T) {
	c := New(t.TempDir())
	content := []byte("layer content")
	dgst := digest.FromBytes(content)
	before := Snapshot()

	var calls int
	for i := 0; i < 2; i++ {
		rc, err := c.Open(context.Background(), dgst, countingFetch(content, &calls))
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if got := readAll(t, rc); !bytes.Equal(got, content) {
			t.Fatalf("open %d: got %q", i, got)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one fetch, got %d", calls)
	}

	after := Snapshot()
	if after.Hits-before.Hits != 1 || after.Misses-before.Misses != 1 {
		t.Errorf("expected one hit and one miss, got %+v -> %+v", before, after)
	}
	if after.BytesCached-before.BytesCached != uint64(len(content)) {
		t.Errorf("expected %d cached bytes, got %d", len(content), after.BytesCached-before.BytesCached)
	}

	h, _ := c.Handle(dgst)
	if want := filepath.Join(c.Root(), "sha256", dgst.Encoded()); h.Path() != want {
		t.Errorf("path = %s, want %s", h.Path(), want)
	}
	if !h.Exists() {
		t.Error("entry should exist")
	}
}

func TestPutRejectsWrongContent(t *testing.T) {
	c := New(t.TempDir())
	h, err := c.Handle(digest.FromString("expected"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.Put(bytes.NewReader([]byte("something else"))); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
	if h.Exists() {
		t.Fatal("mismatching content must not be cached")
	}

	entries, err := os.ReadDir(filepath.Dir(h.Path()))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestCorruptEntryIsDropped(t *testing.T) {
	c := New(t.TempDir())
	content := []byte("original")
	dgst := digest.FromBytes(content)
	h, _ := c.Handle(dgst)

	if _, err := h.Put(bytes.NewReader(content)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(h.Path(), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	before := Snapshot()
	rc, err := h.Open()
	if err != nil {
		t.Fatal(err)
	}
	_, err = io.ReadAll(rc)
	rc.Close()
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
	if n := Snapshot().Corrupt - before.Corrupt; n != 1 {
		t.Errorf("expected one corrupt entry, got %d", n)
	}
	if h.Exists() {
		t.Fatal("corrupt entry should have been removed")
	}

	// the next open fetches again
	var calls int
	rc, err = c.Open(context.Background(), dgst, countingFetch(content, &calls))
	if err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, rc); !bytes.Equal(got, content) || calls != 1 {
		t.Fatalf("got %q after %d fetches", got, calls)
	}
}

func TestOpenMissing(t *testing.T) {
	c := New(t.TempDir())
	h, _ := c.Handle(digest.FromString("nothing"))
	if _, err := h.Open(); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not exist, got %v", err)
	}
	if err := h.Remove(); err != nil {
		t.Fatalf("removing a missing entry: %v", err)
	}
}

func TestFetchErrorIsReturned(t *testing.T) {
	c := New(t.TempDir())
	boom := errors.New("boom")
	_, err := c.Open(context.Background(), digest.FromString("x"), func(context.Context) (io.ReadCloser, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
}

func TestHandleInvalidDigest(t *testing.T) {
	if _, err := New(t.TempDir()).Handle("sha256:nothex"); err == nil {
		t.Fatal("expected error for invalid digest")
	}
}
