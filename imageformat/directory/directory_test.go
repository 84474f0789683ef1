package directory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twopence/twopence/imageformat"
	"github.com/twopence/twopence/mediatype"
	"github.com/twopence/twopence/testutil"
)

func readBlob(t *testing.T, s imageformat.ImageFormat, img *imageformat.Image, i int) []byte {
	t.Helper()
	rc, err := s.OpenBlob(context.Background(), img.Manifest.Layers[i])
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	timg, err := testutil.MakeImage(mediatype.VendorDocker, 3, map[string]string{"a": "b"})
	require.NoError(t, err)
	src, err := testutil.NewStore("test:", timg).Load(ctx)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "image")
	s := New(dir, "")
	require.Equal(t, "dir:"+dir, s.Spec())
	require.NoError(t, s.Save(ctx, src))

	version, err := os.ReadFile(filepath.Join(dir, "version"))
	require.NoError(t, err)
	require.Equal(t, "Directory Transport Version: 1.1\n", string(version))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "image", loaded.Name)

	_, want, _ := src.Manifest.Payload()
	_, got, _ := loaded.Manifest.Payload()
	require.Equal(t, want, got)
	require.Equal(t, src.Manifest.Layers, loaded.Manifest.Layers)

	for i, d := range loaded.Manifest.Layers {
		require.Equal(t, timg.Blobs[d.Digest], readBlob(t, s, loaded, i))
		_, err := os.Stat(filepath.Join(dir, d.Digest.Encoded()))
		require.NoError(t, err, "blobs are stored by hex digest")
	}

	config, err := loaded.Config(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", config.Labels()["a"])
}

func TestSaveHardlinks(t *testing.T) {
	ctx := context.Background()
	timg, err := testutil.MakeImage(mediatype.VendorOCI, 2, nil)
	require.NoError(t, err)
	src, err := testutil.NewStore("test:", timg).Load(ctx)
	require.NoError(t, err)

	root := t.TempDir()
	first := New(filepath.Join(root, "first"), "")
	require.NoError(t, first.Save(ctx, src))

	img, err := first.Load(ctx)
	require.NoError(t, err)
	second := New(filepath.Join(root, "second"), "copy")
	require.NoError(t, second.Save(ctx, img))

	for _, d := range img.Manifest.References() {
		a, err := os.Stat(first.BlobPath(d))
		require.NoError(t, err)
		b, err := os.Stat(second.BlobPath(d))
		require.NoError(t, err)
		require.True(t, os.SameFile(a, b), "blob %s should be hard linked", d.Digest)
	}

	copied, err := second.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "copy", copied.Name)
}

func TestLoadWithoutMediaType(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "version"), []byte("Directory Transport Version: 1.1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(`{
		"schemaVersion": 2,
		"config": {"mediaType": "application/vnd.oci.image.config.v1+json", "digest": "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", "size": 0},
		"layers": []
	}`), 0o644))

	img, err := New(dir, "x").Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, img.Manifest.SchemaVersion)
}

func TestVersionFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
		ok      bool
	}{
		{name: "valid", content: "Directory Transport Version: 1.1\n", ok: true},
		{name: "unknown header", content: "Comment: hello\n\nDirectory Transport Version: 1.1\n", ok: true},
		{name: "missing", content: "Comment: hello\n"},
		{name: "duplicate", content: "Directory Transport Version: 1.1\nDirectory Transport Version: 1.1\n"},
		{name: "incompatible", content: "Directory Transport Version: 1.0\n"},
		{name: "malformed", content: "garbage\n"},
	}

	s := New(t.TempDir(), "")
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := s.parseVersion(context.Background(), stringsReader(tc.content))
			if tc.ok {
				require.NoError(t, err)
				return
			}
			var loadErr *imageformat.ImageLoadError
			require.True(t, errors.As(err, &loadErr), "got %v", err)
		})
	}
}

func TestLoadMissingDirectory(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope"), "").Load(context.Background())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestPutBlobVerifiesDigest(t *testing.T) {
	ctx := context.Background()
	timg, err := testutil.MakeImage(mediatype.VendorDocker, 1, nil)
	require.NoError(t, err)

	s := New(t.TempDir(), "")
	d := timg.Manifest.Layers[0]
	err = s.PutBlob(ctx, d, func() (io.ReadCloser, error) {
		return io.NopCloser(stringsReader("not the layer")), nil
	})
	require.Error(t, err)

	exists, err := s.BlobExists(ctx, d)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestPutBlobMismatchKeepsExistingBlob(t *testing.T) {
	ctx := context.Background()
	timg, err := testutil.MakeImage(mediatype.VendorDocker, 1, nil)
	require.NoError(t, err)

	s := New(t.TempDir(), "")
	d := timg.Manifest.Layers[0]
	err = s.PutBlob(ctx, d, func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(timg.Blobs[d.Digest])), nil
	})
	require.NoError(t, err)

	err = s.PutBlob(ctx, d, func() (io.ReadCloser, error) {
		return io.NopCloser(stringsReader("not the layer")), nil
	})
	require.Error(t, err)

	b, err := os.ReadFile(s.BlobPath(d))
	require.NoError(t, err)
	require.Equal(t, timg.Blobs[d.Digest], b)

	entries, err := os.ReadDir(filepath.Dir(s.BlobPath(d)))
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp-")
	}
}

func stringsReader(s string) io.Reader {
	return strings.NewReader(s)
}
