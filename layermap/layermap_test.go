package layermap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twopence/twopence/imageformat"
	"github.com/twopence/twopence/manifest"
	"github.com/twopence/twopence/mediatype"
	"github.com/twopence/twopence/testutil"
)

// locatingStore serves a generated image and hands out blob URLs.
type locatingStore struct {
	*testutil.Store
	base string
}

func (s locatingStore) BlobURL(d manifest.Descriptor) string {
	return s.base + "/blobs/" + d.Digest.String()
}

func newImage(t *testing.T, name string, timg *testutil.Image) *imageformat.Image {
	t.Helper()
	store := locatingStore{
		Store: testutil.NewStore("test:"+name, timg),
		base:  "https://" + name + ".example/v2/" + name,
	}
	return imageformat.NewImage(name, "latest", timg.Manifest, store)
}

func TestGenerationPreference(t *testing.T) {
	base, err := testutil.MakeImage(mediatype.VendorDocker, 3, nil)
	require.NoError(t, err)
	derived, err := testutil.MakeImageFromLayers(base, 2, nil)
	require.NoError(t, err)

	shared := base.Manifest.Layers[1]

	for _, order := range [][]string{{"a", "b"}, {"b", "a"}} {
		images := map[string]*imageformat.Image{
			"a": newImage(t, "a", base),
			"b": newImage(t, "b", derived),
		}

		lm := New()
		for _, name := range order {
			require.NoError(t, lm.AddImage(context.Background(), images[name]))
		}
		// five compressed layers, each also known by its uncompressed digest
		require.Equal(t, 10, lm.Len())

		ref, ok, err := lm.Reference(shared)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []string{"https://a.example/v2/a/blobs/" + shared.Digest.String()}, ref.URLs, "order %v", order)
		require.Equal(t, mediatype.DockerForeignLayer+".gzip", ref.MediaType)

		l, ok := lm.Get(base.DiffIDs[1])
		require.True(t, ok)
		require.Equal(t, 3, l.Generation)
		require.Equal(t, ref.URLs, l.Reference.URLs)

		l, ok = lm.Get(derived.Manifest.Layers[4].Digest)
		require.True(t, ok)
		require.Equal(t, 5, l.Generation)
	}
}

func TestReferenceChangesVendor(t *testing.T) {
	base, err := testutil.MakeImage(mediatype.VendorDocker, 1, nil)
	require.NoError(t, err)

	lm := New()
	require.NoError(t, lm.AddImage(context.Background(), newImage(t, "a", base)))

	d := base.Manifest.Layers[0]
	d.MediaType = v1LayerGzip
	ref, ok, err := lm.Reference(d)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, mediatype.VendorOCI, ref.Vendor())
	require.True(t, ref.IsExternalReference())
	require.True(t, ref.IsCompressed())

	// the stored entry is not modified
	l, _ := lm.Get(d.Digest)
	require.Equal(t, mediatype.VendorDocker, l.Reference.Vendor())

	_, ok, err = lm.Reference(manifest.Descriptor{Digest: "sha256:0000000000000000000000000000000000000000000000000000000000000000"})
	require.NoError(t, err)
	require.False(t, ok)
}

const v1LayerGzip = "application/vnd.oci.image.layer.v1.tar+gzip"

func TestAddImageNeedsLocator(t *testing.T) {
	base, err := testutil.MakeImage(mediatype.VendorOCI, 1, nil)
	require.NoError(t, err)

	img := imageformat.NewImage("plain", "latest", base.Manifest, testutil.NewStore("test:plain", base))
	require.Error(t, New().AddImage(context.Background(), img))
}

func TestAddLayerKeepsLowestGeneration(t *testing.T) {
	d := manifest.Descriptor{MediaType: v1LayerGzip, Digest: "sha256:1111111111111111111111111111111111111111111111111111111111111111"}
	lm := New()
	require.True(t, lm.AddLayer(4, d, d.WithURL("https://four")))
	require.False(t, lm.AddLayer(4, d, d.WithURL("https://other")))
	require.True(t, lm.AddLayer(2, d, d.WithURL("https://two")))
	require.False(t, lm.AddLayer(7, d, d.WithURL("https://seven")))

	l, ok := lm.Get(d.Digest)
	require.True(t, ok)
	require.Equal(t, 2, l.Generation)
	require.Equal(t, []string{"https://two"}, l.Reference.URLs)
}

func TestExternalize(t *testing.T) {
	base, err := testutil.MakeImage(mediatype.VendorOCI, 3, nil)
	require.NoError(t, err)
	derived, err := testutil.MakeImageFromLayers(base, 2, nil)
	require.NoError(t, err)

	lm := New()
	require.NoError(t, lm.AddImage(context.Background(), newImage(t, "a", base)))

	out, n, err := lm.Externalize(context.Background(), derived.Manifest)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, out.Layers, 5)
	for i, l := range out.Layers {
		require.Equal(t, derived.Manifest.Layers[i].Digest, l.Digest)
		require.Equal(t, i < 3, l.IsExternalReference(), "layer %d", i)
	}
	require.Equal(t, derived.Manifest.Config, out.Config)

	// the input manifest is untouched
	for _, l := range derived.Manifest.Layers {
		require.False(t, l.IsExternalReference())
	}

	_, payload, err := out.Payload()
	require.NoError(t, err)
	require.Contains(t, string(payload), "https://a.example/v2/a/blobs/")

	same, n, err := New().Externalize(context.Background(), derived.Manifest)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Same(t, derived.Manifest, same)
}
