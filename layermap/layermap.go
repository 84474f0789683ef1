// Package layermap records, for layers already present in some image, an
// external reference that later images can use instead of carrying the
// layer themselves.
package layermap

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/twopence/twopence/imageformat"
	"github.com/twopence/twopence/internal/dcontext"
	"github.com/twopence/twopence/manifest"
	"github.com/twopence/twopence/mediatype"
)

// LayerInfo is what the map knows about one layer digest.
type LayerInfo struct {
	// Generation is the number of layers of the image the reference
	// points into. Lower generations are preferred.
	Generation int
	Descriptor manifest.Descriptor
	Reference  manifest.Descriptor
}

// LayerMap maps layer digests to external references. It is not safe for
// concurrent use.
type LayerMap struct {
	layers map[digest.Digest]*LayerInfo
}

// New returns an empty LayerMap.
func New() *LayerMap {
	return &LayerMap{layers: make(map[digest.Digest]*LayerInfo)}
}

// Len returns the number of digests in the map.
func (m *LayerMap) Len() int {
	return len(m.layers)
}

// Get returns the entry for dgst.
func (m *LayerMap) Get(dgst digest.Digest) (*LayerInfo, bool) {
	l, ok := m.layers[dgst]
	return l, ok
}

// AddLayer records ref as the external reference of layer d unless a
// reference of the same or a lower generation is already known. It
// reports whether the entry was stored.
func (m *LayerMap) AddLayer(generation int, d, ref manifest.Descriptor) bool {
	if l, ok := m.layers[d.Digest]; ok && l.Generation <= generation {
		return false
	}
	m.layers[d.Digest] = &LayerInfo{
		Generation: generation,
		Descriptor: d,
		Reference:  ref,
	}
	return true
}

// AddImage indexes every layer of img. Compressed layers are additionally
// indexed by the digest of their uncompressed content, pointing at the
// same reference. The loader of img must be able to locate blobs by URL.
func (m *LayerMap) AddImage(ctx context.Context, img *imageformat.Image) error {
	ctx = dcontext.WithImageSpec(ctx, img.Spec())
	logger := dcontext.GetLogger(ctx)

	// The image with the fewest layers is preferred, which makes several
	// externalized layers of one image point into the same base image.
	generation := len(img.Manifest.Layers)

	for _, d := range img.Manifest.Layers {
		logger.Infof("Image layer %s (%s)", d.Digest, d.MediaType)
		if !d.IsLayer() {
			logger.Infof("  Layer has unknown type %s", d.MediaType)
			continue
		}
		if l, ok := m.layers[d.Digest]; ok && l.Generation <= generation {
			logger.Debug("  Layer already mapped")
			continue
		}

		ref := d
		if !d.IsExternalReference() {
			var err error
			if ref, err = img.ExternalReference(d); err != nil {
				return err
			}
		}
		logger.Debugf("  Making external reference with media type %s", ref.MediaType)
		m.AddLayer(generation, d, ref)

		if !d.IsCompressed() || d.IsExternalReference() {
			continue
		}

		logger.Info("  Layer is compressed, hashing uncompressed data")
		u, err := img.UncompressedDescriptor(ctx, d)
		if err != nil {
			return err
		}
		logger.Infof("  %s (%s)", u.MediaType, u.Digest)
		m.AddLayer(generation, u, ref)
	}
	return nil
}

// Reference returns the external reference recorded for d. When d uses a
// different vendor than the reference, the reference is rewritten to d's
// vendor so it validates against the manifest d came from.
func (m *LayerMap) Reference(d manifest.Descriptor) (manifest.Descriptor, bool, error) {
	l, ok := m.layers[d.Digest]
	if !ok {
		return manifest.Descriptor{}, false, nil
	}

	ref := l.Reference.Clone()
	if v := d.Vendor(); v != mediatype.VendorNone && ref.Vendor() != v {
		converted, err := ref.WithVendor(v)
		if err != nil {
			return manifest.Descriptor{}, false, fmt.Errorf("layer %s: %w", d.Digest, err)
		}
		ref = converted
	}
	return ref, true, nil
}

// Externalize returns a copy of m with every layer known to the map
// replaced by its external reference, together with the number of layers
// replaced.
func (m *LayerMap) Externalize(ctx context.Context, dm *manifest.DeserializedManifest) (*manifest.DeserializedManifest, int, error) {
	out := dm.Manifest
	out.Layers = make([]manifest.Descriptor, 0, len(dm.Layers))

	n := 0
	for _, d := range dm.Layers {
		if d.IsExternalReference() {
			out.Layers = append(out.Layers, d)
			continue
		}
		ref, ok, err := m.Reference(d)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			out.Layers = append(out.Layers, d)
			continue
		}
		dcontext.GetLogger(ctx).Infof("Layer %s is referenced externally; urls=%v", d.Digest, ref.URLs)
		out.Layers = append(out.Layers, ref)
		n++
	}

	if n == 0 {
		return dm, 0, nil
	}
	externalized, err := manifest.FromStruct(out)
	if err != nil {
		return nil, 0, err
	}
	return externalized, n, nil
}
